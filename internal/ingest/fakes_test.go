package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mixelka/mailingest/internal/database"
	"github.com/mixelka/mailingest/internal/email"
	"github.com/mixelka/mailingest/internal/parser"
	"github.com/mixelka/mailingest/pkg/models"
)

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func account(userID string) *models.MailAccountConfig {
	return &models.MailAccountConfig{
		UserID:   userID,
		Host:     "imap." + userID + ".example.com",
		Port:     993,
		Username: userID + "@example.com",
		Password: "secret",
		UseTLS:   true,
	}
}

type fakeMessage struct {
	uid  uint32
	seen bool
}

func literalFor(userID string, uid uint32) []byte {
	return []byte(fmt.Sprintf("From: sender@example.com\r\nTo: %s@example.com\r\nSubject: message %d\r\nMessage-ID: <%d.%s@example.com>\r\nDate: Mon, 01 Apr 2024 10:00:00 +0000\r\n\r\nbody of %d\r\n", userID, uid, uid, userID, uid))
}

// fakeMailbox is the server side state of one account
type fakeMailbox struct {
	validity   uint32
	messages   []fakeMessage
	connectErr error
	listErr    error
	fetchErrs  map[uint32]error
	// connectGate blocks Connect until closed
	connectGate chan struct{}
	// onFetch runs while a message is being fetched
	onFetch func(uid uint32)
}

type fakeTransport struct {
	mu        sync.Mutex
	mailboxes map[string]*fakeMailbox
	connects  map[string]int
	closes    map[string]int
	passwords map[string]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		mailboxes: make(map[string]*fakeMailbox),
		connects:  make(map[string]int),
		closes:    make(map[string]int),
		passwords: make(map[string]string),
	}
}

func (t *fakeTransport) add(userID string, uids ...uint32) *fakeMailbox {
	mb := &fakeMailbox{validity: 1, fetchErrs: make(map[uint32]error)}
	for _, uid := range uids {
		mb.messages = append(mb.messages, fakeMessage{uid: uid})
	}
	t.mu.Lock()
	t.mailboxes[userID] = mb
	t.mu.Unlock()
	return mb
}

func (t *fakeTransport) connectCount(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects[userID]
}

func (t *fakeTransport) closeCount(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes[userID]
}

func (t *fakeTransport) Connect(ctx context.Context, cfg *models.MailAccountConfig) (email.Session, error) {
	t.mu.Lock()
	t.connects[cfg.UserID]++
	t.passwords[cfg.UserID] = cfg.Password
	mb, ok := t.mailboxes[cfg.UserID]
	t.mu.Unlock()

	if !ok {
		return nil, &email.NetworkError{Op: "connect", Err: errors.New("no such host")}
	}
	if mb.connectGate != nil {
		<-mb.connectGate
	}
	if mb.connectErr != nil {
		return nil, mb.connectErr
	}
	return &fakeSession{transport: t, userID: cfg.UserID, mailbox: mb}, nil
}

type fakeSession struct {
	transport *fakeTransport
	userID    string
	mailbox   *fakeMailbox
}

func (s *fakeSession) ListUnseen(_ context.Context, cursor email.Cursor) (*email.Listing, error) {
	if s.mailbox.listErr != nil {
		return nil, s.mailbox.listErr
	}
	listing := &email.Listing{UIDValidity: s.mailbox.validity}
	last := cursor.LastUID
	if cursor.UIDValidity != 0 && cursor.UIDValidity != s.mailbox.validity {
		listing.Reset = true
		last = 0
	}
	for _, m := range s.mailbox.messages {
		if m.uid > last {
			listing.Refs = append(listing.Refs, email.MessageRef{UID: m.uid})
		}
	}
	sort.Slice(listing.Refs, func(i, j int) bool { return listing.Refs[i].UID < listing.Refs[j].UID })
	return listing, nil
}

func (s *fakeSession) FetchContent(_ context.Context, ref email.MessageRef) (*email.RawMessage, error) {
	if s.mailbox.onFetch != nil {
		s.mailbox.onFetch(ref.UID)
	}
	if err := s.mailbox.fetchErrs[ref.UID]; err != nil {
		return nil, &email.FetchError{UID: ref.UID, Err: err}
	}
	for _, m := range s.mailbox.messages {
		if m.uid != ref.UID {
			continue
		}
		raw := &email.RawMessage{
			Ref:         ref,
			UIDValidity: s.mailbox.validity,
			Literal:     literalFor(s.userID, m.uid),
		}
		if m.seen {
			raw.Flags = []string{"\\Seen"}
		}
		return raw, nil
	}
	return nil, &email.FetchError{UID: ref.UID, Err: email.ErrMessageGone}
}

func (s *fakeSession) Close() error {
	s.transport.mu.Lock()
	s.transport.closes[s.userID]++
	s.transport.mu.Unlock()
	return nil
}

type syncError struct {
	reason     string
	authFailed bool
}

// fakeStore keeps everything in memory and can fail upserts on demand
type fakeStore struct {
	mu          sync.Mutex
	accounts    map[string]*models.MailAccountConfig
	messages    map[string]map[string]*models.FetchedMessage
	upsertOrder []string
	states      map[string]*models.SyncState
	errors      map[string][]syncError
	// failUpserts maps external id to the number of upserts that should fail
	failUpserts map[string]int
	upsertCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:    make(map[string]*models.MailAccountConfig),
		messages:    make(map[string]map[string]*models.FetchedMessage),
		states:      make(map[string]*models.SyncState),
		errors:      make(map[string][]syncError),
		failUpserts: make(map[string]int),
	}
}

func (s *fakeStore) ListEligibleAccounts(context.Context) ([]*models.MailAccountConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []*models.MailAccountConfig
	for _, id := range ids {
		if st := s.states[id]; st != nil && st.AuthFailedAt != nil {
			continue
		}
		if s.accounts[id].Eligible() {
			out = append(out, s.accounts[id])
		}
	}
	return out, nil
}

func (s *fakeStore) GetAccount(_ context.Context, userID string) (*models.MailAccountConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[userID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return acc, nil
}

func (s *fakeStore) GetSyncState(_ context.Context, userID string) (*models.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[userID]; ok {
		cp := *st
		return &cp, nil
	}
	return &models.SyncState{AccountUserID: userID}, nil
}

func (s *fakeStore) SaveCursor(_ context.Context, userID string, uidValidity, lastUID uint32, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[userID] = &models.SyncState{AccountUserID: userID, UIDValidity: uidValidity, LastUID: lastUID, LastSyncAt: &at}
	return nil
}

func (s *fakeStore) RecordSyncError(_ context.Context, userID, reason string, authFailed bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[userID] = append(s.errors[userID], syncError{reason: reason, authFailed: authFailed})
	st, ok := s.states[userID]
	if !ok {
		st = &models.SyncState{AccountUserID: userID}
		s.states[userID] = st
	}
	st.LastError = reason
	if authFailed {
		st.AuthFailedAt = &at
	}
	return nil
}

func (s *fakeStore) UpsertMessage(_ context.Context, msg *models.FetchedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls++
	if n := s.failUpserts[msg.ExternalID]; n > 0 {
		s.failUpserts[msg.ExternalID] = n - 1
		return errors.New("database is locked")
	}
	if s.messages[msg.AccountUserID] == nil {
		s.messages[msg.AccountUserID] = make(map[string]*models.FetchedMessage)
	}
	s.messages[msg.AccountUserID][msg.ExternalID] = msg
	s.upsertOrder = append(s.upsertOrder, msg.ExternalID)
	return nil
}

func (s *fakeStore) syncState(userID string) models.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[userID]; ok {
		return *st
	}
	return models.SyncState{AccountUserID: userID}
}

func (s *fakeStore) count(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[userID])
}

func (s *fakeStore) cursor(userID string) (uint32, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[userID]
	if !ok {
		return 0, 0
	}
	return st.UIDValidity, st.LastUID
}

type fakeNotifier struct {
	mu           sync.Mutex
	authFailures []string
	stuckAlerts  []int
}

func (n *fakeNotifier) NotifyAuthFailure(_ context.Context, userID, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.authFailures = append(n.authFailures, userID)
	return nil
}

func (n *fakeNotifier) NotifySweepStuck(_ context.Context, skipped int, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stuckAlerts = append(n.stuckAlerts, skipped)
	return nil
}

// normalizerFunc adapts a function to Normalizer
type normalizerFunc func(string, *email.RawMessage) *models.FetchedMessage

func (f normalizerFunc) Normalize(userID string, raw *email.RawMessage) *models.FetchedMessage {
	return f(userID, raw)
}

type fakeDecrypter struct{ err error }

func (d fakeDecrypter) Decrypt(encrypted string) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	return "plain-" + encrypted, nil
}

// waiters reports how many callers are attached to the user's in-flight run
func waiters(o *Orchestrator, userID string) int {
	o.mu.Lock()
	f := o.flights[userID]
	o.mu.Unlock()
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

type harness struct {
	transport *fakeTransport
	store     *fakeStore
	notifier  *fakeNotifier
	orch      *Orchestrator
	pauses    []time.Duration
}

func newHarness() *harness {
	h := &harness{
		transport: newFakeTransport(),
		store:     newFakeStore(),
		notifier:  &fakeNotifier{},
	}
	h.orch = NewOrchestrator(Deps{
		Accounts:   h.store,
		Store:      h.store,
		Transport:  h.transport,
		Normalizer: parser.NewNormalizer(fixedClock),
		Notifier:   h.notifier,
	}, Options{AccountPause: 1500 * time.Millisecond, UpsertTimeout: time.Second, Now: fixedClock}, slogDiscard())
	h.orch.sleep = func(ctx context.Context, d time.Duration) error {
		h.pauses = append(h.pauses, d)
		return ctx.Err()
	}
	return h
}
