package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mixelka/mailingest/internal/database"
	"github.com/mixelka/mailingest/internal/email"
	"github.com/mixelka/mailingest/pkg/models"
)

// AccountSource reads mail settings from the credential store
type AccountSource interface {
	ListEligibleAccounts(ctx context.Context) ([]*models.MailAccountConfig, error)
	GetAccount(ctx context.Context, userID string) (*models.MailAccountConfig, error)
}

// Store persists messages and per-account sync bookkeeping
type Store interface {
	GetSyncState(ctx context.Context, userID string) (*models.SyncState, error)
	SaveCursor(ctx context.Context, userID string, uidValidity, lastUID uint32, at time.Time) error
	RecordSyncError(ctx context.Context, userID, reason string, authFailed bool, at time.Time) error
	UpsertMessage(ctx context.Context, msg *models.FetchedMessage) error
}

// Normalizer converts raw server messages
type Normalizer interface {
	Normalize(accountUserID string, raw *email.RawMessage) *models.FetchedMessage
}

// Decrypter recovers stored passwords
type Decrypter interface {
	Decrypt(encrypted string) (string, error)
}

// Notifier delivers operator alerts
type Notifier interface {
	NotifyAuthFailure(ctx context.Context, userID, username, reason string) error
	NotifySweepStuck(ctx context.Context, skippedTicks int, runningSince time.Time) error
}

// Deps are the collaborators of an Orchestrator. Decrypter and Notifier are optional.
type Deps struct {
	Accounts   AccountSource
	Store      Store
	Transport  email.Transport
	Normalizer Normalizer
	Decrypter  Decrypter
	Notifier   Notifier
}

// Options tune an Orchestrator
type Options struct {
	AccountPause  time.Duration
	UpsertTimeout time.Duration
	// RunTimeout bounds one account run regardless of who is waiting for it
	RunTimeout time.Duration
	Now        func() time.Time
}

// Orchestrator syncs accounts one at a time
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	// base is cancelled by Shutdown only
	base     context.Context
	stopBase context.CancelFunc

	// mu guards flights and keeps them in step with group keys
	mu      sync.Mutex
	group   singleflight.Group
	flights map[string]*flight
	closed  bool
	running sync.WaitGroup
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(deps Deps, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.UpsertTimeout <= 0 {
		opts.UpsertTimeout = 10 * time.Second
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 15 * time.Minute
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	base, stopBase := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		logger:   logger.With("component", "orchestrator"),
		sleep:    sleepContext,
		base:     base,
		stopBase: stopBase,
		flights:  make(map[string]*flight),
	}
}

// Shutdown stops in-flight runs after their current message and waits for
// them to finish or for ctx to end. Later syncs return stopped runs.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stopBase()

	done := make(chan struct{})
	go func() {
		o.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for running syncs: %w", ctx.Err())
	}
}

// Sweep syncs every account that is currently eligible
func (o *Orchestrator) Sweep(ctx context.Context) ([]*SyncRun, error) {
	accounts, err := o.deps.Accounts.ListEligibleAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible accounts: %w", err)
	}
	return o.SyncAll(ctx, accounts), nil
}

// SyncAll syncs the given accounts sequentially with a pause between them.
// Ineligible configs are skipped; a failed account never stops the others.
func (o *Orchestrator) SyncAll(ctx context.Context, configs []*models.MailAccountConfig) []*SyncRun {
	runs := make([]*SyncRun, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Eligible() {
			o.logger.Warn("skipping ineligible account", "account", userIDOf(cfg))
			continue
		}

		if len(runs) > 0 && o.opts.AccountPause > 0 {
			if err := o.sleep(ctx, o.opts.AccountPause); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		runs = append(runs, o.SyncAccount(ctx, cfg))
	}
	return runs
}

// SyncUser runs a manual sync of one user's account
func (o *Orchestrator) SyncUser(ctx context.Context, userID string) (*SyncRun, error) {
	cfg, err := o.deps.Accounts.GetAccount(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if !cfg.Eligible() {
		return nil, ErrAccountIneligible
	}
	return o.SyncAccount(ctx, cfg), nil
}

// SyncAccount syncs one account. Concurrent calls for the same user share the
// in-flight run instead of starting another one. The run belongs to no single
// caller: it stops early only when every caller's ctx has ended or on Shutdown.
func (o *Orchestrator) SyncAccount(ctx context.Context, cfg *models.MailAccountConfig) *SyncRun {
	userID := userIDOf(cfg)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return o.abandonedRun(userID, context.Canceled)
	}
	f, joined := o.flights[userID]
	if !joined {
		runCtx, cancel := context.WithTimeout(o.base, o.opts.RunTimeout)
		f = &flight{ctx: runCtx, cancel: cancel}
		o.flights[userID] = f
		o.running.Add(1)
	}
	f.addWaiter(ctx)
	results := o.group.DoChan(userID, func() (interface{}, error) {
		return o.fly(f, cfg), nil
	})
	o.mu.Unlock()

	if joined {
		o.logger.Debug("joined in-flight sync", "account", userID)
	}

	select {
	case res := <-results:
		return res.Val.(*SyncRun)
	case <-ctx.Done():
	}

	if f.interrupted() == nil {
		// someone else still wants the run, leave it going
		return o.abandonedRun(userID, ctx.Err())
	}
	// the run stops after its current message
	res := <-results
	return res.Val.(*SyncRun)
}

func (o *Orchestrator) fly(f *flight, cfg *models.MailAccountConfig) *SyncRun {
	defer o.running.Done()
	run := o.syncAccount(f.ctx, f.interrupted, cfg)

	o.mu.Lock()
	delete(o.flights, userIDOf(cfg))
	o.group.Forget(userIDOf(cfg))
	o.mu.Unlock()
	f.land()
	return run
}

// abandonedRun is what a caller gets when it stops waiting for a run that
// others are still waiting for
func (o *Orchestrator) abandonedRun(userID string, err error) *SyncRun {
	run := newRun(userID, o.opts.Now())
	run.stop(err)
	run.FinishedAt = run.StartedAt
	return run
}

func (o *Orchestrator) syncAccount(ctx context.Context, interrupted func() error, cfg *models.MailAccountConfig) (run *SyncRun) {
	run = newRun(userIDOf(cfg), o.opts.Now())
	logger := o.logger.With("account", run.AccountUserID, "run_id", run.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic during sync", "panic", r)
			run.fail(fmt.Errorf("%w: %v", errPanic, r))
			o.recordFailure(ctx, run, false)
		}
		run.FinishedAt = o.opts.Now()
		o.logRun(logger, run)
	}()

	if !cfg.Eligible() {
		run.fail(ErrAccountIneligible)
		return run
	}
	if err := interrupted(); err != nil {
		run.stop(err)
		return run
	}

	state, err := o.deps.Store.GetSyncState(ctx, cfg.UserID)
	if err != nil {
		run.fail(&PersistenceError{Op: "load cursor", Err: err})
		return run
	}

	account := *cfg
	if o.deps.Decrypter != nil {
		password, err := o.deps.Decrypter.Decrypt(cfg.Password)
		if err != nil {
			run.fail(fmt.Errorf("%w: %v", ErrDecrypt, err))
			o.recordFailure(ctx, run, false)
			return run
		}
		account.Password = password
	}

	run.advance(StateConnecting)
	sess, err := o.deps.Transport.Connect(ctx, &account)
	if err != nil {
		if stopErr := interrupted(); stopErr != nil {
			run.stop(stopErr)
			return run
		}
		run.fail(err)
		o.recordFailure(ctx, run, email.IsAuthError(err))
		if email.IsAuthError(err) {
			o.notifyAuthFailure(ctx, logger, &account, run.Reason)
		}
		return run
	}
	defer sess.Close()

	run.advance(StateListing)
	cursor := email.Cursor{UIDValidity: state.UIDValidity, LastUID: state.LastUID}
	listing, err := sess.ListUnseen(ctx, cursor)
	if err != nil {
		if stopErr := interrupted(); stopErr != nil {
			run.stop(stopErr)
			return run
		}
		run.fail(err)
		o.recordFailure(ctx, run, false)
		return run
	}
	run.MessagesSeen = len(listing.Refs)

	if listing.Reset || cursor.UIDValidity != listing.UIDValidity {
		cursor = email.Cursor{UIDValidity: listing.UIDValidity}
	}
	lastUID := cursor.LastUID
	blocked := false

	for _, ref := range listing.Refs {
		if err := interrupted(); err != nil {
			run.stop(err)
			break
		}

		run.advance(StateFetching)
		raw, err := sess.FetchContent(ctx, ref)
		if err != nil {
			if stopErr := interrupted(); stopErr != nil {
				run.stop(stopErr)
				break
			}
			run.FetchFailures++
			blocked = true
			if email.IsConnectionLost(err) {
				run.fail(err)
				break
			}
			logger.Warn("skipping message", "uid", ref.UID, "error", err)
			continue
		}

		msg := o.deps.Normalizer.Normalize(account.UserID, raw)

		run.advance(StateUpserting)
		if err := o.persist(ctx, logger, msg); err != nil {
			run.UpsertFailures++
			blocked = true
			logger.Error("failed to store message", "uid", ref.UID, "external_id", msg.ExternalID, "error", err)
			continue
		}
		run.MessagesUpserted++

		// the cursor only moves over a gap-free prefix, so skipped messages are retried next time
		if !blocked {
			lastUID = ref.UID
		}
	}

	progressed := lastUID != state.LastUID || cursor.UIDValidity != state.UIDValidity

	switch run.State {
	case StateFailed:
		if progressed {
			o.saveCursor(ctx, logger, account.UserID, cursor.UIDValidity, lastUID)
		}
		o.recordFailure(ctx, run, false)
	case StateStopped:
		if progressed {
			o.saveCursor(ctx, logger, account.UserID, cursor.UIDValidity, lastUID)
		}
	default:
		run.finish()
		// a completed run also clears the previous error and the auth pause
		o.saveCursor(ctx, logger, account.UserID, cursor.UIDValidity, lastUID)
	}
	return run
}

// persist upserts with one immediate retry. Writes run detached from
// cancellation so shutdown never interrupts a record halfway.
func (o *Orchestrator) persist(ctx context.Context, logger *slog.Logger, msg *models.FetchedMessage) error {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.UpsertTimeout)
		err = o.deps.Store.UpsertMessage(writeCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		logger.Warn("upsert failed", "attempt", attempt, "external_id", msg.ExternalID, "error", err)
	}
	return &PersistenceError{Op: "upsert", Err: err}
}

func (o *Orchestrator) saveCursor(ctx context.Context, logger *slog.Logger, userID string, uidValidity, lastUID uint32) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.UpsertTimeout)
	defer cancel()
	if err := o.deps.Store.SaveCursor(writeCtx, userID, uidValidity, lastUID, o.opts.Now()); err != nil {
		logger.Error("failed to save cursor", "error", err)
	}
}

func (o *Orchestrator) recordFailure(ctx context.Context, run *SyncRun, authFailed bool) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.UpsertTimeout)
	defer cancel()
	if err := o.deps.Store.RecordSyncError(writeCtx, run.AccountUserID, run.Reason, authFailed, o.opts.Now()); err != nil {
		o.logger.Error("failed to record sync error", "account", run.AccountUserID, "error", err)
	}
}

func (o *Orchestrator) notifyAuthFailure(ctx context.Context, logger *slog.Logger, cfg *models.MailAccountConfig, reason string) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.deps.Notifier.NotifyAuthFailure(notifyCtx, cfg.UserID, cfg.Username, reason); err != nil {
		logger.Warn("failed to send auth failure alert", "error", err)
	}
}

func (o *Orchestrator) logRun(logger *slog.Logger, run *SyncRun) {
	attrs := []any{
		"state", run.State,
		"outcome", run.Outcome,
		"seen", run.MessagesSeen,
		"upserted", run.MessagesUpserted,
		"fetch_failures", run.FetchFailures,
		"upsert_failures", run.UpsertFailures,
		"duration", run.FinishedAt.Sub(run.StartedAt),
	}
	switch run.Outcome {
	case OutcomeFailed:
		logger.Warn("account sync failed", append(attrs, "error", run.Err)...)
	case OutcomePartial:
		logger.Warn("account sync finished with skipped messages", attrs...)
	default:
		logger.Info("account sync finished", attrs...)
	}
}

func userIDOf(cfg *models.MailAccountConfig) string {
	if cfg == nil {
		return ""
	}
	return cfg.UserID
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// flight is one in-progress account run and the callers waiting for it
type flight struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	waiters []context.Context
	stops   []func() bool
}

func (f *flight) addWaiter(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiters = append(f.waiters, ctx)
	f.stops = append(f.stops, context.AfterFunc(ctx, func() {
		if f.interrupted() != nil {
			f.cancel()
		}
	}))
}

// interrupted returns why the run should stop: Shutdown, the run timeout, or
// every waiting caller having given up
func (f *flight) interrupted() error {
	if err := f.ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var last error
	for _, w := range f.waiters {
		err := w.Err()
		if err == nil {
			return nil
		}
		last = err
	}
	return last
}

func (f *flight) land() {
	f.mu.Lock()
	for _, stop := range f.stops {
		stop()
	}
	f.mu.Unlock()
	f.cancel()
}

type nopNotifier struct{}

func (nopNotifier) NotifyAuthFailure(context.Context, string, string, string) error { return nil }
func (nopNotifier) NotifySweepStuck(context.Context, int, time.Time) error         { return nil }
