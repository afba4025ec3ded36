package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/commands"

	"github.com/mixelka/mailingest/pkg/models"
)

// Transport opens mail sessions
type Transport interface {
	Connect(ctx context.Context, cfg *models.MailAccountConfig) (Session, error)
}

// Session is one live connection to a mailbox. It is never held across sweeps.
type Session interface {
	ListUnseen(ctx context.Context, cursor Cursor) (*Listing, error)
	FetchContent(ctx context.Context, ref MessageRef) (*RawMessage, error)
	Close() error
}

// ClientConfig configuration for IMAP client
type ClientConfig struct {
	DialTimeout      time.Duration
	OpTimeout        time.Duration
	InitialSyncLimit int
	// TLSConfig overrides the default TLS settings; ServerName is filled in per account
	TLSConfig *tls.Config
}

// Client dials IMAP servers. It holds no connection itself.
type Client struct {
	config ClientConfig
	logger *slog.Logger
}

// NewClient creates a new IMAP client
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 20 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	return &Client{
		config: cfg,
		logger: logger.With("component", "imap"),
	}
}

// Connect connects to the IMAP server and logs in
func (c *Client) Connect(ctx context.Context, cfg *models.MailAccountConfig) (Session, error) {
	host, addr, err := endpoint(cfg)
	if err != nil {
		return nil, &NetworkError{Op: "connect", Err: err}
	}

	logger := c.logger.With("account", cfg.UserID, "server", addr)
	logger.Debug("connecting to IMAP server", "tls", cfg.UseTLS)

	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	tlsConfig := c.tlsConfig(host)
	netDialer := &net.Dialer{Timeout: c.config.DialTimeout}

	var conn net.Conn
	if cfg.UseTLS {
		dialer := &tls.Dialer{NetDialer: netDialer, Config: tlsConfig}
		conn, err = dialer.DialContext(dialCtx, "tcp", addr)
	} else {
		conn, err = netDialer.DialContext(dialCtx, "tcp", addr)
	}
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Op: "connect", Err: err}
		}
		return nil, classifyDial(err)
	}

	// Greeting, STARTTLS and LOGIN share the dial bound
	var imapClient *client.Client
	err = bounded(dialCtx, "connect", func() { conn.Close() }, func() error {
		var err error
		imapClient, err = client.New(conn)
		if err != nil {
			return classifyDial(err)
		}
		imapClient.Timeout = c.config.OpTimeout

		if !cfg.UseTLS {
			ok, err := imapClient.SupportStartTLS()
			if err != nil {
				return classifyDial(err)
			}
			if ok {
				if err := imapClient.StartTLS(tlsConfig); err != nil {
					return classifyDial(err)
				}
			}
		}

		return login(imapClient, cfg.Username, cfg.Password)
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	logger.Debug("connected to IMAP server")
	return &session{
		client:       imapClient,
		logger:       logger,
		opTimeout:    c.config.OpTimeout,
		initialLimit: c.config.InitialSyncLimit,
	}, nil
}

// login runs LOGIN itself so the response code survives; client.Login only
// reports the text
func login(c *client.Client, username, password string) error {
	status, execErr := c.Execute(&commands.Login{Username: username, Password: password}, nil)
	if err := classifyLogin(username, status, execErr); err != nil {
		return err
	}
	c.SetState(imap.AuthenticatedState, nil)
	return nil
}

func (c *Client) tlsConfig(host string) *tls.Config {
	var cfg *tls.Config
	if c.config.TLSConfig != nil {
		cfg = c.config.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// endpoint validates host and port before dialing
func endpoint(cfg *models.MailAccountConfig) (string, string, error) {
	if cfg == nil {
		return "", "", ErrInvalidEndpoint
	}
	host := strings.TrimSpace(cfg.Host)
	if host == "" || strings.ContainsAny(host, " /\t\r\n") {
		return "", "", fmt.Errorf("%w: host %q", ErrInvalidEndpoint, cfg.Host)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return "", "", fmt.Errorf("%w: port %d", ErrInvalidEndpoint, cfg.Port)
	}
	return host, cfg.Address(), nil
}

func classifyDial(err error) error {
	if classified, ok := networkCause("connect", err); ok {
		return classified
	}
	return &NetworkError{Op: "connect", Err: err}
}

// bounded runs fn until it returns or ctx ends. On expiry abort is called to
// unblock fn and a TimeoutError is returned.
func bounded(ctx context.Context, op string, abort func(), fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		abort()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Op: op, Err: ctx.Err()}
		}
		return &NetworkError{Op: op, Err: ctx.Err()}
	}
}

type session struct {
	client       *client.Client
	logger       *slog.Logger
	opTimeout    time.Duration
	initialLimit int
	uidValidity  uint32

	closeOnce sync.Once
}

func (s *session) run(ctx context.Context, op string, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return bounded(ctx, op, func() { s.client.Terminate() }, fn)
}

// ListUnseen selects INBOX read-only and returns the refs newer than the cursor
func (s *session) ListUnseen(ctx context.Context, cursor Cursor) (*Listing, error) {
	var mbox *imap.MailboxStatus
	err := s.run(ctx, "select", func() error {
		var err error
		mbox, err = s.client.Select(imap.InboxName, true)
		if err != nil {
			return classify("select", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select INBOX: %w", err)
	}
	s.uidValidity = mbox.UidValidity

	listing := &Listing{UIDValidity: mbox.UidValidity}
	if mbox.Messages == 0 {
		_, listing.Reset = selectNew(nil, cursor, mbox.UidValidity, s.initialLimit)
		return listing, nil
	}

	since := cursor.LastUID
	if cursor.UIDValidity != 0 && cursor.UIDValidity != mbox.UidValidity {
		s.logger.Warn("UIDVALIDITY changed, resetting cursor",
			"previous", cursor.UIDValidity, "current", mbox.UidValidity)
		since = 0
	}

	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(since+1, 0) // 0 means *

	var uids []uint32
	err = s.run(ctx, "search", func() error {
		var err error
		uids, err = s.client.UidSearch(criteria)
		if err != nil {
			return classify("search", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	listing.Refs, listing.Reset = selectNew(uids, cursor, mbox.UidValidity, s.initialLimit)
	s.logger.Debug("listed new messages", "count", len(listing.Refs), "since_uid", since)
	return listing, nil
}

// FetchContent fetches one message without setting \Seen
func (s *session) FetchContent(ctx context.Context, ref MessageRef) (*RawMessage, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(ref.UID)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		section.FetchItem(),
	}

	// a fetch in progress is allowed to finish; callers stop between messages
	var raw *RawMessage
	err := s.run(context.WithoutCancel(ctx), "fetch", func() error {
		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- s.client.UidFetch(seqSet, items, messages)
		}()

		var readErr error
		for msg := range messages {
			if msg == nil || msg.Uid != ref.UID || raw != nil {
				continue
			}
			raw, readErr = s.toRaw(msg, section)
		}
		if err := <-done; err != nil {
			return classify("fetch", err)
		}
		return readErr
	})
	if err != nil {
		if !IsConnectionLost(err) && !s.alive() {
			err = &NetworkError{Op: "fetch", Err: err}
		}
		return nil, &FetchError{UID: ref.UID, Err: err}
	}
	if raw == nil {
		return nil, &FetchError{UID: ref.UID, Err: ErrMessageGone}
	}
	return raw, nil
}

func (s *session) toRaw(msg *imap.Message, section *imap.BodySectionName) (*RawMessage, error) {
	raw := &RawMessage{
		Ref:          MessageRef{UID: msg.Uid},
		UIDValidity:  s.uidValidity,
		Flags:        append([]string(nil), msg.Flags...),
		InternalDate: msg.InternalDate,
		Envelope:     convertEnvelope(msg.Envelope),
		Size:         msg.Size,
	}

	if body := msg.GetBody(section); body != nil {
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, body); err != nil {
			return nil, classify("fetch", err)
		}
		raw.Literal = buf.Bytes()
	}
	return raw, nil
}

func (s *session) alive() bool {
	select {
	case <-s.client.LoggedOut():
		return false
	default:
		return true
	}
}

// Close logs out, forcing the connection closed if the server does not answer in time
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			s.client.Logout()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			s.client.Terminate()
		}
	})
	return nil
}
