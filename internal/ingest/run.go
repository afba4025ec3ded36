package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mixelka/mailingest/internal/email"
)

// State is the position of one account's run in the sync state machine
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateListing    State = "listing"
	StateFetching   State = "fetching"
	StateUpserting  State = "upserting"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateStopped
}

var transitions = map[State][]State{
	StateIdle:       {StateConnecting, StateStopped},
	StateConnecting: {StateListing, StateStopped},
	StateListing:    {StateFetching, StateDone, StateStopped},
	StateFetching:   {StateFetching, StateUpserting, StateDone, StateStopped},
	StateUpserting:  {StateFetching, StateDone, StateStopped},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Outcome classifies a finished run
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial" // finished, but some messages were skipped
	OutcomeFailed  Outcome = "failed"
	OutcomeStopped Outcome = "stopped"
)

// SyncRun is the record of one account sync
type SyncRun struct {
	ID               string
	AccountUserID    string
	StartedAt        time.Time
	FinishedAt       time.Time
	State            State
	MessagesSeen     int
	MessagesUpserted int
	FetchFailures    int
	UpsertFailures   int
	Outcome          Outcome
	Err              error
	// Reason is the user-facing failure description
	Reason string

	path []State
}

func newRun(userID string, now time.Time) *SyncRun {
	return &SyncRun{
		ID:            uuid.NewString(),
		AccountUserID: userID,
		StartedAt:     now,
		State:         StateIdle,
		path:          []State{StateIdle},
	}
}

// Path returns every state the run passed through, in order
func (r *SyncRun) Path() []State {
	return append([]State(nil), r.path...)
}

func (r *SyncRun) advance(to State) {
	if !canTransition(r.State, to) {
		panic(fmt.Sprintf("invalid sync transition %s -> %s", r.State, to))
	}
	r.State = to
	r.path = append(r.path, to)
}

func (r *SyncRun) fail(err error) {
	if r.State.Terminal() {
		return
	}
	r.advance(StateFailed)
	r.Outcome = OutcomeFailed
	r.Err = err
	r.Reason = summarizeError(err)
}

func (r *SyncRun) stop(err error) {
	r.advance(StateStopped)
	r.Outcome = OutcomeStopped
	r.Err = err
	r.Reason = summarizeError(err)
}

func (r *SyncRun) finish() {
	r.advance(StateDone)
	if r.FetchFailures > 0 || r.UpsertFailures > 0 {
		r.Outcome = OutcomePartial
		r.Reason = fmt.Sprintf("%d message(s) could not be synced and will be retried", r.FetchFailures+r.UpsertFailures)
		return
	}
	r.Outcome = OutcomeSuccess
}

// RunSummary is the externally visible view of a SyncRun
type RunSummary struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	Outcome        Outcome   `json:"outcome"`
	Seen           int       `json:"seen"`
	Upserted       int       `json:"upserted"`
	FetchFailures  int       `json:"fetch_failures"`
	UpsertFailures int       `json:"upsert_failures"`
	Reason         string    `json:"reason,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Summary returns the counts and failure reason without internal error details
func (r *SyncRun) Summary() RunSummary {
	return RunSummary{
		ID:             r.ID,
		State:          r.State,
		Outcome:        r.Outcome,
		Seen:           r.MessagesSeen,
		Upserted:       r.MessagesUpserted,
		FetchFailures:  r.FetchFailures,
		UpsertFailures: r.UpsertFailures,
		Reason:         r.Reason,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}

// summarizeError maps an internal error to a message fit for the account owner
func summarizeError(err error) string {
	var persistErr *PersistenceError
	var timeoutErr *email.TimeoutError
	var netErr *email.NetworkError
	var fetchErr *email.FetchError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAccountIneligible):
		return "mail settings are incomplete"
	case errors.Is(err, errPanic):
		return "internal error during sync"
	case errors.Is(err, context.Canceled):
		return "sync interrupted by shutdown"
	case errors.Is(err, ErrDecrypt):
		return "stored mail password could not be read"
	case errors.Is(err, email.ErrInvalidEndpoint):
		return "invalid mail server host or port"
	case email.IsAuthError(err):
		return "mail server rejected the username or password"
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return "mail server did not respond in time"
	case errors.As(err, &netErr):
		return "could not reach the mail server"
	case errors.As(err, &fetchErr):
		return "failed to download messages"
	case errors.As(err, &persistErr):
		return "failed to store messages"
	default:
		return "sync failed"
	}
}
