package email

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/emersion/go-imap"
)

// ErrInvalidEndpoint is wrapped when host or port cannot be dialed as given
var ErrInvalidEndpoint = errors.New("invalid mail endpoint")

// ErrMessageGone is wrapped when a listed message disappeared before it was fetched
var ErrMessageGone = errors.New("message no longer exists")

// AuthError is returned when the server rejected the credentials.
// Retrying with the same settings will not help.
type AuthError struct {
	Username string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Username, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError is a dial or I/O failure
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError is returned when the server did not answer within the bound
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// FetchError is a failure to retrieve a single message
type FetchError struct {
	UID uint32
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch message %d: %v", e.UID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsAuthError checks if error is an authentication error
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsTransient reports whether the failure may go away on a later attempt
func IsTransient(err error) bool {
	if err == nil || IsAuthError(err) {
		return false
	}
	var netErr *NetworkError
	var timeoutErr *TimeoutError
	return errors.As(err, &netErr) || errors.As(err, &timeoutErr)
}

// IsConnectionLost reports whether the session can no longer be used
func IsConnectionLost(err error) bool {
	var netErr *NetworkError
	var timeoutErr *TimeoutError
	return errors.As(err, &netErr) || errors.As(err, &timeoutErr)
}

// networkCause maps a raw client error onto NetworkError or TimeoutError.
// ok is false when the error is not network related.
func networkCause(op string, err error) (error, bool) {
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return &TimeoutError{Op: op, Err: err}, true
		}
		return &NetworkError{Op: op, Err: err}, true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return &NetworkError{Op: op, Err: err}, true
	}
	return nil, false
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if classified, ok := networkCause(op, err); ok {
		return classified
	}
	return err
}

// Login refusals that say nothing about the credentials (RFC 5530)
const (
	codeUnavailable imap.StatusRespCode = "UNAVAILABLE"
	codeInUse       imap.StatusRespCode = "INUSE"
	codeServerBug   imap.StatusRespCode = "SERVERBUG"
	codeLimit       imap.StatusRespCode = "LIMIT"
)

// classifyLogin turns the LOGIN outcome into the error taxonomy. A tagged NO or
// BAD is a credential rejection unless its response code marks the refusal as
// temporary.
func classifyLogin(username string, status *imap.StatusResp, err error) error {
	if err != nil {
		if classified, ok := networkCause("login", err); ok {
			return classified
		}
		return &NetworkError{Op: "login", Err: err}
	}
	if status == nil {
		return &NetworkError{Op: "login", Err: io.ErrUnexpectedEOF}
	}
	if status.Type == imap.StatusRespOk {
		return nil
	}

	cause := errors.New(status.Info)
	if status.Code != "" {
		cause = fmt.Errorf("[%s] %s", status.Code, status.Info)
	}
	switch status.Code {
	case codeUnavailable, codeInUse, codeServerBug, codeLimit:
		return &NetworkError{Op: "login", Err: cause}
	}
	return &AuthError{Username: username, Err: cause}
}
