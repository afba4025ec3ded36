package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound is returned when a user has no mail settings
	ErrAccountNotFound = errors.New("mail account not found")
	// ErrAccountIneligible is returned when the mail settings are incomplete
	ErrAccountIneligible = errors.New("mail account settings are incomplete")
	// ErrDecrypt is returned when the stored password cannot be decrypted
	ErrDecrypt = errors.New("failed to decrypt mail password")

	errPanic = errors.New("panic during sync")
)

// PersistenceError is a failed write to the message store
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
