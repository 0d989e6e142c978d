package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParticipants is returned when a conversation would have the
	// same identifier on both sides, or an identifier is unusable.
	ErrInvalidParticipants = errors.New("invalid participants")

	ErrEmptyMessage         = errors.New("message content is empty")
	ErrNotParticipant       = errors.New("user is not a participant of the conversation")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")

	// ErrRetryExpired is returned when a failed send is too old to be
	// retried without risking a duplicate.
	ErrRetryExpired = errors.New("message is too old to retry")
)

// PersistenceError reports that the backing store was unreachable or
// rejected a write. The core never retries these itself.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError wraps err, leaving nil and already wrapped errors alone.
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// SerializationError reports a fetched record that does not match the
// expected shape.
type SerializationError struct {
	Kind string
	Key  string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("decode %s %q: %v", e.Kind, e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
