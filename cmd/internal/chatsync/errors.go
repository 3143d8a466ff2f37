package chatsync

import (
	"context"
	"errors"
	"fmt"

	"convsync/cmd/internal/remote"
)

var (
	// ErrNotFound reports a conversation or user that does not exist (or is not open locally).
	ErrNotFound = errors.New("not found")

	// ErrNotAuthenticated reports that the session has no active user.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrAlreadyLoading rejects a LoadOlder while another one is in flight for the same conversation.
	// It is benign; callers should ignore it.
	ErrAlreadyLoading = errors.New("already loading")

	// ErrTransport reports a failed fetch, append or subscription.
	ErrTransport = errors.New("transport error")

	// ErrInvalidInput reports malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
//   - Kind is one of the sentinels above; errors.Is matches it.
//   - Err is the underlying cause, if any; errors.Is/As also reach it.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *OpError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("chatsync.%s: %v: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("chatsync.%s: %v: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("chatsync.%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("chatsync.%s: %v", e.Op, e.Kind)
	}
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind error, msg string) error {
	return &OpError{Op: op, Kind: kind, Msg: msg}
}

// classify maps a remote failure onto the engine taxonomy.
// Context cancellation is reported as-is so callers can tell it from a broken transport.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("chatsync.%s: %w", op, err)
	case errors.Is(err, remote.ErrNotFound):
		return &OpError{Op: op, Kind: ErrNotFound, Err: err}
	case errors.Is(err, remote.ErrInvalidInput):
		return &OpError{Op: op, Kind: ErrInvalidInput, Err: err}
	default:
		return &OpError{Op: op, Kind: ErrTransport, Err: err}
	}
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAlreadyLoading reports whether err is the benign pagination re-entrancy rejection.
func IsAlreadyLoading(err error) bool { return errors.Is(err, ErrAlreadyLoading) }

// IsTransport reports whether err represents ErrTransport.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }
