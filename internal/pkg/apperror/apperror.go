// Package apperror defines the closed set of failure kinds used across the
// membership core. Callers switch on Kind instead of matching error strings.
package apperror

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error. The zero value is never produced by this package.
type Kind int

const (
	// KindDuplicateEvent means the event was already handled or is being handled.
	// It is informational and maps to a success response.
	KindDuplicateEvent Kind = iota + 1
	// KindProvider is a transient failure talking to the payment provider.
	KindProvider
	// KindPersistence is a transient storage failure.
	KindPersistence
	// KindValidation is a malformed payload. Retrying the same event will not help.
	KindValidation
	// KindNotFound is a missing user, membership or card where one is required.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindDuplicateEvent:
		return "duplicate_event"
	case KindProvider:
		return "provider_error"
	case KindPersistence:
		return "persistence_error"
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether a redelivery of the same event may succeed.
func (k Kind) Retryable() bool {
	return k == KindProvider || k == KindPersistence
}

// Error is the single concrete error type of this package.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error

	// CompletedAt is set on duplicates of an event that already completed.
	CompletedAt *time.Time
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperror.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrDuplicateEvent = &Error{Kind: KindDuplicateEvent}
	ErrProvider       = &Error{Kind: KindProvider}
	ErrPersistence    = &Error{Kind: KindPersistence}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrNotFound       = &Error{Kind: KindNotFound}
)

func DuplicateEvent(op, eventID string, completedAt *time.Time) error {
	msg := "event " + eventID + " is being processed by another worker"
	if completedAt != nil {
		msg = "event " + eventID + " already completed at " + completedAt.UTC().Format(time.RFC3339)
	}
	return &Error{Kind: KindDuplicateEvent, Op: op, Msg: msg, CompletedAt: completedAt}
}

func Provider(op string, err error) error {
	return &Error{Kind: KindProvider, Op: op, Err: err}
}

func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

func Validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

func ValidationWrap(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

func NotFound(op, what string) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: what + " not found"}
}

// KindOf extracts the kind of err. ok is false for foreign errors.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

// CompletedAt returns the original completion time carried by a duplicate.
func CompletedAt(err error) *time.Time {
	var e *Error
	if errors.As(err, &e) {
		return e.CompletedAt
	}
	return nil
}
