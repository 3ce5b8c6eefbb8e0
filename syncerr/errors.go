// Package syncerr is the error taxonomy shared by the sync engine.
//
// Unauthenticated and Validation errors are terminal for an operation. Network
// (and its RateLimited subtype) is transient and retried under the backoff
// policy. Conflict is routed to the conflict resolver.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthenticated
	KindValidation
	KindNetwork
	KindConflict
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindValidation:
		return "validation"
	case KindNetwork:
		return "network"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Error is a classified sync failure.
type Error struct {
	Kind Kind
	// Op names the failing call, e.g. "ticket.upload".
	Op string
	// Fields lists missing/invalid fields for validation errors and
	// divergent fields for conflicts.
	Fields []string
	// RetryAfter is the server-provided retry hint for rate limiting.
	RetryAfter time.Duration
	Err        error
}

var (
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrNetwork         = &Error{Kind: KindNetwork}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
)

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Fields, ","))
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the bare sentinels by kind. RateLimited also matches ErrNetwork.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindNetwork && e.Kind == KindRateLimited
}

func Unauthenticated(op string) error {
	return &Error{Kind: KindUnauthenticated, Op: op, Err: errors.New("no tenant session bound")}
}

func Validation(op string, fields ...string) error {
	return &Error{Kind: KindValidation, Op: op, Fields: fields}
}

func ValidationCause(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

func Network(op string, err error) error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

func RateLimited(op string, retryAfter time.Duration, err error) error {
	return &Error{Kind: KindRateLimited, Op: op, RetryAfter: retryAfter, Err: err}
}

func Conflict(op string, fields []string, err error) error {
	return &Error{Kind: KindConflict, Op: op, Fields: fields, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is transient. Unclassified errors are treated
// as transient so a misbehaving transport never drops work.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindUnauthenticated, KindValidation, KindConflict:
		return false
	default:
		return true
	}
}

// RetryAfter returns the retry hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
