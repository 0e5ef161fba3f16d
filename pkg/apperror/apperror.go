// Package apperror defines the error taxonomy shared by every BioOF store
// accessor and orchestration service.
//
// Errors carry a Kind so callers can branch with errors.Is against the
// exported sentinels without caring which store produced them:
//
//	if errors.Is(err, apperror.ErrNotFound) { ... }
//	if apperror.Retryable(err) { retry() }
package apperror

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies an error.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindNotFound
	KindConflict
	KindTimeout
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Sentinels for errors.Is matching.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrTimeout         = errors.New("timeout")
	ErrUnavailable     = errors.New("unavailable")
	ErrInternal        = errors.New("internal error")
)

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidArgument:
		return ErrInvalidArgument
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindTimeout:
		return ErrTimeout
	case KindUnavailable:
		return ErrUnavailable
	default:
		return ErrInternal
	}
}

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Op   string // operation, e.g. "catalog.GetProject"
	Kind Kind
	ID   string // offending identifier, if any
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.sentinel().Error()
	if e.ID != "" {
		msg += fmt.Sprintf(" (%s)", e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// New creates an error of the given kind with a formatted message as cause.
func New(op string, kind Kind, id string, format string, args ...any) error {
	var cause error
	if format != "" {
		cause = fmt.Errorf(format, args...)
	}
	return &Error{Op: op, Kind: kind, ID: id, Err: cause}
}

// Wrap attaches op and kind to err. Errors that already carry a kind keep
// it; context and connection errors are classified automatically.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return &Error{Op: op, Kind: ae.Kind, ID: ae.ID, Err: err}
	}
	return &Error{Op: op, Kind: classify(err), Err: err}
}

// WrapID is Wrap with an offending identifier.
func WrapID(op, id string, err error) error {
	if err == nil {
		return nil
	}
	w := Wrap(op, err).(*Error)
	w.ID = id
	return w
}

// KindOf reports the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return classify(err)
}

// Retryable reports whether the caller may retry the same request.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	return k == KindTimeout || k == KindUnavailable
}

// FromContext converts ctx.Err() into a Timeout or Unavailable error.
func FromContext(op string, ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Wrap(op, err)
	}
	return nil
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindUnavailable
	case pgconn.Timeout(err):
		return KindTimeout
	case pgconn.SafeToRetry(err):
		return KindUnavailable
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindUnavailable
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return KindUnavailable
	}
	return KindInternal
}
