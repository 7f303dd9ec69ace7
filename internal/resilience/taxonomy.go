package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/sells-group/equipment-resolver/internal/model"
)

// ErrorKind classifies a failure for attempt records and metrics.
type ErrorKind string

const (
	KindTransport   ErrorKind = "transport"
	KindFormat      ErrorKind = "format"
	KindValidation  ErrorKind = "validation"
	KindUnavailable ErrorKind = "unavailable"
	KindExhausted   ErrorKind = "exhausted"
	KindPersistence ErrorKind = "persistence"
	KindCanceled    ErrorKind = "canceled"
	KindUnknown     ErrorKind = "unknown"
)

// ProviderTransportError is a network failure or timeout talking to a provider.
type ProviderTransportError struct {
	Provider string
	Err      error
}

func (e *ProviderTransportError) Error() string {
	return fmt.Sprintf("provider %s: transport: %v", e.Provider, e.Err)
}

func (e *ProviderTransportError) Unwrap() error { return e.Err }

// ProviderFormatError is a provider response that could not be parsed.
type ProviderFormatError struct {
	Provider string
	Err      error
}

func (e *ProviderFormatError) Error() string {
	return fmt.Sprintf("provider %s: format: %v", e.Provider, e.Err)
}

func (e *ProviderFormatError) Unwrap() error { return e.Err }

// ValidationFailure is raised when a result cleared its confidence threshold
// but the claimed artifact failed the independent check.
type ValidationFailure struct {
	Provider   string
	URL        string
	Status     string
	Confidence float64
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("provider %s over-claimed confidence %.2f: %s is %s", e.Provider, e.Confidence, e.URL, e.Status)
}

// ChainExhausted means every configured tier was attempted without acceptance.
// It triggers escalation and is not a system fault.
type ChainExhausted struct {
	Kind     model.Kind
	Attempts []model.Attempt
}

func (e *ChainExhausted) Error() string {
	return fmt.Sprintf("%s chain exhausted after %d attempts", e.Kind, len(e.Attempts))
}

// PersistenceError wraps a store failure. It surfaces to the caller as a
// retryable transient failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Transport wraps err as a ProviderTransportError unless it already is one.
func Transport(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pt *ProviderTransportError
	if errors.As(err, &pt) {
		return err
	}
	return &ProviderTransportError{Provider: provider, Err: err}
}

// Format wraps err as a ProviderFormatError.
func Format(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderFormatError{Provider: provider, Err: err}
}

// Persistence wraps err as a PersistenceError naming the failed operation.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// KindOf classifies err into the taxonomy. Unwrapped errors that look like
// network trouble count as transport failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var (
		pt *ProviderTransportError
		pf *ProviderFormatError
		vf *ValidationFailure
		ce *ChainExhausted
		pe *PersistenceError
	)
	switch {
	case errors.As(err, &pe):
		return KindPersistence
	case errors.As(err, &ce):
		return KindExhausted
	case errors.As(err, &vf):
		return KindValidation
	case errors.As(err, &pf):
		return KindFormat
	case errors.Is(err, ErrCircuitOpen):
		return KindUnavailable
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.As(err, &pt), errors.Is(err, context.DeadlineExceeded), IsTransient(err):
		return KindTransport
	default:
		return KindUnknown
	}
}
