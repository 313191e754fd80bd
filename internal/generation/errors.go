package generation

import (
	"errors"
	"fmt"
)

// Error kinds shared by the store, backend, queue and pipeline
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("result not found")
	ErrAlreadyTerminal    = errors.New("result already in a terminal state")
	ErrStorage            = errors.New("storage error")
	ErrBackendUnavailable = errors.New("generation backend unavailable")
	ErrBackend            = errors.New("generation backend error")
	ErrModelNotFound      = errors.New("model not found")
)

// StorageError wraps err as a storage failure for op
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// BackendError carries the HTTP status (if any) of a failed backend call.
// Kind is either ErrBackendUnavailable or ErrBackend.
type BackendError struct {
	Kind       error
	StatusCode int
	Message    string
	Err        error
}

func (e *BackendError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Is matches the error kind so errors.Is(err, ErrBackendUnavailable) works
func (e *BackendError) Is(target error) bool {
	return target == e.Kind
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
