// Package errs defines the error taxonomy shared by every layer of the
// object runtime.
//
// Each class of failure has a sentinel. Concrete errors wrap the sentinel
// with context, so callers test the class with errors.Is:
//
//	if errors.Is(err, errs.ErrNotFound) { ... }
package errs

import (
	"errors"
	"fmt"
)

// Taxonomy sentinels.
var (
	// ErrAddressing covers invalid, duplicate or malformed locations.
	ErrAddressing = errors.New("addressing error")

	// ErrNotFound covers unknown resources, methods, indices and managers.
	ErrNotFound = errors.New("not found")

	// ErrLifecycle covers construction, configuration and hook failures.
	ErrLifecycle = errors.New("lifecycle error")

	// ErrTransport covers dead connections and undecodable payloads.
	ErrTransport = errors.New("transport error")

	// ErrRemoteInvocation is returned when the remote method itself failed.
	ErrRemoteInvocation = errors.New("remote invocation error")

	// ErrNotValidManagedObject is the lifecycle failure for types that do not
	// implement the managed object contract.
	ErrNotValidManagedObject = fmt.Errorf("%w: not a valid managed object", ErrLifecycle)
)

// Addressingf returns an ErrAddressing with a formatted message.
func Addressingf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAddressing, fmt.Sprintf(format, args...))
}

// NotFoundf returns an ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Lifecyclef returns an ErrLifecycle with a formatted message.
// A trailing error argument is wrapped as well.
func Lifecyclef(format string, args ...any) error {
	return wrapf(ErrLifecycle, format, args...)
}

// Transportf returns an ErrTransport with a formatted message.
// A trailing error argument is wrapped as well.
func Transportf(format string, args ...any) error {
	return wrapf(ErrTransport, format, args...)
}

func wrapf(sentinel error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if n := len(args); n > 0 {
		if cause, ok := args[n-1].(error); ok {
			return &wrapped{sentinel: sentinel, msg: msg, cause: cause}
		}
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

type wrapped struct {
	sentinel error
	msg      string
	cause    error
}

func (w *wrapped) Error() string   { return w.sentinel.Error() + ": " + w.msg }
func (w *wrapped) Unwrap() []error { return []error{w.sentinel, w.cause} }

// Fault codes carried by error responses.
const (
	CodeError    = "error"
	CodeNotFound = "not_found"
)

// RemoteError is the client-side form of an error response. Only the code
// and the description survive the wire; the original error type does not.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

// Is makes RemoteError match ErrRemoteInvocation, and ErrNotFound for
// not_found faults.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrRemoteInvocation:
		return e.Code != CodeNotFound
	case ErrNotFound:
		return e.Code == CodeNotFound
	}
	return false
}
