package object

import (
	"errors"
	"fmt"

	"github.com/nerrad567/instrumentd/internal/errs"
)

var (
	// ErrUnknownOption is returned for config keys the class does not declare.
	ErrUnknownOption = fmt.Errorf("%w: unknown config option", errs.ErrNotFound)

	// ErrInvalidOption is returned when a config value cannot take the option's type.
	ErrInvalidOption = errors.New("object: invalid config value")

	// ErrMethodNotFound is returned for names that are not remotely callable.
	ErrMethodNotFound = fmt.Errorf("%w: method", errs.ErrNotFound)

	// ErrBadArguments is returned when arguments do not fit the method signature.
	ErrBadArguments = errors.New("object: bad arguments")

	// ErrNotOwner is returned by Monitor.Wait when the caller does not hold the monitor.
	ErrNotOwner = errors.New("object: monitor not held")

	// ErrUnknownEvent is returned for events the class does not declare.
	ErrUnknownEvent = fmt.Errorf("%w: event", errs.ErrNotFound)
)
