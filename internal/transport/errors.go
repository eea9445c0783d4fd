package transport

import (
	"fmt"

	"github.com/nerrad567/instrumentd/internal/errs"
)

// Domain-specific errors for transport operations. All of them wrap
// errs.ErrTransport.
var (
	// ErrUnsupportedScheme is returned by New for unknown URL schemes.
	ErrUnsupportedScheme = fmt.Errorf("%w: unsupported scheme", errs.ErrTransport)

	// ErrUnsupportedPlatform is returned by New when the backend does not
	// run on this operating system.
	ErrUnsupportedPlatform = fmt.Errorf("%w: backend not supported on this platform", errs.ErrTransport)

	// ErrInvalidURL is returned by New when host or port is missing or malformed.
	ErrInvalidURL = fmt.Errorf("%w: invalid endpoint URL", errs.ErrTransport)

	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = fmt.Errorf("%w: transport closed", errs.ErrTransport)

	// ErrNotConnected is returned before Bind or Connect succeeded, and after
	// the peer went away.
	ErrNotConnected = fmt.Errorf("%w: transport not connected", errs.ErrTransport)

	// ErrDecode is returned when a received payload cannot be decoded.
	ErrDecode = fmt.Errorf("%w: undecodable payload", errs.ErrTransport)
)
