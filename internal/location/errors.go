package location

import (
	"fmt"

	"github.com/nerrad567/instrumentd/internal/errs"
)

var (
	// ErrInvalidLocation is returned for location text that cannot be parsed.
	ErrInvalidLocation = fmt.Errorf("%w: invalid location", errs.ErrAddressing)

	// ErrInvalidSegment is returned for a class or instance name with forbidden characters.
	ErrInvalidSegment = fmt.Errorf("%w: invalid class or instance name", errs.ErrAddressing)
)
