package location

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	maxSegmentLength = 128

	// forbiddenChars cannot appear in a class or instance name because the
	// canonical form is reused as a pub/sub topic.
	forbiddenChars = "/?#+&="
)

// ValidateSegment checks a class or instance name.
func ValidateSegment(kind, s string) error {
	if s == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidSegment, kind)
	}
	if len(s) > maxSegmentLength {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidSegment, kind, maxSegmentLength)
	}
	if strings.ContainsAny(s, forbiddenChars) {
		return fmt.Errorf("%w: %s %q contains one of %q", ErrInvalidSegment, kind, s, forbiddenChars)
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %s %q contains whitespace", ErrInvalidSegment, kind, s)
		}
	}
	return nil
}

// StartsWithDigit reports whether name would be mistaken for an index.
func StartsWithDigit(name string) bool {
	return name != "" && name[0] >= '0' && name[0] <= '9'
}
