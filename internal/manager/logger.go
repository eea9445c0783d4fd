package manager

import (
	"context"

	"go.uber.org/multierr"

	"github.com/nerrad567/instrumentd/internal/location"
)

// Logger defines the logging interface used by the Manager. It is also
// handed to every managed object.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Lifecycle actions reported to a Journal.
const (
	ActionAdd      = "add"
	ActionStart    = "start"
	ActionStop     = "stop"
	ActionRemove   = "remove"
	ActionShutdown = "shutdown"
)

// Journal receives lifecycle transitions. err is the failure of the
// transition, nil when it succeeded.
type Journal interface {
	Record(ctx context.Context, loc location.Location, action string, err error) error
}

// Journals returns a Journal that records to every non-nil j in order.
func Journals(js ...Journal) Journal {
	var out multiJournal
	for _, j := range js {
		if j != nil {
			out = append(out, j)
		}
	}
	return out
}

type multiJournal []Journal

func (m multiJournal) Record(ctx context.Context, loc location.Location, action string, err error) error {
	var result error
	for _, j := range m {
		result = multierr.Append(result, j.Record(ctx, loc, action, err))
	}
	return result
}
