package lean

// errors.go — typed errors surfaced by the session, document, and query layers.
// Tool handlers match on these with errors.Is/errors.As and render retry hints.

import (
	"errors"
	"fmt"
)

var (
	// ErrProcess means the language server failed to start or crashed past the
	// restart budget. Fatal until an explicit rebuild.
	ErrProcess = errors.New("language server unavailable")

	// ErrTimeout means a single request exceeded its deadline. Retryable.
	ErrTimeout = errors.New("request timed out")

	// ErrSessionRestarted resolves requests that were in flight when the
	// session was rebuilt. Transient; retry.
	ErrSessionRestarted = errors.New("session restarted")

	// ErrSessionBusy rejects operations while a rebuild is in progress.
	ErrSessionBusy = errors.New("session busy: rebuild in progress")

	// ErrStaleResult means diagnostics newer than the caller's sync never
	// arrived in time. Retry after a short delay.
	ErrStaleResult = errors.New("stale diagnostics: newer than requested sync not yet available")

	// ErrInvalidPosition means a line/column is outside the document.
	ErrInvalidPosition = errors.New("position out of range")

	// ErrNotFound means the server had no information for the position.
	ErrNotFound = errors.New("nothing found at position")
)

// BuildError carries the captured compiler output of a failed build. Queries
// keep reporting it until a rebuild succeeds.
type BuildError struct {
	Output string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("project build failed:\n%s", e.Output)
}

// ArgumentError is a boundary validation failure; nothing was dispatched and
// no shared state was touched.
type ArgumentError struct {
	Field  string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
func isTimeout(err error) bool  { return errors.Is(err, ErrTimeout) }
