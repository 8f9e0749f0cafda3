package heartflow

import (
	"errors"
	"fmt"
)

// ErrNotLoaded is returned by SaveIfDirty while the last load failed. The
// stored ledger may hold records the engine never read, so only an explicit
// Save may replace it.
var ErrNotLoaded = errors.New("stored ledger was not loaded, automatic save withheld")

// ConfigError reports a missing or unusable judge configuration. Never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "heartflow config: " + e.Reason
}

// ParseError reports judge output that could not be read as a judgment.
type ParseError struct {
	Attempts int
	Content  string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse judgment after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// CollaboratorError wraps a failure of an external dependency (judge model, persona source).
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// PersistenceError wraps ledger load/save failures.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("affinity %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
