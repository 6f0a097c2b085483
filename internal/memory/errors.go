package memory

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks across the taxonomy.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrStore        = errors.New("store failure")
	ErrCompletion   = errors.New("completion failure")
	ErrNoCompleter  = errors.New("no completion service configured")
)

// ValidationError rejects a request before any extraction or storage happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// CompletionError wraps a failure of the completion service. Memories from
// the same turn are still recorded when one is returned.
type CompletionError struct {
	Provider string
	Err      error
}

func (e *CompletionError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("completion failed: %v", e.Err)
	}
	return fmt.Sprintf("completion via %s failed: %v", e.Provider, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

func (e *CompletionError) Is(target error) bool { return target == ErrCompletion }
