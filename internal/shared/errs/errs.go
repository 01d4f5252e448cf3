// Package errs defines the error taxonomy shared by every hookhost service.
//
// Callers branch on the sentinels with errors.Is:
//
//	if errors.Is(err, errs.ErrNotFound) {
//	    // fall back
//	}
//
// Platform, hook-engine and module-load failures are wrapped in a
// NativeError, which matches ErrNativeFailure and the underlying cause.
package errs

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotFound reports an absent record, singleton, extension function or handle
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied reports a memory range lacking the required access
	ErrPermissionDenied = errors.New("permission denied")

	// ErrAlreadyExists reports a duplicate hook or patch on an overlapping range
	ErrAlreadyExists = errors.New("already exists")

	// ErrNativeFailure reports a failed hook-engine, platform or module-load call
	ErrNativeFailure = errors.New("native failure")

	// ErrMultipleMatches reports a non-unique signature where uniqueness was required
	ErrMultipleMatches = errors.New("multiple matches")

	// ErrInvalidArgument reports malformed input such as an unparsable pattern
	ErrInvalidArgument = errors.New("invalid argument")
)

// NativeError wraps an error returned by the platform or an engine
type NativeError struct {
	Op  string
	Err error
}

// Native wraps err as a NativeError. A nil err yields nil.
func Native(op string, err error) error {
	if err == nil {
		return nil
	}
	return &NativeError{Op: op, Err: err}
}

func (e *NativeError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrNativeFailure, e.Op, e.Err)
}

func (e *NativeError) Unwrap() []error {
	return []error{ErrNativeFailure, e.Err}
}

// ============================================================================
// Last error slot
// ============================================================================

// Entry is a retained error for display
type Entry struct {
	Source  string    `json:"source"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// LastError retains the most recent recovered error so it can be shown to
// the user after the loop that produced it has moved on.
type LastError struct {
	mu    sync.RWMutex
	entry Entry
	set   bool
}

// Record stores err under source. A nil err is ignored.
func (l *LastError) Record(source string, err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	l.entry = Entry{Source: source, Message: err.Error(), At: time.Now()}
	l.set = true
	l.mu.Unlock()
}

// Get returns the retained entry, if any
func (l *LastError) Get() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entry, l.set
}

// Clear drops the retained entry
func (l *LastError) Clear() {
	l.mu.Lock()
	l.entry = Entry{}
	l.set = false
	l.mu.Unlock()
}
