// Package domain holds the error taxonomy shared by every screening
// subdomain. Callers match with errors.Is / errors.As.
package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/visionpath/screening/internal/platform/store"
)

var (
	// ErrInvalidState means the operation is not legal in the current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrIllegalTransition is returned by the manufacturing sub-machine for
	// out-of-order order transitions.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrDuplicateActiveSession means the patient already has a non-terminal session.
	ErrDuplicateActiveSession = errors.New("duplicate active session")
	// ErrSideEffectFailed marks a notification or insight dispatch failure.
	ErrSideEffectFailed = errors.New("side effect failed")

	ErrNotFound              = store.ErrNotFound
	ErrStaleWrite            = store.ErrStaleWrite
	ErrDependencyUnavailable = store.ErrUnavailable
	ErrCorrupt               = store.ErrCorrupt
)

// ValidationError lists every malformed or missing field of a command.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Validator collects field errors before a command touches persistence.
type Validator struct {
	fields map[string]string
}

// Add records a failure for field. The first failure per field wins.
func (v *Validator) Add(field, msg string) {
	if v.fields == nil {
		v.fields = make(map[string]string)
	}
	if _, ok := v.fields[field]; !ok {
		v.fields[field] = msg
	}
}

// Check records msg for field when ok is false.
func (v *Validator) Check(ok bool, field, msg string) {
	if !ok {
		v.Add(field, msg)
	}
}

// Merge copies the fields of err into v under prefix when err is a
// *ValidationError, and reports whether it was one.
func (v *Validator) Merge(prefix string, err error) bool {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return false
	}
	for k, msg := range ve.Fields {
		if prefix != "" {
			k = prefix + "." + k
		}
		v.Add(k, msg)
	}
	return true
}

// Err returns a *ValidationError when any field failed, else nil.
func (v *Validator) Err() error {
	if len(v.fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: v.fields}
}

// InvalidStatef wraps ErrInvalidState with context.
func InvalidStatef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
