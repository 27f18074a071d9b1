package devsync

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks a missing or malformed caller-supplied field.
	ErrInvalidRequest = errors.New("devsync: invalid request")

	// ErrCacheUnavailable marks a cache or generation-store failure, including
	// timeouts. It is never turned into a "not modified" answer.
	ErrCacheUnavailable = errors.New("devsync: cache unavailable")

	// ErrStaleWrite marks a write validated against a fingerprint that is no
	// longer current.
	ErrStaleWrite = errors.New("devsync: stale write")
)

// BackendError wraps a failed round trip to the provider or the GenStore.
// errors.Is(err, ErrCacheUnavailable) reports true for it.
type BackendError struct {
	Op  string
	Key string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("devsync: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool { return target == ErrCacheUnavailable }

// Unavailable wraps err as a *BackendError unless it already is one.
// Returns nil for a nil err.
func Unavailable(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Op: op, Key: key, Err: err}
}

// InvalidateError reports a partial or total Invalidate failure.
type InvalidateError struct {
	Key     string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("invalidate %q failed: gen bump and delete failed: bump=%v; delete=%v",
			e.Key, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("invalidate %q: gen bump failed: %v", e.Key, e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("invalidate %q: delete failed: %v", e.Key, e.DelErr)
	default:
		return fmt.Sprintf("invalidate %q: unknown error", e.Key)
	}
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}

func (e *InvalidateError) Is(target error) bool { return target == ErrCacheUnavailable }

// Effective reports whether at least one of the two steps landed. A bumped
// generation alone makes the old entry unreadable; a delete alone forces the
// next read through to the authoritative store.
func (e *InvalidateError) Effective() bool {
	return e.BumpErr == nil || e.DelErr == nil
}

// StaleWriteError is returned by UpdateIfMatch when the presented fingerprint
// does not match the current state. Current is empty when the conflict was a
// concurrent guarded write rather than a mismatch seen on read.
type StaleWriteError struct {
	Key       string
	Presented string
	Current   string
}

func (e *StaleWriteError) Error() string {
	if e.Current == "" {
		return fmt.Sprintf("devsync: stale write to %q: presented %q, state changed concurrently", e.Key, e.Presented)
	}
	return fmt.Sprintf("devsync: stale write to %q: presented %q, current %q", e.Key, e.Presented, e.Current)
}

func (e *StaleWriteError) Is(target error) bool { return target == ErrStaleWrite }

// LoadError wraps a failure of the authoritative loader. Nothing is cached.
type LoadError struct {
	Key string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("devsync: load %q: %v", e.Key, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
