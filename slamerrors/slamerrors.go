// Package slamerrors defines the sentinel error values shared across the
// mapping core. Lookup misses and geometric degeneracy are benign and
// expected to be swallowed by the caller; the fatal errors are only ever
// returned from configuration loading/validation and backend construction.
package slamerrors

import "github.com/pkg/errors"

// Benign errors: another goroutine already removed or replaced the entity,
// or a geometric computation simply didn't converge this round.
var (
	ErrKeyframeNotFound        = errors.New("keyframe not found")
	ErrMappointNotFound        = errors.New("mappoint not found")
	ErrDegenerateTriangulation = errors.New("triangulation degenerate: non-positive depth")
	ErrNoDepth                 = errors.New("no depth sample at keypoint")
)

// Fatal errors: reported once, at backend construction, never mid-iteration.
var (
	ErrInvalidConfig       = errors.New("invalid backend configuration")
	ErrOptimizerUnavailable = errors.New("optimizer adapter unavailable")
)

// Wrap annotates err with msg using pkg/errors, or returns nil unchanged.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf annotates err with a formatted msg using pkg/errors.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
