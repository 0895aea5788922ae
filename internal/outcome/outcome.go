// Package outcome carries a value together with how it was obtained, so
// best-effort lookups can return something usable and still report that
// an upstream source failed.
package outcome

import "errors"

// Status classifies a result.
type Status int

const (
	// OK means every source answered.
	OK Status = iota
	// Degraded means a usable value was produced but at least one source
	// failed and was replaced with defaults.
	Degraded
	// Fatal means no usable value exists; Value is the zero value.
	Fatal
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Degraded:
		return "degraded"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is a value plus its status, the name of the source that produced it
// and the errors that degraded it.
type Result[T any] struct {
	Value  T
	Status Status
	Source string
	Errs   []error
}

// Ok wraps a value produced without failures.
func Ok[T any](v T, source string) Result[T] {
	return Result[T]{Value: v, Status: OK, Source: source}
}

// Degrade wraps a fallback value produced after errs.
func Degrade[T any](v T, source string, errs ...error) Result[T] {
	return Result[T]{Value: v, Status: Degraded, Source: source, Errs: compact(errs)}
}

// Fail reports that no value could be produced.
func Fail[T any](err error) Result[T] {
	var zero T
	return Result[T]{Value: zero, Status: Fatal, Errs: compact([]error{err})}
}

// Err joins all recorded errors, or returns nil.
func (r Result[T]) Err() error {
	return errors.Join(r.Errs...)
}

// Usable reports whether Value may be consumed.
func (r Result[T]) Usable() bool {
	return r.Status != Fatal
}

// Merge folds the status and errors of other into r. A Fatal or Degraded
// dependency degrades r; r itself never becomes Fatal through Merge.
func Merge[T, U any](r Result[T], other Result[U]) Result[T] {
	if other.Status != OK && r.Status == OK {
		r.Status = Degraded
	}
	r.Errs = append(r.Errs, other.Errs...)
	return r
}

func compact(errs []error) []error {
	var out []error
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}
