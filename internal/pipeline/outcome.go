// Package pipeline runs the optional post-synthesis stages. Each stage
// reports an Outcome that is exactly one of skipped, succeeded or failed.
package pipeline

// Status tags an Outcome.
type Status int

const (
	StatusSkipped Status = iota
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Outcome is the result of one optional stage.
type Outcome[T any] struct {
	status Status
	value  T
	err    error
}

// Skipped reports a stage that was not requested or had no input.
func Skipped[T any]() Outcome[T] {
	return Outcome[T]{status: StatusSkipped}
}

// Succeeded reports a stage that produced value.
func Succeeded[T any](value T) Outcome[T] {
	return Outcome[T]{status: StatusSucceeded, value: value}
}

// Failed reports a stage that ran and failed with err.
func Failed[T any](err error) Outcome[T] {
	return Outcome[T]{status: StatusFailed, err: err}
}

// Status returns the outcome tag.
func (o Outcome[T]) Status() Status { return o.status }

// Value returns the produced value and whether the stage succeeded.
func (o Outcome[T]) Value() (T, bool) {
	return o.value, o.status == StatusSucceeded
}

// Err returns the failure, or nil unless the stage failed.
func (o Outcome[T]) Err() error { return o.err }
