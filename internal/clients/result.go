package clients

import (
	"github.com/pkg/errors"
)

// Status tags a Result
type Status string

// Result statuses
const (
	StatusOK          Status = "ok"
	StatusNotFound    Status = "not_found"
	StatusUnavailable Status = "unavailable"
)

// Result separates "the dependency said no" from "the dependency could not be asked".
// Read operations return it instead of an error so that an outage degrades
// the calling feature rather than failing it.
type Result[T any] struct {
	Status Status `json:"status"`
	Value  T      `json:"value,omitempty"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

// Ok wraps a value
func Ok[T any](v T) Result[T] {
	return Result[T]{Status: StatusOK, Value: v}
}

// NotFound is a definite negative answer
func NotFound[T any](reason string) Result[T] {
	return Result[T]{Status: StatusNotFound, Reason: reason}
}

// Unavailable means the answer is unknown
func Unavailable[T any](err error) Result[T] {
	r := Result[T]{Status: StatusUnavailable, Err: err}
	if err != nil {
		r.Reason = err.Error()
	}
	return r
}

// IsOK reports a successful result
func (r Result[T]) IsOK() bool { return r.Status == StatusOK }

// IsNotFound reports a definite negative
func (r Result[T]) IsNotFound() bool { return r.Status == StatusNotFound }

// IsUnavailable reports an unknown outcome
func (r Result[T]) IsUnavailable() bool { return r.Status == StatusUnavailable }

// CircuitOpen reports whether the result was short-circuited by the breaker
func (r Result[T]) CircuitOpen() bool {
	return r.Err != nil && errors.Is(r.Err, ErrCircuitOpen)
}

// resultOf maps a call outcome onto a Result: 404 is NotFound, every other failure is Unavailable
func resultOf[T any](v T, err error) Result[T] {
	if err == nil {
		return Ok(v)
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.NotFound() {
		return NotFound[T](reqErr.Error())
	}
	return Unavailable[T](err)
}
