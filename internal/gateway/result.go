package gateway

// Result is the outcome of a gateway call: either a value or a human-readable
// failure message. The zero Result is a failure with an empty message; build
// results with Ok and Err.
type Result[T any] struct {
	value T
	err   string
	ok    bool
}

func Ok[T any](v T) Result[T] {
	return Result[T]{value: v, ok: true}
}

func Err[T any](message string) Result[T] {
	return Result[T]{err: message}
}

func (r Result[T]) IsOk() bool {
	return r.ok
}

// Value returns the success value and whether the result is Ok.
func (r Result[T]) Value() (T, bool) {
	return r.value, r.ok
}

// Message returns the failure message, or "" for an Ok result.
func (r Result[T]) Message() string {
	if r.ok {
		return ""
	}
	return r.err
}

// Match runs exactly one of the two handlers.
func (r Result[T]) Match(onOk func(T), onErr func(string)) {
	if r.ok {
		onOk(r.value)
		return
	}
	onErr(r.err)
}

// Fold maps either variant of r to a single value.
func Fold[T, R any](r Result[T], onOk func(T) R, onErr func(string) R) R {
	if r.ok {
		return onOk(r.value)
	}
	return onErr(r.err)
}
