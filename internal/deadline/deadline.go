// Package deadline races a unit of work against a timer. Whichever side
// loses is cancelled through its context, so an abandoned call observes
// ctx.Done() instead of leaking work.
package deadline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// TimeoutError is returned when the timer fires before fn returns.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %dms", e.Timeout.Milliseconds())
}

// PanicError wraps a value recovered from fn together with the stack at the panic site.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

type outcome[T any] struct {
	val T
	err error
}

// Run calls fn with a child context and waits for it or for d to elapse,
// whichever comes first. A non-positive d disables the timer.
//
// When the timer wins, fn's context is cancelled and Run returns a
// *TimeoutError without waiting for fn. When fn wins, the timer is stopped.
// A panic inside fn is recovered and returned as a *PanicError.
func Run[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		var o outcome[T]
		defer func() {
			if r := recover(); r != nil {
				o.err = &PanicError{Value: r, Stack: string(debug.Stack())}
			}
			done <- o
		}()
		o.val, o.err = fn(callCtx)
	}()

	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}

	var zero T
	select {
	case o := <-done:
		return o.val, o.err
	case <-timer:
		return zero, &TimeoutError{Timeout: d}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
