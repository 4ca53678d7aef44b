package browser

import (
	"context"
	"time"
)

// CombineContext derives a context from primary (which carries the chromedp
// tab values) that is also canceled when secondary is done. A deadline on
// secondary is copied onto the result so CDP calls observe it directly.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	if deadline, ok := secondary.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		combined, cancelDeadline = context.WithDeadline(combined, deadline)
		parentCancel := cancel
		cancel = func() {
			cancelDeadline()
			parentCancel()
		}
	}

	stop := context.AfterFunc(secondary, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}

// valueOnlyContext keeps the values of its parent but none of its
// cancellation or deadline.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach returns a context that inherits values from ctx but is never
// canceled by it. Browser processes are parented on a detached context so
// that only Release decides when they go away.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
