package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/rewardcrawl/internal/browser"
)

// Kind classifies an action error for recovery.
type Kind int

const (
	// KindFatal errors propagate to the caller unchanged.
	KindFatal Kind = iota
	// KindProtocol is a CDP level error reported by the browser.
	KindProtocol
	// KindTimeout is an expired wait or deadline.
	KindTimeout
	// KindTargetClosed means the tab or its connection went away.
	KindTargetClosed
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindTargetClosed:
		return "target_closed"
	default:
		return "fatal"
	}
}

// Transient reports whether an error of this kind is recovered by reloading.
func (k Kind) Transient() bool {
	return k != KindFatal
}

// Classify maps err onto a Kind. Typed errors are checked first; the
// message fallback covers errors that crossed a string boundary.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) || errors.Is(err, context.Canceled) {
		return KindFatal
	}

	switch {
	case errors.Is(err, browser.ErrPageClosed),
		errors.Is(err, chromedp.ErrChannelClosed),
		errors.Is(err, chromedp.ErrInvalidTarget),
		errors.Is(err, chromedp.ErrInvalidContext):
		return KindTargetClosed
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, chromedp.ErrPollingTimeout):
		return KindTimeout
	}

	var cdpErr *cdproto.Error
	if errors.As(err, &cdpErr) {
		if isTargetClosedMessage(cdpErr.Message) {
			return KindTargetClosed
		}
		return KindProtocol
	}

	msg := strings.ToLower(err.Error())
	switch {
	case isTargetClosedMessage(msg):
		return KindTargetClosed
	case strings.Contains(msg, "protocol error"):
		return KindProtocol
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout exceeded"):
		return KindTimeout
	}
	return KindFatal
}

func isTargetClosedMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "target closed") ||
		strings.Contains(msg, "session closed") ||
		strings.Contains(msg, "no target with given id") ||
		strings.Contains(msg, "page has been closed")
}

// PanicError wraps a panic raised inside an action. It is never transient.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("action panicked: %v", p.Value)
}

// StackTrace returns the stack captured at the panic site.
func (p *PanicError) StackTrace() string {
	return string(p.Stack)
}
