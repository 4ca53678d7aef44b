// internal/browser/interfaces.go
package browser

import (
	"context"
	"errors"
	"time"

	"github.com/chromedp/chromedp"
)

// ErrPageClosed is returned by Page operations once the underlying tab is gone.
var ErrPageClosed = errors.New("browser: page closed")

// Page is a single browser tab. Operations take a caller context for
// cancellation; CDP routing always comes from the tab itself.
type Page interface {
	// ID is the CDP target ID of the tab.
	ID() string
	// Context is the chromedp context bound to this tab.
	Context() context.Context

	Run(ctx context.Context, actions ...chromedp.Action) error
	Navigate(ctx context.Context, url string) error
	// Reload reloads the tab and waits for DOMContentLoaded, bounded by timeout.
	Reload(ctx context.Context, timeout time.Duration) error
	BringToFront(ctx context.Context) error

	// WaitPresent reports whether selector appears in the DOM within timeout.
	WaitPresent(ctx context.Context, selector string, timeout time.Duration) bool
	// Exists reports whether selector currently matches an element, without waiting.
	Exists(ctx context.Context, selector string) (bool, error)
	// ClickDOM calls element.click() on the first match of selector.
	ClickDOM(ctx context.Context, selector string) error
	Evaluate(ctx context.Context, expression string, res interface{}) error

	Screenshot(ctx context.Context) ([]byte, error)
	Viewport(ctx context.Context) (width, height int64, err error)
	OuterHTML(ctx context.Context) (string, error)
	CookieCount(ctx context.Context) (int, error)

	// Listen registers fn for every CDP event of this tab until it closes.
	Listen(fn func(ev interface{}))
	// Done is closed when the tab is destroyed.
	Done() <-chan struct{}
	IsClosed() bool
}

// Session is one Chrome process dedicated to a single crawler run.
type Session interface {
	ID() string
	CrawlerName() string
	Primary() Page
	// Pages returns the open tabs, primary first.
	Pages() []Page
	// OnPage registers fn for every current tab and every tab opened later.
	OnPage(fn func(Page))
}

// Provider acquires and releases sessions. *Manager is the Chrome backed implementation.
type Provider interface {
	Acquire(ctx context.Context, crawlerName string) (Session, Page, error)
	Release(s Session)
}
