// internal/browser/page.go
package browser

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// cdpPage is the chromedp backed Page.
type cdpPage struct {
	id         target.ID
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *zap.Logger
	navTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

func newCDPPage(ctx context.Context, cancel context.CancelFunc, id target.ID, navTimeout time.Duration, logger *zap.Logger) *cdpPage {
	p := &cdpPage{
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(zap.String("target_id", string(id))),
		navTimeout: navTimeout,
		done:       make(chan struct{}),
	}
	// A tab context canceled from outside (session teardown) also closes the page.
	go func() {
		select {
		case <-ctx.Done():
			p.markClosed()
		case <-p.done:
		}
	}()
	return p
}

func (p *cdpPage) ID() string               { return string(p.id) }
func (p *cdpPage) Context() context.Context { return p.ctx }
func (p *cdpPage) Done() <-chan struct{}    { return p.done }

func (p *cdpPage) IsClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// markClosed fires Done exactly once.
func (p *cdpPage) markClosed() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// Run executes actions against the tab, canceled by either the tab or ctx.
func (p *cdpPage) Run(ctx context.Context, actions ...chromedp.Action) error {
	if p.IsClosed() {
		return ErrPageClosed
	}
	opCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	return chromedp.Run(opCtx, actions...)
}

func (p *cdpPage) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, p.navTimeout)
	defer cancel()
	if err := p.Run(navCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (p *cdpPage) Reload(ctx context.Context, timeout time.Duration) error {
	if p.IsClosed() {
		return ErrPageClosed
	}
	opCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	opCtx, cancelTimeout := context.WithTimeout(opCtx, timeout)
	defer cancelTimeout()

	loaded := make(chan struct{}, 1)
	chromedp.ListenTarget(opCtx, func(ev interface{}) {
		if _, ok := ev.(*cdppage.EventDomContentEventFired); ok {
			select {
			case loaded <- struct{}{}:
			default:
			}
		}
	})

	if err := chromedp.Run(opCtx, cdppage.Reload()); err != nil {
		return fmt.Errorf("failed to reload page: %w", err)
	}
	select {
	case <-loaded:
		p.logger.Debug("Page reloaded.")
		return nil
	case <-opCtx.Done():
		return fmt.Errorf("reload did not reach DOMContentLoaded: %w", opCtx.Err())
	}
}

func (p *cdpPage) BringToFront(ctx context.Context) error {
	return p.Run(ctx, cdppage.BringToFront())
}

func (p *cdpPage) WaitPresent(ctx context.Context, selector string, timeout time.Duration) bool {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Run(waitCtx, chromedp.WaitReady(selector, chromedp.ByQuery)) == nil
}

func (p *cdpPage) Exists(ctx context.Context, selector string) (bool, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return false, fmt.Errorf("failed to encode selector: %w", err)
	}
	var found bool
	if err := p.Evaluate(ctx, fmt.Sprintf(`document.querySelector(%s) !== null`, quoted), &found); err != nil {
		return false, err
	}
	return found, nil
}

func (p *cdpPage) ClickDOM(ctx context.Context, selector string) error {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return fmt.Errorf("failed to encode selector: %w", err)
	}
	expr := fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) { return false; } el.click(); return true; })()`, quoted)

	var clicked bool
	if err := p.Evaluate(ctx, expr, &clicked); err != nil {
		return fmt.Errorf("failed to click %q: %w", selector, err)
	}
	if !clicked {
		return fmt.Errorf("no element matches %q", selector)
	}
	return nil
}

func (p *cdpPage) Evaluate(ctx context.Context, expression string, res interface{}) error {
	return p.Run(ctx, chromedp.Evaluate(expression, res))
}

// Screenshot captures the full page as PNG.
func (p *cdpPage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.Run(ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(buf, []byte("\x89PNG")) {
		return nil, fmt.Errorf("screenshot is not a PNG image")
	}
	return buf, nil
}

func (p *cdpPage) Viewport(ctx context.Context) (int64, int64, error) {
	var size []int64
	if err := p.Evaluate(ctx, `[window.innerWidth, window.innerHeight]`, &size); err != nil {
		return 0, 0, err
	}
	if len(size) != 2 {
		return 0, 0, fmt.Errorf("unexpected viewport result %v", size)
	}
	return size[0], size[1], nil
}

func (p *cdpPage) OuterHTML(ctx context.Context) (string, error) {
	var html string
	if err := p.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (p *cdpPage) CookieCount(ctx context.Context) (int, error) {
	var count int
	err := p.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		count = len(cookies)
		return nil
	}))
	return count, err
}

func (p *cdpPage) Listen(fn func(ev interface{})) {
	if p.IsClosed() {
		return
	}
	chromedp.ListenTarget(p.ctx, fn)
}
