// Package browsertest provides in-memory browser fakes for unit tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/rewardcrawl/internal/browser"
)

// pngHeader is the smallest prefix accepted as a PNG by callers.
var pngHeader = []byte("\x89PNG\r\n\x1a\n")

// FakePage is a scriptable browser.Page.
type FakePage struct {
	mu sync.Mutex

	id        string
	width     int64
	height    int64
	html      string
	cookies   int
	present   map[string]bool
	evalJSON  map[string]string
	clicks    []string
	reloads   int
	navigated []string
	listeners []func(ev interface{})

	// OnClick runs after a successful ClickDOM, outside the lock.
	OnClick func(selector string)
	// ReloadErr, ScreenshotErr and RunErr are returned by their operations when set.
	ReloadErr     error
	ScreenshotErr error
	RunErr        error
	// ScreenshotDelay blocks Screenshot, honoring ctx.
	ScreenshotDelay time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

var _ browser.Page = (*FakePage)(nil)

// NewFakePage returns an open page with a 1280x800 viewport.
func NewFakePage(id string) *FakePage {
	return &FakePage{
		id:       id,
		width:    1280,
		height:   800,
		html:     "<html><body></body></html>",
		present:  make(map[string]bool),
		evalJSON: make(map[string]string),
		done:     make(chan struct{}),
	}
}

func (p *FakePage) ID() string               { return p.id }
func (p *FakePage) Context() context.Context { return context.Background() }
func (p *FakePage) Done() <-chan struct{}    { return p.done }

func (p *FakePage) IsClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Close simulates the tab being destroyed.
func (p *FakePage) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// SetViewport changes the size reported by Viewport.
func (p *FakePage) SetViewport(w, h int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.width, p.height = w, h
}

// SetPresent marks selector as present or absent in the DOM.
func (p *FakePage) SetPresent(selector string, present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.present[selector] = present
}

// SetHTML sets the document returned by OuterHTML.
func (p *FakePage) SetHTML(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.html = html
}

// SetCookieCount sets the value returned by CookieCount.
func (p *FakePage) SetCookieCount(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = n
}

// SetEval makes Evaluate decode resultJSON into res for any expression containing substr.
func (p *FakePage) SetEval(substr, resultJSON string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evalJSON[substr] = resultJSON
}

// Emit delivers ev to every listener registered with Listen.
func (p *FakePage) Emit(ev interface{}) {
	p.mu.Lock()
	listeners := append([]func(ev interface{}){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Clicks returns the selectors clicked so far.
func (p *FakePage) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// Reloads returns how many times Reload succeeded.
func (p *FakePage) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

// Navigations returns the URLs passed to Navigate.
func (p *FakePage) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigated...)
}

func (p *FakePage) Run(ctx context.Context, actions ...chromedp.Action) error {
	if p.IsClosed() {
		return browser.ErrPageClosed
	}
	return p.RunErr
}

func (p *FakePage) Navigate(ctx context.Context, url string) error {
	if p.IsClosed() {
		return browser.ErrPageClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = append(p.navigated, url)
	return nil
}

func (p *FakePage) Reload(ctx context.Context, timeout time.Duration) error {
	if p.IsClosed() {
		return browser.ErrPageClosed
	}
	if p.ReloadErr != nil {
		return p.ReloadErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reloads++
	return nil
}

func (p *FakePage) BringToFront(ctx context.Context) error {
	if p.IsClosed() {
		return browser.ErrPageClosed
	}
	return nil
}

// WaitPresent polls the presence table until timeout.
func (p *FakePage) WaitPresent(ctx context.Context, selector string, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if p.IsClosed() {
			return false
		}
		p.mu.Lock()
		ok := p.present[selector]
		p.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}

func (p *FakePage) Exists(ctx context.Context, selector string) (bool, error) {
	if p.IsClosed() {
		return false, browser.ErrPageClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.present[selector], nil
}

func (p *FakePage) ClickDOM(ctx context.Context, selector string) error {
	if p.IsClosed() {
		return browser.ErrPageClosed
	}
	p.mu.Lock()
	if !p.present[selector] {
		p.mu.Unlock()
		return fmt.Errorf("no element matches %q", selector)
	}
	p.clicks = append(p.clicks, selector)
	hook := p.OnClick
	p.mu.Unlock()

	if hook != nil {
		hook(selector)
	}
	return nil
}

func (p *FakePage) Evaluate(ctx context.Context, expression string, res interface{}) error {
	if p.IsClosed() {
		return browser.ErrPageClosed
	}
	p.mu.Lock()
	var raw string
	var found bool
	for substr, v := range p.evalJSON {
		if strings.Contains(expression, substr) {
			raw, found = v, true
			break
		}
	}
	p.mu.Unlock()

	if !found {
		return errors.New("fake page: no result scripted for expression")
	}
	if res == nil {
		return nil
	}
	return json.Unmarshal([]byte(raw), res)
}

func (p *FakePage) Screenshot(ctx context.Context) ([]byte, error) {
	if p.IsClosed() {
		return nil, browser.ErrPageClosed
	}
	if p.ScreenshotDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.ScreenshotDelay):
		}
	}
	if p.ScreenshotErr != nil {
		return nil, p.ScreenshotErr
	}
	return append([]byte(nil), pngHeader...), nil
}

func (p *FakePage) Viewport(ctx context.Context) (int64, int64, error) {
	if p.IsClosed() {
		return 0, 0, browser.ErrPageClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width, p.height, nil
}

func (p *FakePage) OuterHTML(ctx context.Context) (string, error) {
	if p.IsClosed() {
		return "", browser.ErrPageClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, nil
}

func (p *FakePage) CookieCount(ctx context.Context) (int, error) {
	if p.IsClosed() {
		return 0, browser.ErrPageClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cookies, nil
}

func (p *FakePage) Listen(fn func(ev interface{})) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// FakeSession is an in-memory browser.Session.
type FakeSession struct {
	mu    sync.Mutex
	id    string
	name  string
	pages []*FakePage
	hooks []func(browser.Page)
}

var _ browser.Session = (*FakeSession)(nil)

// NewFakeSession returns a session whose primary tab is primary.
func NewFakeSession(crawlerName string, primary *FakePage) *FakeSession {
	return &FakeSession{id: "fake-" + crawlerName, name: crawlerName, pages: []*FakePage{primary}}
}

func (s *FakeSession) ID() string          { return s.id }
func (s *FakeSession) CrawlerName() string { return s.name }

func (s *FakeSession) Primary() browser.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[0]
}

// Pages returns the open tabs, primary first.
func (s *FakeSession) Pages() []browser.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	pages := make([]browser.Page, 0, len(s.pages))
	for _, p := range s.pages {
		if !p.IsClosed() {
			pages = append(pages, p)
		}
	}
	return pages
}

func (s *FakeSession) OnPage(fn func(browser.Page)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	pages := append([]*FakePage(nil), s.pages...)
	s.mu.Unlock()
	for _, p := range pages {
		fn(p)
	}
}

// OpenTab simulates the site opening a new tab.
func (s *FakeSession) OpenTab(p *FakePage) {
	s.mu.Lock()
	s.pages = append(s.pages, p)
	hooks := append([]func(browser.Page){}, s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(p)
	}
}

// CloseAll closes every tab, as tearing down the browser would.
func (s *FakeSession) CloseAll() {
	s.mu.Lock()
	pages := append([]*FakePage(nil), s.pages...)
	s.mu.Unlock()
	for _, p := range pages {
		p.Close()
	}
}

// FakeProvider hands out a single prepared session. Release closes its tabs.
type FakeProvider struct {
	mu         sync.Mutex
	Session    *FakeSession
	AcquireErr error
	acquired   int
	released   int
}

var _ browser.Provider = (*FakeProvider)(nil)

func (f *FakeProvider) Acquire(ctx context.Context, crawlerName string) (browser.Session, browser.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AcquireErr != nil {
		return nil, nil, f.AcquireErr
	}
	f.acquired++
	return f.Session, f.Session.Primary(), nil
}

func (f *FakeProvider) Release(s browser.Session) {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
	if fs, ok := s.(*FakeSession); ok && fs != nil {
		fs.CloseAll()
	}
}

// Counts returns how many sessions were acquired and released.
func (f *FakeProvider) Counts() (acquired, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, f.released
}
