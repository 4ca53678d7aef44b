// internal/browser/session.go
package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rewardcrawl/internal/browser/stealth"
)

// chromeSession owns one Chrome process and tracks every tab it opens.
type chromeSession struct {
	id          string
	crawlerName string
	logger      *zap.Logger
	persona     stealth.Persona
	navTimeout  time.Duration

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	// ready is closed once the primary tab is registered, so that the
	// targetCreated event for the primary itself is never adopted twice.
	ready chan struct{}

	mu      sync.RWMutex
	primary *cdpPage
	pages   map[target.ID]*cdpPage
	order   []target.ID
	hooks   []func(Page)
}

func (s *chromeSession) ID() string          { return s.id }
func (s *chromeSession) CrawlerName() string { return s.crawlerName }

func (s *chromeSession) Primary() Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primary
}

func (s *chromeSession) Pages() []Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pages := make([]Page, 0, len(s.order))
	for _, id := range s.order {
		if p, ok := s.pages[id]; ok {
			pages = append(pages, p)
		}
	}
	return pages
}

func (s *chromeSession) OnPage(fn func(Page)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()

	for _, p := range s.Pages() {
		fn(p)
	}
}

// register adds a tab and runs the hooks registered so far.
func (s *chromeSession) register(p *cdpPage, primary bool) {
	s.mu.Lock()
	s.pages[p.id] = p
	if primary {
		s.primary = p
		s.order = append([]target.ID{p.id}, s.order...)
	} else {
		s.order = append(s.order, p.id)
	}
	hooks := append([]func(Page){}, s.hooks...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(p)
	}
}

func (s *chromeSession) known(id target.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pages[id]
	return ok
}

// watchTargets follows tab creation and destruction at the browser level.
func (s *chromeSession) watchTargets() {
	chromedp.ListenBrowser(s.browserCtx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *target.EventTargetCreated:
			if ev.TargetInfo == nil || ev.TargetInfo.Type != "page" {
				return
			}
			go s.adopt(ev.TargetInfo.TargetID)
		case *target.EventTargetDestroyed:
			s.drop(ev.TargetID)
		}
	})
}

// adopt attaches to a tab opened by the site (popups, target=_blank).
func (s *chromeSession) adopt(id target.ID) {
	select {
	case <-s.ready:
	case <-s.browserCtx.Done():
		return
	}
	if s.known(id) {
		return
	}

	tabCtx, cancel := chromedp.NewContext(s.browserCtx, chromedp.WithTargetID(id))
	page := newCDPPage(tabCtx, cancel, id, s.navTimeout, s.logger)

	setupCtx, cancelSetup := context.WithTimeout(context.Background(), s.navTimeout)
	defer cancelSetup()
	if err := page.Run(setupCtx, stealth.Apply(s.persona, s.logger)); err != nil {
		s.logger.Warn("Failed to prepare new tab.", zap.String("target_id", string(id)), zap.Error(err))
		cancel()
		return
	}

	// The tab may have been destroyed while it was being prepared.
	if page.IsClosed() {
		return
	}
	s.logger.Debug("Adopted new tab.", zap.String("target_id", string(id)))
	s.register(page, false)
}

// drop removes a destroyed tab and fires its Done channel.
func (s *chromeSession) drop(id target.ID) {
	s.mu.Lock()
	p, ok := s.pages[id]
	if ok {
		delete(s.pages, id)
		for i, oid := range s.order {
			if oid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if ok {
		s.logger.Debug("Tab closed.", zap.String("target_id", string(id)))
		p.markClosed()
		if p != s.primary && p.cancel != nil {
			// Releases the chromedp target handle; the tab itself is already gone.
			p.cancel()
		}
	}
}

// closeAll fires Done for every tracked tab after the browser is gone.
func (s *chromeSession) closeAll() {
	s.mu.Lock()
	pages := make([]*cdpPage, 0, len(s.pages))
	for _, p := range s.pages {
		pages = append(pages, p)
	}
	s.pages = make(map[target.ID]*cdpPage)
	s.order = nil
	s.mu.Unlock()

	for _, p := range pages {
		p.markClosed()
	}
}
