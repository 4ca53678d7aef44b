// Package crawler drives one reward-site run: session, login, actions, release.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rewardcrawl/internal/browser"
	"github.com/xkilldash9x/rewardcrawl/internal/executor"
)

var (
	// ErrLoginRequired is reported when a session is not authenticated and
	// automatic login is disabled.
	ErrLoginRequired = errors.New("crawler: login required")
	// ErrUnknownSite is returned by Registry lookups for unregistered names.
	ErrUnknownSite = errors.New("crawler: unknown site")
)

// Site is the set of hooks a concrete reward site supplies.
type Site interface {
	Name() string
	// CheckAlreadyLogin reports whether the persistent profile is signed in.
	CheckAlreadyLogin(ctx context.Context, c *Context) bool
	Login(ctx context.Context, c *Context) error
	// Crawl runs the full action sequence, usually through c.RunMethod.
	Crawl(ctx context.Context, c *Context) error
	// GetCurrentPoint returns the balance shown on page or executor.PointUnavailable.
	GetCurrentPoint(ctx context.Context, page browser.Page) int
}

// ChallengeDetector is implemented by sites that can show an interstitial
// challenge (bot check, consent wall) which must clear before continuing.
type ChallengeDetector interface {
	ChallengePresent(ctx context.Context, page browser.Page) bool
}

// AdWatchAware lets actions ask whether a page offers a rewarded ad.
type AdWatchAware interface {
	HasAdWatch(ctx context.Context, page browser.Page) bool
}

// ActionProvider exposes a site's named actions so a single one can be run
// as a Target.
type ActionProvider interface {
	Action(name string) (executor.Action, bool)
}

// Target is a single action run in place of Site.Crawl.
type Target func(ctx context.Context, c *Context) error

// Context is what site hooks receive for the duration of a run.
type Context struct {
	Logger  *zap.Logger
	Session browser.Session
	Page    browser.Page

	site Site
	exec *executor.Executor
}

// ActionTarget wraps a named action of site in a Target that runs it
// through the executor.
func ActionTarget(site Site, name string) (Target, error) {
	provider, ok := site.(ActionProvider)
	if !ok {
		return nil, fmt.Errorf("site %q does not expose named actions", site.Name())
	}
	action, ok := provider.Action(name)
	if !ok {
		return nil, fmt.Errorf("site %q has no action %q", site.Name(), name)
	}
	return func(ctx context.Context, c *Context) error {
		return c.RunMethod(ctx, action, name)
	}, nil
}

// RunMethod runs action on the primary page through the executor.
func (c *Context) RunMethod(ctx context.Context, action executor.Action, name string) error {
	return c.exec.Run(ctx, c.Page, action, name)
}

// RunMethodOn runs action on another tab of the session.
func (c *Context) RunMethodOn(ctx context.Context, page browser.Page, action executor.Action, name string) error {
	return c.exec.Run(ctx, page, action, name)
}

// GetCurrentPoint reads the balance from the primary page.
func (c *Context) GetCurrentPoint(ctx context.Context) int {
	return c.site.GetCurrentPoint(ctx, c.Page)
}

// Sleep pauses for d or until ctx is done.
func (c *Context) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CalcEarnedPoint returns after-before, or 0 when either read was unavailable.
func CalcEarnedPoint(before, after int) int {
	delta, ok := executor.PointDelta(before, after)
	if !ok {
		return 0
	}
	return delta
}
