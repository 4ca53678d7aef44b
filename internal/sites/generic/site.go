// Package generic implements a reward site entirely from configuration.
package generic

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rewardcrawl/internal/browser"
	"github.com/xkilldash9x/rewardcrawl/internal/config"
	"github.com/xkilldash9x/rewardcrawl/internal/crawler"
	"github.com/xkilldash9x/rewardcrawl/internal/executor"
)

const (
	defaultLoginTimeout = 5 * time.Minute
	loginCheckWait      = 5 * time.Second
	stepWait            = 15 * time.Second
	loginPollInterval   = 2 * time.Second
)

var pointPattern = regexp.MustCompile(`-?\d[\d,]*`)

// Site is a crawler.Site driven by a config.SiteConfig.
type Site struct {
	cfg        config.SiteConfig
	adTrigger  string
	logger     *zap.Logger
	loginPoll  time.Duration
	checkWait  time.Duration
	actionWait time.Duration
}

var (
	_ crawler.Site              = (*Site)(nil)
	_ crawler.ChallengeDetector = (*Site)(nil)
	_ crawler.AdWatchAware      = (*Site)(nil)
	_ crawler.ActionProvider    = (*Site)(nil)
)

// New builds a Site. adTrigger is the rewarded-ad trigger selector used by HasAdWatch.
func New(cfg config.SiteConfig, adTrigger string, logger *zap.Logger) *Site {
	return &Site{
		cfg:        cfg,
		adTrigger:  adTrigger,
		logger:     logger.Named("site").With(zap.String("site", cfg.Name)),
		loginPoll:  loginPollInterval,
		checkWait:  loginCheckWait,
		actionWait: stepWait,
	}
}

// RegisterAll registers one Site per configured site definition.
func RegisterAll(reg *crawler.Registry, cfg *config.Config, logger *zap.Logger) error {
	for _, sc := range cfg.Sites {
		if err := reg.Register(New(sc, cfg.AdWatch.TriggerSelector, logger)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Site) Name() string { return s.cfg.Name }

// CheckAlreadyLogin opens the start page and looks for the signed-in marker.
// Without a marker every session counts as signed in.
func (s *Site) CheckAlreadyLogin(ctx context.Context, c *crawler.Context) bool {
	if err := c.Page.Navigate(ctx, s.cfg.StartURL); err != nil {
		s.logger.Warn("Could not open start page.", zap.Error(err))
		return false
	}
	if s.cfg.LoggedInSelector == "" {
		return true
	}
	return c.Page.WaitPresent(ctx, s.cfg.LoggedInSelector, s.checkWait)
}

// Login opens the login page and waits for the user to sign in by hand in
// the headful window. The profile keeps the session for later runs.
func (s *Site) Login(ctx context.Context, c *crawler.Context) error {
	if s.cfg.LoggedInSelector == "" {
		return nil
	}
	loginURL := s.cfg.LoginURL
	if loginURL == "" {
		loginURL = s.cfg.StartURL
	}
	if err := c.Page.Navigate(ctx, loginURL); err != nil {
		return err
	}

	timeout := s.cfg.LoginTimeout
	if timeout <= 0 {
		timeout = defaultLoginTimeout
	}
	s.logger.Info("Waiting for manual sign-in in the browser window.", zap.String("url", loginURL), zap.Duration("timeout", timeout))

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.loginPoll)
	defer ticker.Stop()
	for {
		// Navigation during sign-in makes single checks fail; keep polling.
		if ok, err := c.Page.Exists(ctx, s.cfg.LoggedInSelector); err == nil && ok {
			s.logger.Info("Signed in.")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Page.Done():
			return browser.ErrPageClosed
		case <-deadline.C:
			return fmt.Errorf("timed out after %s waiting for sign-in on %s", timeout, s.cfg.Name)
		case <-ticker.C:
		}
	}
}

// Crawl runs the configured actions in order. A non-recoverable failure
// stops the sequence.
func (s *Site) Crawl(ctx context.Context, c *crawler.Context) error {
	for _, a := range s.cfg.Actions {
		if err := c.RunMethod(ctx, s.action(a), a.Name); err != nil {
			return fmt.Errorf("action %s: %w", a.Name, err)
		}
	}
	return nil
}

// Action returns the configured action called name.
func (s *Site) Action(name string) (executor.Action, bool) {
	for _, a := range s.cfg.Actions {
		if a.Name == name {
			return s.action(a), true
		}
	}
	return nil, false
}

// action turns one configured step into an executor action.
func (s *Site) action(a config.ActionConfig) executor.Action {
	return func(ctx context.Context, page browser.Page) error {
		if a.URL != "" {
			if err := page.Navigate(ctx, a.URL); err != nil {
				return err
			}
		}
		for _, sel := range a.Clicks {
			if !page.WaitPresent(ctx, sel, s.actionWait) {
				return fmt.Errorf("waiting for %q: %w", sel, context.DeadlineExceeded)
			}
			if err := page.ClickDOM(ctx, sel); err != nil {
				return err
			}
		}
		if a.WaitSelector != "" && !page.WaitPresent(ctx, a.WaitSelector, s.actionWait) {
			return fmt.Errorf("waiting for %q: %w", a.WaitSelector, context.DeadlineExceeded)
		}
		if a.Settle > 0 {
			t := time.NewTimer(a.Settle)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

// GetCurrentPoint reads the first number in the point element's text.
func (s *Site) GetCurrentPoint(ctx context.Context, page browser.Page) int {
	if s.cfg.PointSelector == "" || page == nil || page.IsClosed() {
		return executor.PointUnavailable
	}
	quoted, err := json.Marshal(s.cfg.PointSelector)
	if err != nil {
		return executor.PointUnavailable
	}
	var text string
	expr := fmt.Sprintf(`(() => { const el = document.querySelector(%s); return el ? el.textContent : ""; })()`, quoted)
	if err := page.Evaluate(ctx, expr, &text); err != nil {
		s.logger.Debug("Could not read points.", zap.Error(err))
		return executor.PointUnavailable
	}
	return ParsePoints(text)
}

// ParsePoints extracts the first integer from text, ignoring thousands
// separators. It returns executor.PointUnavailable when there is none.
func ParsePoints(text string) int {
	m := pointPattern.FindString(text)
	if m == "" {
		return executor.PointUnavailable
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m, ",", ""))
	if err != nil {
		return executor.PointUnavailable
	}
	return n
}

func (s *Site) ChallengePresent(ctx context.Context, page browser.Page) bool {
	if s.cfg.ChallengeSelector == "" {
		return false
	}
	ok, err := page.Exists(ctx, s.cfg.ChallengeSelector)
	return err == nil && ok
}

func (s *Site) HasAdWatch(ctx context.Context, page browser.Page) bool {
	if s.adTrigger == "" {
		return false
	}
	ok, err := page.Exists(ctx, s.adTrigger)
	return err == nil && ok
}
