// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rewardcrawl/internal/browser/stealth"
	"github.com/xkilldash9x/rewardcrawl/internal/config"
)

// Manager launches one dedicated, persistent-profile Chrome per crawler run.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig
}

var _ Provider = (*Manager)(nil)

// NewManager creates a Manager for the given browser settings.
func NewManager(logger *zap.Logger, cfg config.BrowserConfig) *Manager {
	return &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
	}
}

// Acquire starts Chrome with the crawler's profile directory and returns the
// session together with its primary tab.
func (m *Manager) Acquire(ctx context.Context, crawlerName string) (Session, Page, error) {
	userDataDir := filepath.Join(m.cfg.ProfileDir, crawlerName)
	if err := os.MkdirAll(userDataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create profile directory %s: %w", userDataDir, err)
	}

	logger := m.logger.With(zap.String("crawler", crawlerName))
	logger.Info("Launching browser session.",
		zap.String("profile", userDataDir),
		zap.Bool("headless", m.cfg.Headless),
	)

	// The process must outlive ctx; only Release tears it down.
	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), AllocatorOptions(m.cfg, userDataDir)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Debugf),
	)

	s := &chromeSession{
		id:            uuid.NewString(),
		crawlerName:   crawlerName,
		navTimeout:    m.cfg.NavigationTimeout,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		ready:         make(chan struct{}),
		pages:         make(map[target.ID]*cdpPage),
	}
	s.logger = logger.With(zap.String("session_id", s.id))

	if err := m.start(ctx, browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, nil, fmt.Errorf("browser failed to start: %w", err)
	}

	persona, err := m.resolvePersona(ctx, browserCtx)
	if err != nil {
		m.Release(s)
		return nil, nil, err
	}
	s.persona = persona

	c := chromedp.FromContext(browserCtx)
	primary := newCDPPage(browserCtx, browserCancel, c.Target.TargetID, m.cfg.NavigationTimeout, s.logger)
	if err := primary.Run(ctx, stealth.Apply(persona, s.logger)); err != nil {
		m.Release(s)
		return nil, nil, fmt.Errorf("failed to apply stealth setup: %w", err)
	}

	s.register(primary, true)
	s.watchTargets()
	if err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, c.Browser))
	})); err != nil {
		s.logger.Warn("Target discovery unavailable, new tabs will not be tracked.", zap.Error(err))
	}
	close(s.ready)

	s.logger.Info("Browser session ready.", zap.String("user_agent", persona.UserAgent))
	return s, primary, nil
}

// start allocates the browser. The first Run must use the un-timed browser
// context, so the bound is enforced from the outside.
func (m *Manager) start(ctx context.Context, browserCtx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(browserCtx)
	}()

	timer := time.NewTimer(m.cfg.NavigationTimeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case <-timer.C:
		return fmt.Errorf("timed out after %s", m.cfg.NavigationTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolvePersona picks the configured user agent or normalizes the one the
// browser reports about itself.
func (m *Manager) resolvePersona(ctx context.Context, browserCtx context.Context) (stealth.Persona, error) {
	persona := stealth.DefaultPersona
	if m.cfg.UserAgent != "" {
		persona.UserAgent = m.cfg.UserAgent
		return persona, nil
	}

	c := chromedp.FromContext(browserCtx)
	opCtx, cancel := CombineContext(browserCtx, ctx)
	defer cancel()
	_, _, _, ua, _, err := cdpbrowser.GetVersion().Do(cdp.WithExecutor(opCtx, c.Browser))
	if err != nil {
		return persona, fmt.Errorf("failed to read browser version: %w", err)
	}
	persona.UserAgent = stealth.NormalizeUserAgent(ua)
	return persona, nil
}

// Release closes the session gracefully within the close timeout and kills
// the Chrome process when that fails. It never returns an error.
func (m *Manager) Release(sess Session) {
	s, ok := sess.(*chromeSession)
	if !ok || s == nil {
		m.logger.Warn("Release called with a session not owned by this manager.")
		return
	}
	defer s.closeAll()
	defer s.allocCancel()

	c := chromedp.FromContext(s.browserCtx)
	var proc *os.Process
	if c != nil && c.Browser != nil {
		proc = c.Browser.Process()
	}

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Cancel(s.browserCtx)
	}()

	timer := time.NewTimer(m.cfg.CloseTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err == nil {
			s.logger.Info("Browser session closed.")
			return
		}
		s.logger.Warn("Graceful browser close failed, killing process.", zap.Error(err))
	case <-timer.C:
		s.logger.Warn("Graceful browser close timed out, killing process.", zap.Duration("timeout", m.cfg.CloseTimeout))
	}
	forceKill(s.logger, proc)
}

func forceKill(logger *zap.Logger, proc *os.Process) {
	if proc == nil {
		logger.Warn("No browser process handle available to kill.")
		return
	}
	if err := proc.Kill(); err != nil {
		logger.Error("Failed to kill browser process.", zap.Int("pid", proc.Pid), zap.Error(err))
		return
	}
	logger.Info("Browser process killed.", zap.Int("pid", proc.Pid))
}
