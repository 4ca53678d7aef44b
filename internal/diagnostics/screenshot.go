package diagnostics

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/rewardcrawl/internal/browser"
	"github.com/xkilldash9x/rewardcrawl/internal/config"
)

const (
	// TabCaptureTimeout bounds the screenshot of a single tab.
	TabCaptureTimeout = 5 * time.Second
	timestampLayout   = "2006-01-02T15-04-05.000"
)

// Screenshot timings used in artifact names.
const (
	TimingBefore = "before"
	TimingAfter  = "after"
	TimingError  = "error"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// ensureDir creates dir unless it already exists.
func ensureDir(fs afero.Fs, dir string) error {
	if ok, err := afero.DirExists(fs, dir); err == nil && ok {
		return nil
	}
	return fs.MkdirAll(dir, 0o755)
}

// safeName makes a method name usable as a file name component.
func safeName(s string) string {
	s = unsafeNameChars.ReplaceAllString(s, "_")
	if s == "" {
		return "anonymous"
	}
	return s
}

// Screenshotter writes full-page PNGs of every open tab under
// <dir>/<crawler>/<YYYY-MM-DD>/. A directory or write failure disables it
// for the rest of the process.
type Screenshotter struct {
	logger  *zap.Logger
	fs      afero.Fs
	dir     string
	crawler string
	now     func() time.Time

	enabled atomic.Bool

	firstOnce sync.Once
	onFirst   func()
}

// NewScreenshotter prepares the screenshot root eagerly.
func NewScreenshotter(logger *zap.Logger, fs afero.Fs, crawlerName string, cfg config.ArtifactConfig) *Screenshotter {
	s := &Screenshotter{
		logger:  logger.Named("screenshots"),
		fs:      fs,
		dir:     cfg.Dir,
		crawler: crawlerName,
		now:     time.Now,
	}
	if !cfg.Enabled {
		return s
	}
	if err := ensureDir(fs, cfg.Dir); err != nil {
		s.logger.Warn("Screenshot directory unavailable, screenshots disabled.", zap.String("dir", cfg.Dir), zap.Error(err))
		return s
	}
	s.enabled.Store(true)
	return s
}

// Enabled reports whether screenshots are still being taken.
func (s *Screenshotter) Enabled() bool {
	return s != nil && s.enabled.Load()
}

// OnFirstCapture registers fn to run in the background after the first
// successful screenshot.
func (s *Screenshotter) OnFirstCapture(fn func()) {
	s.onFirst = fn
}

func (s *Screenshotter) disable(reason string, err error) {
	if s.enabled.CompareAndSwap(true, false) {
		s.logger.Warn("Screenshots disabled.", zap.String("reason", reason), zap.Error(err))
	}
}

// Capture writes one screenshot of page and returns its path, or "" when
// nothing was written. tabIndex 0 is the primary tab and carries no suffix.
func (s *Screenshotter) Capture(ctx context.Context, page browser.Page, method, timing string, tabIndex int) string {
	if !s.Enabled() || page == nil || page.IsClosed() {
		return ""
	}

	tabCtx, cancel := context.WithTimeout(ctx, TabCaptureTimeout)
	defer cancel()

	w, h, err := page.Viewport(tabCtx)
	if err != nil {
		s.logger.Debug("Could not read viewport, skipping screenshot.", zap.String("target_id", page.ID()), zap.Error(err))
		return ""
	}
	if w == 0 || h == 0 {
		s.logger.Debug("Zero-sized viewport, skipping screenshot.", zap.String("target_id", page.ID()))
		return ""
	}

	data, err := page.Screenshot(tabCtx)
	if err != nil {
		s.logger.Debug("Screenshot failed.", zap.String("target_id", page.ID()), zap.String("method", method), zap.Error(err))
		return ""
	}

	now := s.now()
	dayDir := filepath.Join(s.dir, s.crawler, now.Format(dateLayout))
	if err := s.fs.MkdirAll(dayDir, 0o755); err != nil {
		s.disable("cannot create directory", err)
		return ""
	}
	suffix := ""
	if tabIndex > 0 {
		suffix = fmt.Sprintf("_tab%d", tabIndex)
	}
	path := filepath.Join(dayDir, fmt.Sprintf("%s_%s_%s%s.png", now.Format(timestampLayout), safeName(method), timing, suffix))
	if err := afero.WriteFile(s.fs, path, data, 0o644); err != nil {
		s.disable("cannot write file", err)
		return ""
	}

	s.logger.Debug("Screenshot saved.", zap.String("path", path))
	if s.onFirst != nil {
		s.firstOnce.Do(func() { go s.onFirst() })
	}
	return path
}

// CaptureAll screenshots every open tab of sess in parallel, each bounded
// individually. Paths are returned in tab order.
func (s *Screenshotter) CaptureAll(ctx context.Context, sess browser.Session, method, timing string) []string {
	if !s.Enabled() || sess == nil {
		return nil
	}
	pages := sess.Pages()
	paths := make([]string, len(pages))

	var g errgroup.Group
	for i, p := range pages {
		i, p := i, p
		g.Go(func() error {
			paths[i] = s.Capture(ctx, p, method, timing, i)
			return nil
		})
	}
	_ = g.Wait()

	out := paths[:0]
	for _, p := range paths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
