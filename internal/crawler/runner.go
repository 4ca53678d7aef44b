package crawler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rewardcrawl/internal/adwatch"
	"github.com/xkilldash9x/rewardcrawl/internal/browser"
	"github.com/xkilldash9x/rewardcrawl/internal/config"
	"github.com/xkilldash9x/rewardcrawl/internal/diagnostics"
	"github.com/xkilldash9x/rewardcrawl/internal/executor"
	"github.com/xkilldash9x/rewardcrawl/internal/observability"
)

const (
	defaultChallengeTimeout = 60 * time.Second
	challengePollInterval   = time.Second
)

// Deps are the process-wide collaborators shared by every Runner.
type Deps struct {
	Config   *config.Config
	Logger   *zap.Logger
	Browser  browser.Provider
	Fs       afero.Fs
	Janitor  *diagnostics.Janitor
	Notifier Notifier
}

// Runner executes the crawl state machine for one site. A Runner may be
// reused for sequential runs but not for concurrent ones.
type Runner struct {
	cfg      *config.Config
	logger   *zap.Logger
	provider browser.Provider
	fs       afero.Fs
	janitor  *diagnostics.Janitor
	notifier Notifier
	site     Site

	state         atomic.Int32
	challengePoll time.Duration
}

// NewRunner validates deps and returns a Runner for site.
func NewRunner(deps Deps, site Site) (*Runner, error) {
	if deps.Config == nil ||
		deps.Logger == nil ||
		deps.Browser == nil ||
		site == nil {
		return nil, fmt.Errorf("cannot initialize runner with nil dependencies")
	}
	fs := deps.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(deps.Logger)
	}
	return &Runner{
		cfg:           deps.Config,
		logger:        observability.ForCrawler(deps.Logger, "crawler", site.Name()),
		provider:      deps.Browser,
		fs:            fs,
		janitor:       deps.Janitor,
		notifier:      notifier,
		site:          site,
		challengePoll: challengePollInterval,
	}, nil
}

// State returns the current state of the machine.
func (r *Runner) State() State {
	return State(r.state.Load())
}

func (r *Runner) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	if prev != s {
		r.logger.Debug("State transition.", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// run is the per-invocation state: the session and everything bound to it.
type run struct {
	session browser.Session
	ctx     *Context
}

// Run executes a full crawl, or just target when it is non-nil. Errors after
// the session is up are logged and swallowed; only a failure to acquire the
// browser is returned. The session is always released.
func (r *Runner) Run(ctx context.Context, target Target) error {
	r.setState(StateNotStarted)
	name := r.site.Name()

	// 1. Acquire the browser and bind the per-run components to it.
	cur, err := r.open(ctx)
	if err != nil {
		r.setState(StateClosed)
		recordRun(name, outcomeAcquireFailed)
		r.logger.Error("Failed to acquire browser session.", zap.Error(err))
		return err
	}
	defer r.close(cur)

	// 2. Make sure the profile is signed in.
	ok, err := r.ensureLogin(ctx, cur, r.cfg.Crawl.LoginEnabled)
	if err != nil {
		recordRun(name, outcomeFailed)
		r.logger.Error("Login failed.", zap.Error(err))
		return nil
	}
	if !ok {
		recordRun(name, outcomeLoginRequired)
		return nil
	}

	// 3. Run the actions and report the point change.
	r.setState(StateRunning)
	before := r.site.GetCurrentPoint(ctx, cur.ctx.Page)
	if target != nil {
		err = r.invoke(func() error { return target(ctx, cur.ctx) })
	} else {
		err = r.invoke(func() error { return r.site.Crawl(ctx, cur.ctx) })
	}
	if err != nil {
		recordRun(name, outcomeFailed)
		r.logger.Error("Crawl failed.", zap.Error(err))
		return nil
	}

	after := r.site.GetCurrentPoint(ctx, cur.ctx.Page)
	earned := CalcEarnedPoint(before, after)
	r.logger.Info("Crawl finished.", zap.Int("before", before), zap.Int("after", after), zap.Int("earned", earned))
	setPointsEarned(name, earned)
	recordRun(name, outcomeSuccess)
	if earned != 0 {
		r.notify(ctx, Notification{
			Site:    name,
			Kind:    NotifyPointsEarned,
			Message: fmt.Sprintf("%s: earned %d points", name, earned),
			Before:  before,
			After:   after,
			Earned:  earned,
		})
	}
	return nil
}

// LoginOnly signs the profile in and stops. Login is attempted even when
// automatic login is disabled, and its failure is returned.
func (r *Runner) LoginOnly(ctx context.Context) error {
	r.setState(StateNotStarted)

	cur, err := r.open(ctx)
	if err != nil {
		r.setState(StateClosed)
		recordRun(r.site.Name(), outcomeAcquireFailed)
		return err
	}
	defer r.close(cur)

	if _, err := r.ensureLogin(ctx, cur, true); err != nil {
		return err
	}
	r.logger.Info("Profile is signed in.")
	return nil
}

func (r *Runner) open(ctx context.Context) (*run, error) {
	name := r.site.Name()
	sess, page, err := r.provider.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	r.setState(StateSessionAcquired)

	screens := diagnostics.NewScreenshotter(r.logger, r.fs, name, r.cfg.Artifacts.Screenshot)
	recorder := diagnostics.NewRecorder(r.logger, r.fs, name, r.cfg.Artifacts.Diagnostics, screens, r.janitor)
	screens.OnFirstCapture(recorder.Cleanup)
	sess.OnPage(recorder.Attach)

	exec := executor.New(executor.Options{
		Logger:         r.logger,
		SiteName:       name,
		Session:        sess,
		Ads:            adwatch.NewInterceptor(r.logger, r.cfg.AdWatch),
		Screens:        screens,
		Recorder:       recorder,
		Points:         r.site.GetCurrentPoint,
		AllowedActions: r.cfg.Crawl.AllowedActions,
		PointLog:       r.cfg.Artifacts.PointLog.Enabled,
		ReloadTimeout:  r.cfg.Crawl.ReloadTimeout,
	})

	return &run{
		session: sess,
		ctx: &Context{
			Logger:  r.logger.With(zap.String("session_id", sess.ID())),
			Session: sess,
			Page:    page,
			site:    r.site,
			exec:    exec,
		},
	}, nil
}

func (r *Runner) close(cur *run) {
	r.provider.Release(cur.session)
	r.setState(StateClosed)
}

// ensureLogin checks the session and logs in when allowed. It returns false
// without an error when the session is signed out and login is disabled.
func (r *Runner) ensureLogin(ctx context.Context, cur *run, loginEnabled bool) (bool, error) {
	page := cur.ctx.Page
	loggedIn := r.site.CheckAlreadyLogin(ctx, cur.ctx)
	r.setState(StateLoginChecked)
	r.waitChallenge(ctx, page)

	if loggedIn {
		r.setState(StateReady)
		return true, nil
	}
	if !loginEnabled {
		r.logger.Warn("Session is signed out and automatic login is disabled.")
		r.notify(ctx, Notification{
			Site:    r.site.Name(),
			Kind:    NotifyLoginRequired,
			Message: fmt.Sprintf("%s: %v", r.site.Name(), ErrLoginRequired),
			Before:  executor.PointUnavailable,
			After:   executor.PointUnavailable,
		})
		return false, nil
	}

	r.setState(StateLoggingIn)
	r.logger.Info("Logging in.")
	if err := r.invoke(func() error { return r.site.Login(ctx, cur.ctx) }); err != nil {
		return false, fmt.Errorf("login: %w", err)
	}
	r.waitChallenge(ctx, page)
	r.setState(StateReady)
	return true, nil
}

// waitChallenge blocks while the site reports an interstitial challenge, up
// to the configured timeout. A challenge that does not clear is logged only.
func (r *Runner) waitChallenge(ctx context.Context, page browser.Page) {
	detector, ok := r.site.(ChallengeDetector)
	if !ok {
		return
	}
	timeout := r.cfg.Crawl.ChallengeTimeout
	if timeout <= 0 {
		timeout = defaultChallengeTimeout
	}
	if !detector.ChallengePresent(ctx, page) {
		return
	}
	r.logger.Info("Challenge detected, waiting for it to clear.", zap.Duration("timeout", timeout))

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.challengePoll)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-page.Done():
			return
		case <-deadline.C:
			r.logger.Warn("Challenge did not clear in time, continuing.", zap.Duration("timeout", timeout))
			return
		case <-ticker.C:
			if !detector.ChallengePresent(ctx, page) {
				r.logger.Info("Challenge cleared.", zap.Duration("elapsed", time.Since(start)))
				return
			}
		}
	}
}

// invoke runs a site hook, turning a panic into an error.
func (r *Runner) invoke(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("site hook panicked: %v", p)
		}
	}()
	return fn()
}

func (r *Runner) notify(ctx context.Context, n Notification) {
	if err := r.notifier.Notify(ctx, n); err != nil {
		r.logger.Warn("Notification failed.", zap.String("kind", string(n.Kind)), zap.Error(err))
	}
}
