// Package executor wraps every site action with ad handling, screenshots,
// diagnostics and transient-error recovery.
package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rewardcrawl/internal/browser"
	"github.com/xkilldash9x/rewardcrawl/internal/diagnostics"
)

// PointUnavailable is returned by point readers that could not read a balance.
const PointUnavailable = -1

// diagnosticsBudget bounds the artifact collection after a failed action,
// which runs even when the caller's context is already done.
const diagnosticsBudget = 30 * time.Second

// Action is one unit of site work run against a page.
type Action func(ctx context.Context, page browser.Page) error

// PointReader returns the current point balance or PointUnavailable.
type PointReader func(ctx context.Context, page browser.Page) int

// AdHandler is the ad-interception loop used around each action.
type AdHandler interface {
	Handle(ctx context.Context, page browser.Page) error
	Monitor(ctx context.Context, page browser.Page) (cancel func())
}

// Screenshotter captures every tab of a session.
type Screenshotter interface {
	Enabled() bool
	CaptureAll(ctx context.Context, sess browser.Session, method, timing string) []string
}

// SnapshotRecorder persists a diagnostic snapshot for a failed action.
type SnapshotRecorder interface {
	Enabled() bool
	CaptureSnapshot(ctx context.Context, sess browser.Session, page browser.Page, f diagnostics.Failure) string
}

// Options configures an Executor. Ads is required; the rest may be zero.
type Options struct {
	Logger   *zap.Logger
	SiteName string
	Session  browser.Session
	Ads      AdHandler
	Screens  Screenshotter
	Recorder SnapshotRecorder
	Points   PointReader
	// AllowedActions limits Run to the named actions. Empty allows all.
	AllowedActions []string
	PointLog       bool
	ReloadTimeout  time.Duration
}

// Executor runs site actions for a single session.
type Executor struct {
	logger        *zap.Logger
	site          string
	session       browser.Session
	ads           AdHandler
	screens       Screenshotter
	recorder      SnapshotRecorder
	points        PointReader
	allowed       map[string]struct{}
	pointLog      bool
	reloadTimeout time.Duration
}

// New builds an Executor from opts.
func New(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var allowed map[string]struct{}
	if len(opts.AllowedActions) > 0 {
		allowed = make(map[string]struct{}, len(opts.AllowedActions))
		for _, name := range opts.AllowedActions {
			allowed[name] = struct{}{}
		}
	}
	reload := opts.ReloadTimeout
	if reload <= 0 {
		reload = 30 * time.Second
	}
	return &Executor{
		logger:        logger.Named("executor").With(zap.String("site", opts.SiteName)),
		site:          opts.SiteName,
		session:       opts.Session,
		ads:           opts.Ads,
		screens:       opts.Screens,
		recorder:      opts.Recorder,
		points:        opts.Points,
		allowed:       allowed,
		pointLog:      opts.PointLog,
		reloadTimeout: reload,
	}
}

// Allowed reports whether the named action passes the allow-list.
func (e *Executor) Allowed(name string) bool {
	if e.allowed == nil {
		return true
	}
	_, ok := e.allowed[name]
	return ok
}

// Run executes action against page. Transient browser errors are absorbed
// after a reload and Run returns nil; other errors are returned unchanged.
// An empty methodName is derived from the action's function name.
func (e *Executor) Run(ctx context.Context, page browser.Page, action Action, methodName string) error {
	name := methodName
	if name == "" {
		name = FuncName(action)
	}
	logger := e.logger.With(zap.String("method", name))

	if !e.Allowed(name) {
		logger.Info("Action not in allow-list, skipping.")
		recordAction(e.site, resultSkipped)
		return nil
	}

	start := time.Now()
	logger.Info("Running action.")

	if ferr := page.BringToFront(ctx); ferr != nil {
		logger.Debug("Could not bring page to front.", zap.Error(ferr))
	}
	if herr := e.ads.Handle(ctx, page); herr != nil {
		logger.Warn("Ad handling before action failed.", zap.Error(herr))
	}
	stopMonitor := e.ads.Monitor(ctx, page)
	defer func() {
		stopMonitor()
		if herr := e.ads.Handle(ctx, page); herr != nil {
			logger.Debug("Ad handling after action failed.", zap.Error(herr))
		}
		observeDuration(e.site, time.Since(start))
	}()

	before := PointUnavailable
	if e.pointLog && e.points != nil {
		before = e.points(ctx, page)
	}
	e.captureAll(ctx, name, diagnostics.TimingBefore)

	if aerr := invoke(ctx, page, action); aerr != nil {
		return e.handleFailure(ctx, page, name, aerr, time.Since(start), logger)
	}

	e.captureAll(ctx, name, diagnostics.TimingAfter)
	if e.pointLog && e.points != nil {
		after := e.points(ctx, page)
		if delta, ok := PointDelta(before, after); ok {
			logger.Info("Point change.", zap.Int("before", before), zap.Int("after", after), zap.Int("delta", delta))
		} else {
			logger.Info("Point change unavailable.", zap.Int("before", before), zap.Int("after", after))
		}
	}

	recordAction(e.site, resultSuccess)
	logger.Info("Action finished.", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// handleFailure runs the failure path: artifacts first, then classification.
func (e *Executor) handleFailure(ctx context.Context, page browser.Page, name string, cause error, elapsed time.Duration, logger *zap.Logger) error {
	diagCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), diagnosticsBudget)
	defer cancel()

	kind := Classify(cause)
	if e.recorder != nil && e.recorder.Enabled() {
		failure := diagnostics.Failure{Method: name, Kind: kind.String(), Cause: cause, Elapsed: elapsed}
		if path := e.recorder.CaptureSnapshot(diagCtx, e.session, page, failure); path != "" {
			logger.Info("Diagnostic snapshot saved.", zap.String("path", path))
		}
	} else {
		e.captureAll(diagCtx, name, diagnostics.TimingError)
	}

	logger.Error("Action failed.",
		zap.Error(cause),
		zap.String("kind", kind.String()),
		zap.Duration("elapsed", elapsed),
	)

	if !kind.Transient() || ctx.Err() != nil {
		recordAction(e.site, resultFailed)
		return cause
	}
	if page.IsClosed() {
		logger.Warn("Page closed, transient error cannot be recovered.")
		recordAction(e.site, resultFailed)
		return cause
	}

	if herr := e.ads.Handle(ctx, page); herr != nil {
		logger.Debug("Ad handling during recovery failed.", zap.Error(herr))
	}
	if rerr := page.Reload(ctx, e.reloadTimeout); rerr != nil {
		logger.Warn("Reload after transient error failed.", zap.Error(rerr))
	}
	logger.Warn("Recovered from transient error, continuing.", zap.String("kind", kind.String()))
	recordAction(e.site, resultRecovered)
	return nil
}

func (e *Executor) captureAll(ctx context.Context, name, timing string) {
	if e.screens == nil || !e.screens.Enabled() || e.session == nil {
		return
	}
	e.screens.CaptureAll(ctx, e.session, name, timing)
}

// invoke calls action, converting a panic into a *PanicError.
func invoke(ctx context.Context, page browser.Page, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	if action == nil {
		return errors.New("nil action")
	}
	return action(ctx, page)
}

// PointDelta returns after-before, with ok false when either side is
// PointUnavailable.
func PointDelta(before, after int) (delta int, ok bool) {
	if before == PointUnavailable || after == PointUnavailable {
		return 0, false
	}
	return after - before, true
}

// FuncName returns the short name of fn: the last path element without the
// package qualifier and without the method value suffix.
func FuncName(fn interface{}) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "unknown"
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return "unknown"
	}
	name := f.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "-fm")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return fmt.Sprintf("%p", fn)
	}
	return name
}
