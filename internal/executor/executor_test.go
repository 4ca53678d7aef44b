package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/chromedp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/rewardcrawl/internal/browser"
	"github.com/xkilldash9x/rewardcrawl/internal/browser/browsertest"
	"github.com/xkilldash9x/rewardcrawl/internal/config"
	"github.com/xkilldash9x/rewardcrawl/internal/diagnostics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeAds counts interceptor calls.
type fakeAds struct {
	mu       sync.Mutex
	handles  int
	monitors int
	stopped  int
}

func (f *fakeAds) Handle(ctx context.Context, page browser.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles++
	return nil
}

func (f *fakeAds) Monitor(ctx context.Context, page browser.Page) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitors++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stopped++
	}
}

func (f *fakeAds) counts() (handles, monitors, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles, f.monitors, f.stopped
}

type fixture struct {
	fs      afero.Fs
	page    *browsertest.FakePage
	session *browsertest.FakeSession
	ads     *fakeAds
	opts    Options
}

func newFixture(t *testing.T, site string, diagnosticsEnabled bool) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	fs := afero.NewMemMapFs()
	page := browsertest.NewFakePage("T1")
	session := browsertest.NewFakeSession(site, page)

	screens := diagnostics.NewScreenshotter(logger, fs, site, config.ArtifactConfig{Enabled: true, Dir: "/shots", RetentionDays: 7})
	recorder := diagnostics.NewRecorder(logger, fs, site, config.ArtifactConfig{Enabled: diagnosticsEnabled, Dir: "/diag", RetentionDays: 7}, screens, nil)

	ads := &fakeAds{}
	return &fixture{
		fs:      fs,
		page:    page,
		session: session,
		ads:     ads,
		opts: Options{
			Logger:        logger,
			SiteName:      site,
			Session:       session,
			Ads:           ads,
			Screens:       screens,
			Recorder:      recorder,
			ReloadTimeout: time.Second,
		},
	}
}

// files lists every regular file written to the fixture's filesystem.
func (f *fixture) files(t *testing.T) []string {
	t.Helper()
	var out []string
	err := afero.Walk(f.fs, "/", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func countContaining(paths []string, substr string) int {
	n := 0
	for _, p := range paths {
		if strings.Contains(p, substr) {
			n++
		}
	}
	return n
}

func TestRun_Success(t *testing.T) {
	f := newFixture(t, "success-site", false)
	exec := New(f.opts)

	called := false
	err := exec.Run(context.Background(), f.page, func(ctx context.Context, page browser.Page) error {
		called = true
		return nil
	}, "collectDaily")
	require.NoError(t, err)
	assert.True(t, called)

	files := f.files(t)
	assert.Equal(t, 1, countContaining(files, "collectDaily_before"))
	assert.Equal(t, 1, countContaining(files, "collectDaily_after"))
	assert.Zero(t, countContaining(files, "_error"))

	handles, monitors, stopped := f.ads.counts()
	assert.Equal(t, 2, handles, "ads are handled before and after the action")
	assert.Equal(t, 1, monitors)
	assert.Equal(t, 1, stopped, "monitor is canceled before Run returns")
	assert.Equal(t, 1.0, testutil.ToFloat64(metricActions.WithLabelValues("success-site", resultSuccess)))
}

func TestRun_TransientErrorOnOpenPageRecovers(t *testing.T) {
	f := newFixture(t, "transient-open", false)
	exec := New(f.opts)

	err := exec.Run(context.Background(), f.page, func(ctx context.Context, page browser.Page) error {
		return fmt.Errorf("waiting for button: %w", context.DeadlineExceeded)
	}, "clickBanner")
	require.NoError(t, err, "transient errors are absorbed")
	assert.Equal(t, 1, f.page.Reloads())

	handles, _, stopped := f.ads.counts()
	assert.Equal(t, 3, handles, "before, during recovery and after")
	assert.Equal(t, 1, stopped)

	files := f.files(t)
	assert.Equal(t, 1, countContaining(files, "clickBanner_error"), "error screenshots are taken when diagnostics are off")
	assert.Zero(t, countContaining(files, ".json.gz"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metricActions.WithLabelValues("transient-open", resultRecovered)))
}

func TestRun_TargetClosedOnOpenPageReloads(t *testing.T) {
	f := newFixture(t, "target-closed-open", false)
	exec := New(f.opts)

	err := exec.Run(context.Background(), f.page, func(ctx context.Context, page browser.Page) error {
		return errors.New("Protocol error (Runtime.callFunctionOn): Target closed.")
	}, "spin")
	require.NoError(t, err)
	assert.Equal(t, 1, f.page.Reloads())
}

func TestRun_TransientErrorOnClosedPageRethrows(t *testing.T) {
	f := newFixture(t, "transient-closed", false)
	exec := New(f.opts)

	err := exec.Run(context.Background(), f.page, func(ctx context.Context, page browser.Page) error {
		f.page.Close()
		return browser.ErrPageClosed
	}, "openPopup")
	require.ErrorIs(t, err, browser.ErrPageClosed)
	assert.Zero(t, f.page.Reloads())
	assert.Equal(t, 1.0, testutil.ToFloat64(metricActions.WithLabelValues("transient-closed", resultFailed)))
}

func TestRun_FatalErrorPropagatesUnchanged(t *testing.T) {
	f := newFixture(t, "fatal", true)
	exec := New(f.opts)

	sentinel := errors.New("reward already claimed")
	err := exec.Run(context.Background(), f.page, func(ctx context.Context, page browser.Page) error {
		return sentinel
	}, "claim")
	assert.Same(t, sentinel, err)
	assert.Zero(t, f.page.Reloads())

	files := f.files(t)
	require.Equal(t, 1, countContaining(files, "_claim_error.json.gz"), "diagnostics enabled writes a snapshot")

	var snapPath string
	for _, p := range files {
		if strings.HasSuffix(p, ".json.gz") {
			snapPath = p
		}
	}
	snap, err := diagnostics.ReadSnapshot(f.fs, snapPath)
	require.NoError(t, err)
	assert.Equal(t, "claim", snap.MethodName)
	assert.Equal(t, "reward already claimed", snap.Error.Message)
	assert.Equal(t, "fatal", snap.Error.Name, "unexported error types are named by their kind")
}

func TestRun_AllowListSkipsWithoutArtifacts(t *testing.T) {
	f := newFixture(t, "allow-list", true)
	f.opts.AllowedActions = []string{"claim"}
	exec := New(f.opts)

	called := false
	err := exec.Run(context.Background(), f.page, func(ctx context.Context, page browser.Page) error {
		called = true
		return errors.New("must not run")
	}, "watchVideo")
	require.NoError(t, err)
	assert.False(t, called)
	assert.Empty(t, f.files(t), "a skipped action produces no artifacts")

	handles, monitors, _ := f.ads.counts()
	assert.Zero(t, handles)
	assert.Zero(t, monitors)
	assert.Equal(t, 1.0, testutil.ToFloat64(metricActions.WithLabelValues("allow-list", resultSkipped)))
}

func claimDaily(ctx context.Context, page browser.Page) error { return nil }

func TestRun_DerivesMethodName(t *testing.T) {
	f := newFixture(t, "derived", false)
	f.opts.AllowedActions = []string{"claimDaily"}
	exec := New(f.opts)

	require.NoError(t, exec.Run(context.Background(), f.page, claimDaily, ""))
	assert.Equal(t, 1, countContaining(f.files(t), "claimDaily_after"))
}

func TestRun_PanicBecomesFatalError(t *testing.T) {
	f := newFixture(t, "panic", false)
	exec := New(f.opts)

	err := exec.Run(context.Background(), f.page, func(ctx context.Context, page browser.Page) error {
		panic("selector table corrupt")
	}, "boom")
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "selector table corrupt", perr.Value)
	assert.Contains(t, perr.StackTrace(), "executor")
	assert.Zero(t, f.page.Reloads())

	_, _, stopped := f.ads.counts()
	assert.Equal(t, 1, stopped)
}

func TestRun_PointLog(t *testing.T) {
	f := newFixture(t, "points", false)
	core, logs := observer.New(zapcore.InfoLevel)
	f.opts.Logger = zap.New(core)
	f.opts.PointLog = true

	reads := []int{100, 130}
	f.opts.Points = func(ctx context.Context, page browser.Page) int {
		v := reads[0]
		reads = reads[1:]
		return v
	}
	exec := New(f.opts)
	require.NoError(t, exec.Run(context.Background(), f.page, claimDaily, "claimDaily"))

	entries := logs.FilterMessage("Point change.").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(30), entries[0].ContextMap()["delta"])

	t.Run("unavailable", func(t *testing.T) {
		logs.TakeAll()
		f.opts.Points = func(ctx context.Context, page browser.Page) int { return PointUnavailable }
		exec := New(f.opts)
		require.NoError(t, exec.Run(context.Background(), f.page, claimDaily, "claimDaily"))
		assert.Equal(t, 1, logs.FilterMessage("Point change unavailable.").Len())
	})
}

func TestRun_CanceledContextIsNotRecovered(t *testing.T) {
	f := newFixture(t, "canceled", false)
	exec := New(f.opts)

	ctx, cancel := context.WithCancel(context.Background())
	err := exec.Run(ctx, f.page, func(ctx context.Context, page browser.Page) error {
		cancel()
		return fmt.Errorf("waiting: %w", chromedp.ErrPollingTimeout)
	}, "slow")
	require.ErrorIs(t, err, chromedp.ErrPollingTimeout)
	assert.Zero(t, f.page.Reloads())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindFatal},
		{"plain", errors.New("boom"), KindFatal},
		{"canceled", context.Canceled, KindFatal},
		{"panic", &PanicError{Value: "x"}, KindFatal},
		{"page closed", fmt.Errorf("click: %w", browser.ErrPageClosed), KindTargetClosed},
		{"invalid target", chromedp.ErrInvalidTarget, KindTargetClosed},
		{"deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), KindTimeout},
		{"polling", chromedp.ErrPollingTimeout, KindTimeout},
		{"cdp error", &cdproto.Error{Code: -32000, Message: "Cannot find context with specified id"}, KindProtocol},
		{"cdp target closed", &cdproto.Error{Code: -32001, Message: "Session closed"}, KindTargetClosed},
		{"message target closed", errors.New("Protocol error (Runtime.callFunctionOn): Target closed."), KindTargetClosed},
		{"message protocol", errors.New("Protocol error (DOM.describeNode): Cannot find node"), KindProtocol},
		{"message timeout", errors.New("operation timed out"), KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want != KindFatal, got.Transient())
		})
	}
}

func TestPointDelta(t *testing.T) {
	d, ok := PointDelta(10, 25)
	assert.True(t, ok)
	assert.Equal(t, 15, d)

	d, ok = PointDelta(25, 10)
	assert.True(t, ok)
	assert.Equal(t, -15, d)

	_, ok = PointDelta(PointUnavailable, 10)
	assert.False(t, ok)
	_, ok = PointDelta(10, PointUnavailable)
	assert.False(t, ok)
}

type siteFlow struct{}

func (siteFlow) WatchVideo(ctx context.Context, page browser.Page) error { return nil }

func TestFuncName(t *testing.T) {
	assert.Equal(t, "claimDaily", FuncName(Action(claimDaily)))
	assert.Equal(t, "WatchVideo", FuncName(siteFlow{}.WatchVideo))
	assert.Equal(t, "unknown", FuncName(nil))
	assert.Equal(t, "unknown", FuncName(Action(nil)))
}
