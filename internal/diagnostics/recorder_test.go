package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/rewardcrawl/internal/browser"
	"github.com/xkilldash9x/rewardcrawl/internal/browser/browsertest"
	"github.com/xkilldash9x/rewardcrawl/internal/config"
)

func newTestRecorder(t *testing.T, fs afero.Fs, screens *Screenshotter) *Recorder {
	t.Helper()
	r := NewRecorder(zaptest.NewLogger(t), fs, "example", config.ArtifactConfig{Enabled: true, Dir: "/diag", RetentionDays: 7}, screens, nil)
	r.now = func() time.Time { return fixedNow }
	return r
}

func consoleEvent(text string) *runtime.EventConsoleAPICalled {
	return &runtime.EventConsoleAPICalled{
		Type: runtime.APITypeLog,
		Args: []*runtime.RemoteObject{{Type: runtime.TypeString, Value: []byte(fmt.Sprintf("%q", text))}},
	}
}

func requestEvent(id, url string, headers network.Headers) *network.EventRequestWillBeSent {
	return &network.EventRequestWillBeSent{
		RequestID: network.RequestID(id),
		Request:   &network.Request{URL: url, Method: "GET", Headers: headers},
		Type:      network.ResourceTypeXHR,
	}
}

func TestRecorder_ConsoleRingBounded(t *testing.T) {
	r := newTestRecorder(t, afero.NewMemMapFs(), nil)
	page := browsertest.NewFakePage("T1")
	r.Attach(page)

	for i := 0; i < ConsoleCapacity+25; i++ {
		page.Emit(consoleEvent(fmt.Sprintf("msg-%d", i)))
	}
	logs := r.ConsoleLogs("T1")
	require.Len(t, logs, ConsoleCapacity)
	assert.Equal(t, "msg-25", logs[0].Text, "oldest entries are evicted first")
	assert.Equal(t, fmt.Sprintf("msg-%d", ConsoleCapacity+24), logs[len(logs)-1].Text)
}

func TestRecorder_ConsoleTextTruncated(t *testing.T) {
	r := newTestRecorder(t, afero.NewMemMapFs(), nil)
	page := browsertest.NewFakePage("T1")
	r.Attach(page)

	page.Emit(&cdppage.EventFrameNavigated{Frame: &cdp.Frame{URL: "https://example.com/?token=abc"}})
	page.Emit(consoleEvent(strings.Repeat("x", 5000)))
	page.Emit(&runtime.EventExceptionThrown{ExceptionDetails: &runtime.ExceptionDetails{
		Text: "Uncaught", URL: "https://example.com/app.js", LineNumber: 3, ColumnNumber: 7,
		Exception: &runtime.RemoteObject{Description: "TypeError: x is undefined"},
	}})

	logs := r.ConsoleLogs("T1")
	require.Len(t, logs, 2)
	assert.Len(t, logs[0].Text, maxConsoleText)
	assert.Equal(t, "https://example.com/?token=%5BREDACTED%5D", logs[0].PageURL)
	assert.Equal(t, "pageerror", logs[1].Type)
	assert.Equal(t, "TypeError: x is undefined", logs[1].Text)
	assert.Equal(t, "https://example.com/app.js:3:7", logs[1].Location)
}

func TestRecorder_ConsoleTextTruncatedByCharacter(t *testing.T) {
	r := newTestRecorder(t, afero.NewMemMapFs(), nil)
	page := browsertest.NewFakePage("T1")
	r.Attach(page)

	short := strings.Repeat("ポ", 1500)
	page.Emit(consoleEvent(short))
	page.Emit(consoleEvent(strings.Repeat("ポ", 2500)))

	logs := r.ConsoleLogs("T1")
	require.Len(t, logs, 2)
	assert.Equal(t, short, logs[0].Text, "text under the limit is kept whole")
	assert.Equal(t, maxConsoleText, utf8.RuneCountInString(logs[1].Text))
	assert.True(t, utf8.ValidString(logs[1].Text))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "ポイ", truncate("ポイント", 2))
	assert.Equal(t, "", truncate("ポイント", 0))
}

func TestRecorder_NetworkRingBounded(t *testing.T) {
	r := newTestRecorder(t, afero.NewMemMapFs(), nil)
	page := browsertest.NewFakePage("T1")
	r.Attach(page)

	for i := 0; i < NetworkCapacity+10; i++ {
		page.Emit(requestEvent(fmt.Sprintf("r%d", i), fmt.Sprintf("https://example.com/%d", i), nil))
	}
	logs := r.NetworkLogs("T1")
	require.Len(t, logs, NetworkCapacity)
	assert.Equal(t, "https://example.com/10", logs[0].URL)

	// Responses for evicted requests are ignored.
	page.Emit(&network.EventResponseReceived{RequestID: "r0", Response: &network.Response{Status: 200}})
	for _, e := range r.NetworkLogs("T1") {
		assert.Zero(t, e.Status)
	}
}

func TestRecorder_NetworkLifecycle(t *testing.T) {
	r := newTestRecorder(t, afero.NewMemMapFs(), nil)
	page := browsertest.NewFakePage("T1")
	r.Attach(page)

	page.Emit(requestEvent("ok", "https://example.com/api", network.Headers{"Authorization": "Bot xyz"}))
	page.Emit(&network.EventResponseReceived{RequestID: "ok", Response: &network.Response{
		Status: 201, StatusText: "Created", Headers: network.Headers{"Set-Cookie": "sid=1"},
	}})
	page.Emit(&network.EventLoadingFinished{RequestID: "ok"})
	page.Emit(requestEvent("bad", "https://example.com/fail", nil))
	page.Emit(&network.EventLoadingFailed{RequestID: "bad", ErrorText: "net::ERR_FAILED"})

	logs := r.NetworkLogs("T1")
	require.Len(t, logs, 2)
	assert.Equal(t, int64(201), logs[0].Status)
	assert.Equal(t, "Created", logs[0].StatusText)
	assert.Equal(t, Redacted, logs[0].RequestHeaders["Authorization"])
	assert.Equal(t, Redacted, logs[0].ResponseHeaders["Set-Cookie"])
	assert.NotNil(t, logs[0].Timing.End)
	assert.False(t, logs[0].Failed)
	assert.True(t, logs[1].Failed)
	assert.Equal(t, "net::ERR_FAILED", logs[1].ErrorText)

	t.Run("redirect", func(t *testing.T) {
		r := newTestRecorder(t, afero.NewMemMapFs(), nil)
		page := browsertest.NewFakePage("T2")
		r.Attach(page)

		page.Emit(requestEvent("r", "https://example.com/a", nil))
		hop := requestEvent("r", "https://example.com/b", nil)
		hop.RedirectResponse = &network.Response{
			Status: 302, StatusText: "Found",
			Headers: network.Headers{"Location": "/b", "Set-Cookie": "sid=2"},
		}
		page.Emit(hop)
		page.Emit(&network.EventResponseReceived{RequestID: "r", Response: &network.Response{Status: 200, StatusText: "OK"}})
		page.Emit(&network.EventLoadingFinished{RequestID: "r"})

		logs := r.NetworkLogs("T2")
		require.Len(t, logs, 2)

		want := []NetworkLogEntry{
			{
				URL: "https://example.com/a", Method: "GET", ResourceType: "XHR",
				Status: 302, StatusText: "Found",
				ResponseHeaders: map[string]string{"Location": "/b", "Set-Cookie": Redacted},
				Timing:          NetworkTiming{Start: fixedNow, End: &fixedNow},
			},
			{
				URL: "https://example.com/b", Method: "GET", ResourceType: "XHR",
				Status: 200, StatusText: "OK",
				Timing: NetworkTiming{Start: fixedNow, End: &fixedNow},
			},
		}
		if diff := cmp.Diff(want, logs, cmpopts.IgnoreUnexported(NetworkLogEntry{})); diff != "" {
			t.Errorf("redirect hops mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestRecorder_EvictsOnPageClose(t *testing.T) {
	r := newTestRecorder(t, afero.NewMemMapFs(), nil)
	page := browsertest.NewFakePage("T1")
	r.Attach(page)
	page.Emit(consoleEvent("hello"))
	page.Emit(requestEvent("a", "https://example.com/", nil))
	require.True(t, r.Tracked("T1"))

	page.Close()
	assert.Eventually(t, func() bool { return !r.Tracked("T1") }, time.Second, 5*time.Millisecond)
	assert.Empty(t, r.ConsoleLogs("T1"))
	assert.Empty(t, r.NetworkLogs("T1"))

	// Late events from a closed page are dropped.
	page.Emit(consoleEvent("late"))
	assert.Empty(t, r.ConsoleLogs("T1"))
}

func TestRecorder_AttachIdempotent(t *testing.T) {
	r := newTestRecorder(t, afero.NewMemMapFs(), nil)
	page := browsertest.NewFakePage("T1")
	r.Attach(page)
	r.Attach(page)

	page.Emit(consoleEvent("once"))
	assert.Len(t, r.ConsoleLogs("T1"), 1, "a second attach must not register a second listener")
}

func TestRecorder_CaptureSnapshot(t *testing.T) {
	fs := afero.NewMemMapFs()
	screens := newTestScreenshotter(t, fs)
	r := newTestRecorder(t, fs, screens)

	primary := browsertest.NewFakePage("T1")
	primary.SetEval("location.href", `"https://example.com/points?session=s3cr3t"`)
	primary.SetEval("document.title", `"Points"`)
	primary.SetEval("getElementsByTagName", `42`)
	primary.SetEval("navigator.userAgent", `"Mozilla/5.0 Chrome/126"`)
	primary.SetEval("localStorage", `{"local":{"authToken":"abc","theme":"dark"},"session":{}}`)
	primary.SetHTML("<html><body>points</body></html>")
	primary.SetCookieCount(3)

	sess := browsertest.NewFakeSession("example", primary)
	other := browsertest.NewFakePage("T2")
	other.SetEval("location.href", `"https://example.com/ad"`)
	other.SetEval("document.title", `"Ad"`)
	sess.OpenTab(other)
	gone := browsertest.NewFakePage("T3")
	sess.OpenTab(gone)
	gone.Close()

	sess.OnPage(r.Attach)
	primary.Emit(requestEvent("a", "https://example.com/api", network.Headers{"Authorization": "Bot xyz"}))
	other.Emit(consoleEvent("from ad tab"))

	cause := fmt.Errorf("collect: %w", errors.New("target closed"))
	path := r.CaptureSnapshot(context.Background(), sess, primary, Failure{
		Method: "collectDaily", Kind: "target_closed", Cause: cause, Elapsed: 1500 * time.Millisecond,
	})
	require.NotEmpty(t, path)
	assert.True(t, strings.HasSuffix(path, "/diag/example/2026-03-20/2026-03-20T09-15-30.123_collectDaily_error.json.gz"), path)

	snap, err := ReadSnapshot(fs, path)
	require.NoError(t, err)
	assert.Equal(t, "collectDaily", snap.MethodName)
	assert.Equal(t, int64(1500), snap.ExecutionTime)
	assert.Equal(t, "collect: target closed", snap.Error.Message)
	assert.Equal(t, "target_closed", snap.Error.Name)

	assert.Equal(t, "https://example.com/points?session=%5BREDACTED%5D", snap.MainPage.URL)
	assert.Equal(t, "Points", snap.MainPage.Title)
	assert.Equal(t, 42, snap.MainPage.DOMSize)
	assert.Equal(t, 3, snap.MainPage.CookieCount)
	assert.Equal(t, Redacted, snap.MainPage.LocalStorage["authToken"])
	assert.Equal(t, "dark", snap.MainPage.LocalStorage["theme"])
	assert.Contains(t, snap.MainPage.HTML, "points")

	require.Len(t, snap.OtherPages, 1, "closed tabs are skipped")
	assert.Equal(t, "Ad", snap.OtherPages[0].Title)
	assert.Empty(t, snap.OtherPages[0].HTML)

	require.Len(t, snap.Network, 1)
	assert.Equal(t, Redacted, snap.Network[0].RequestHeaders["Authorization"])
	require.Len(t, snap.Console, 1)
	assert.Equal(t, "from ad tab", snap.Console[0].Text)
	assert.Len(t, snap.Screenshots, 2)
}

func TestRecorder_CaptureSnapshotFailuresAreContained(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		r := NewRecorder(zaptest.NewLogger(t), afero.NewMemMapFs(), "example", config.ArtifactConfig{Enabled: false, Dir: "/d"}, nil, nil)
		page := browsertest.NewFakePage("T1")
		assert.Empty(t, r.CaptureSnapshot(context.Background(), browsertest.NewFakeSession("example", page), page, Failure{Method: "m", Cause: errors.New("x")}))
	})

	t.Run("unwritable", func(t *testing.T) {
		base := afero.NewMemMapFs()
		require.NoError(t, base.MkdirAll("/diag", 0o755))
		r := newTestRecorder(t, afero.NewReadOnlyFs(base), nil)
		page := browsertest.NewFakePage("T1")
		assert.Empty(t, r.CaptureSnapshot(context.Background(), browsertest.NewFakeSession("example", page), page, Failure{Method: "m", Cause: errors.New("x")}))
	})

	t.Run("panicking session", func(t *testing.T) {
		r := newTestRecorder(t, afero.NewMemMapFs(), nil)
		page := browsertest.NewFakePage("T1")
		assert.NotPanics(t, func() {
			assert.Empty(t, r.CaptureSnapshot(context.Background(), panicSession{}, page, Failure{Method: "m", Cause: errors.New("x")}))
		})
	})
}

type panicSession struct{ *browsertest.FakeSession }

func (panicSession) Pages() []browser.Page { panic("pages unavailable") }

type QuotaError struct{ Remaining int }

func (e *QuotaError) Error() string { return fmt.Sprintf("quota exceeded, %d left", e.Remaining) }

func TestDescribeError(t *testing.T) {
	wrapped := fmt.Errorf("claim: %w", &QuotaError{Remaining: 0})
	assert.Equal(t, "diagnostics.QuotaError", describeError(wrapped, "fatal").Name)
	assert.Equal(t, "claim: quota exceeded, 0 left", describeError(wrapped, "fatal").Message)

	assert.Equal(t, "timeout", describeError(fmt.Errorf("wait: %w", context.DeadlineExceeded), "timeout").Name)
	assert.Equal(t, "error", describeError(errors.New("boom"), "").Name)
	assert.Equal(t, "unknown", describeError(nil, "fatal").Name)
}
