package diagnostics

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rewardcrawl/internal/browser"
	"github.com/xkilldash9x/rewardcrawl/internal/config"
)

const attachTimeout = 10 * time.Second

// pageBuffers holds the logs of one tab. It is dropped when the tab closes.
type pageBuffers struct {
	url     string
	console *Ring[ConsoleLogEntry]
	network *Ring[*NetworkLogEntry]
	pending map[string]*NetworkLogEntry
}

// Recorder keeps per-tab console and network history and writes diagnostic
// snapshots when an action fails.
type Recorder struct {
	logger  *zap.Logger
	fs      afero.Fs
	dir     string
	crawler string
	screens *Screenshotter
	janitor *Janitor
	now     func() time.Time

	enabled atomic.Bool

	mu    sync.Mutex
	pages map[string]*pageBuffers
}

// NewRecorder creates a Recorder for one crawler. The diagnostics root is
// created eagerly; failure disables snapshots but not log collection.
func NewRecorder(logger *zap.Logger, fs afero.Fs, crawlerName string, cfg config.ArtifactConfig, screens *Screenshotter, janitor *Janitor) *Recorder {
	r := &Recorder{
		logger:  logger.Named("diagnostics"),
		fs:      fs,
		dir:     cfg.Dir,
		crawler: crawlerName,
		screens: screens,
		janitor: janitor,
		now:     time.Now,
		pages:   make(map[string]*pageBuffers),
	}
	if cfg.Enabled {
		if err := ensureDir(fs, cfg.Dir); err != nil {
			r.logger.Warn("Diagnostics directory unavailable, snapshots disabled.", zap.String("dir", cfg.Dir), zap.Error(err))
		} else {
			r.enabled.Store(true)
		}
	}
	return r
}

// Enabled reports whether snapshots are written.
func (r *Recorder) Enabled() bool {
	return r != nil && r.enabled.Load()
}

// Cleanup starts the retention sweep once per process, in the background.
func (r *Recorder) Cleanup() {
	if r.janitor != nil {
		r.janitor.Trigger()
	}
}

// Attach starts collecting console and network events of page and
// auto-dismisses its JavaScript dialogs. Attaching a page twice is a no-op.
func (r *Recorder) Attach(page browser.Page) {
	id := page.ID()

	r.mu.Lock()
	if _, ok := r.pages[id]; ok {
		r.mu.Unlock()
		return
	}
	r.pages[id] = &pageBuffers{
		console: NewRing[ConsoleLogEntry](ConsoleCapacity),
		network: NewRing[*NetworkLogEntry](NetworkCapacity),
		pending: make(map[string]*NetworkLogEntry),
	}
	r.mu.Unlock()

	page.Listen(func(ev interface{}) {
		r.handleEvent(page, ev)
	})

	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()
	if err := page.Run(ctx, network.Enable(), runtime.Enable()); err != nil {
		r.logger.Debug("Failed to enable event domains.", zap.String("target_id", id), zap.Error(err))
	}

	go func() {
		<-page.Done()
		r.evict(id)
	}()
	r.logger.Debug("Attached to page.", zap.String("target_id", id))
}

func (r *Recorder) evict(id string) {
	r.logger.Debug("Dropping page logs.", zap.String("target_id", id))
	r.mu.Lock()
	delete(r.pages, id)
	r.mu.Unlock()
}

// Tracked reports whether logs are held for the page.
func (r *Recorder) Tracked(pageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pages[pageID]
	return ok
}

// ConsoleLogs returns the console history of a page, oldest first.
func (r *Recorder) ConsoleLogs(pageID string) []ConsoleLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.pages[pageID]
	if !ok {
		return nil
	}
	return b.console.Items()
}

// NetworkLogs returns copies of the network history of a page, oldest first.
func (r *Recorder) NetworkLogs(pageID string) []NetworkLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.pages[pageID]
	if !ok {
		return nil
	}
	items := b.network.Items()
	out := make([]NetworkLogEntry, len(items))
	for i, e := range items {
		out[i] = *e
	}
	return out
}

func (r *Recorder) handleEvent(page browser.Page, ev interface{}) {
	switch ev := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		r.handleConsole(page.ID(), ev)
	case *runtime.EventExceptionThrown:
		r.handleException(page.ID(), ev)
	case *network.EventRequestWillBeSent:
		r.handleRequest(page.ID(), ev)
	case *network.EventResponseReceived:
		r.handleResponse(page.ID(), ev)
	case *network.EventLoadingFinished:
		r.finishRequest(page.ID(), string(ev.RequestID), false, "")
	case *network.EventLoadingFailed:
		r.finishRequest(page.ID(), string(ev.RequestID), true, ev.ErrorText)
	case *cdppage.EventFrameNavigated:
		if ev.Frame != nil && ev.Frame.ParentID == "" {
			r.withBuffers(page.ID(), func(b *pageBuffers) {
				b.url = SanitizeURL(ev.Frame.URL)
			})
		}
	case *cdppage.EventJavascriptDialogOpening:
		// Handling the dialog is a CDP round trip and must not block the event loop.
		go r.dismissDialog(page, ev)
	}
}

func (r *Recorder) withBuffers(pageID string, fn func(b *pageBuffers)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.pages[pageID]; ok {
		fn(b)
	}
}

func (r *Recorder) dismissDialog(page browser.Page, ev *cdppage.EventJavascriptDialogOpening) {
	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()
	if err := page.Run(ctx, cdppage.HandleJavaScriptDialog(false)); err != nil {
		r.logger.Debug("Failed to dismiss dialog.", zap.String("target_id", page.ID()), zap.Error(err))
		return
	}
	r.logger.Info("Dismissed JavaScript dialog.",
		zap.String("target_id", page.ID()),
		zap.String("type", string(ev.Type)),
		zap.String("message", truncate(ev.Message, 200)),
	)
}

func (r *Recorder) handleConsole(pageID string, ev *runtime.EventConsoleAPICalled) {
	parts := make([]string, 0, len(ev.Args))
	for _, arg := range ev.Args {
		parts = append(parts, remoteObjectText(arg))
	}
	entry := ConsoleLogEntry{
		Type:      string(ev.Type),
		Text:      truncate(strings.Join(parts, " "), maxConsoleText),
		Location:  stackLocation(ev.StackTrace),
		Timestamp: r.now(),
	}
	r.withBuffers(pageID, func(b *pageBuffers) {
		entry.PageURL = b.url
		b.console.Push(entry)
	})
}

func (r *Recorder) handleException(pageID string, ev *runtime.EventExceptionThrown) {
	d := ev.ExceptionDetails
	if d == nil {
		return
	}
	text := d.Text
	if d.Exception != nil && d.Exception.Description != "" {
		text = d.Exception.Description
	}
	entry := ConsoleLogEntry{
		Type:      "pageerror",
		Text:      truncate(text, maxConsoleText),
		Location:  fmt.Sprintf("%s:%d:%d", SanitizeURL(d.URL), d.LineNumber, d.ColumnNumber),
		Timestamp: r.now(),
	}
	r.withBuffers(pageID, func(b *pageBuffers) {
		entry.PageURL = b.url
		b.console.Push(entry)
	})
}

func (r *Recorder) handleRequest(pageID string, ev *network.EventRequestWillBeSent) {
	if ev.Request == nil {
		return
	}
	entry := &NetworkLogEntry{
		requestID:      string(ev.RequestID),
		URL:            SanitizeURL(ev.Request.URL),
		Method:         ev.Request.Method,
		ResourceType:   string(ev.Type),
		Timing:         NetworkTiming{Start: r.now()},
		RequestHeaders: flattenHeaders(ev.Request.Headers),
	}
	now := entry.Timing.Start
	r.withBuffers(pageID, func(b *pageBuffers) {
		// A redirect reuses the request ID. The previous hop ends here with
		// the redirect response, and the newest hop becomes the pending one.
		if prev, ok := b.pending[entry.requestID]; ok && ev.RedirectResponse != nil {
			applyResponse(prev, ev.RedirectResponse)
			finish(prev, now, false, "")
		}
		if old, evicted := b.network.Push(entry); evicted && b.pending[old.requestID] == old {
			delete(b.pending, old.requestID)
		}
		b.pending[entry.requestID] = entry
	})
}

func applyResponse(e *NetworkLogEntry, resp *network.Response) {
	e.Status = resp.Status
	e.StatusText = resp.StatusText
	e.ResponseHeaders = flattenHeaders(resp.Headers)
}

func finish(e *NetworkLogEntry, end time.Time, failed bool, errorText string) {
	e.Timing.End = &end
	e.Timing.Duration = float64(end.Sub(e.Timing.Start)) / float64(time.Millisecond)
	e.Failed = failed
	e.ErrorText = errorText
}

func (r *Recorder) handleResponse(pageID string, ev *network.EventResponseReceived) {
	if ev.Response == nil {
		return
	}
	r.withBuffers(pageID, func(b *pageBuffers) {
		e, ok := b.pending[string(ev.RequestID)]
		if !ok {
			return
		}
		applyResponse(e, ev.Response)
	})
}

func (r *Recorder) finishRequest(pageID, requestID string, failed bool, errorText string) {
	end := r.now()
	r.withBuffers(pageID, func(b *pageBuffers) {
		e, ok := b.pending[requestID]
		if !ok {
			return
		}
		delete(b.pending, requestID)
		finish(e, end, failed, errorText)
	})
}

// remoteObjectText renders a console argument the way DevTools prints it.
func remoteObjectText(obj *runtime.RemoteObject) string {
	if obj == nil {
		return ""
	}
	if len(obj.Value) > 0 {
		raw := string(obj.Value)
		if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
			return raw[1 : len(raw)-1]
		}
		return raw
	}
	if obj.Description != "" {
		return obj.Description
	}
	if obj.UnserializableValue != "" {
		return string(obj.UnserializableValue)
	}
	return string(obj.Type)
}

func stackLocation(st *runtime.StackTrace) string {
	if st == nil || len(st.CallFrames) == 0 {
		return ""
	}
	f := st.CallFrames[0]
	return fmt.Sprintf("%s:%d:%d", SanitizeURL(f.URL), f.LineNumber, f.ColumnNumber)
}

// truncate keeps at most n characters of s.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	offset := 0
	for count := 0; offset < len(s) && count < n; count++ {
		_, size := utf8.DecodeRuneInString(s[offset:])
		offset += size
	}
	return s[:offset]
}
