package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"go/token"
	"path/filepath"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/rewardcrawl/internal/browser"
)

const (
	htmlTimeout     = 10 * time.Second
	pageInfoTimeout = 5 * time.Second
)

const storageScript = `(() => {
	const dump = (s) => {
		const out = {};
		try {
			for (let i = 0; i < s.length; i++) {
				const k = s.key(i);
				out[k] = String(s.getItem(k)).slice(0, 500);
			}
		} catch (e) {}
		return out;
	};
	return { local: dump(window.localStorage), session: dump(window.sessionStorage) };
})()`

// StackTracer is implemented by errors that carry the stack of their origin.
type StackTracer interface {
	StackTrace() string
}

// Failure describes the action whose failure triggered a snapshot.
type Failure struct {
	Method string
	// Kind is the caller's classification of Cause, used to name errors
	// that have no exported type of their own.
	Kind    string
	Cause   error
	Elapsed time.Duration
}

// CaptureSnapshot records the state of every open tab after an action failed
// and persists it as gzip JSON. It returns the written path, or "" when
// nothing was written. It never panics and never returns an error.
func (r *Recorder) CaptureSnapshot(ctx context.Context, sess browser.Session, page browser.Page, f Failure) (path string) {
	if !r.Enabled() {
		return ""
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Diagnostic capture panicked.", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			path = ""
		}
	}()

	start := r.now()
	snap := Snapshot{
		Timestamp:     start,
		Crawler:       r.crawler,
		MethodName:    f.Method,
		ExecutionTime: f.Elapsed.Milliseconds(),
		Error:         describeError(f.Cause, f.Kind),
	}

	var others []browser.Page
	var all []browser.Page
	if sess != nil {
		all = sess.Pages()
	}
	if page != nil && !containsPage(all, page) {
		all = append([]browser.Page{page}, all...)
	}
	for _, p := range all {
		if page != nil && p.ID() == page.ID() {
			continue
		}
		if !p.IsClosed() {
			others = append(others, p)
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		if page != nil {
			snap.MainPage = collectPageInfo(ctx, page, true)
		}
		return nil
	})
	otherInfo := make([]PageInfo, len(others))
	for i, p := range others {
		i, p := i, p
		g.Go(func() error {
			otherInfo[i] = collectPageInfo(ctx, p, false)
			return nil
		})
	}
	if r.screens != nil && sess != nil {
		g.Go(func() error {
			snap.Screenshots = r.screens.CaptureAll(ctx, sess, f.Method, TimingError)
			return nil
		})
	}
	_ = g.Wait()
	snap.OtherPages = otherInfo

	for _, p := range all {
		snap.Console = append(snap.Console, r.ConsoleLogs(p.ID())...)
		snap.Network = append(snap.Network, r.NetworkLogs(p.ID())...)
	}
	// Entries are redacted on the way in; this also covers anything added by other paths.
	for i := range snap.Network {
		snap.Network[i].RequestHeaders = RedactHeaders(snap.Network[i].RequestHeaders)
		snap.Network[i].ResponseHeaders = RedactHeaders(snap.Network[i].ResponseHeaders)
	}

	path = filepath.Join(r.dir, r.crawler, start.Format(dateLayout),
		fmt.Sprintf("%s_%s_error.json.gz", start.Format(timestampLayout), safeName(f.Method)))
	if err := writeGzipJSON(r.fs, path, snap); err != nil {
		r.logger.Warn("Failed to persist diagnostic snapshot.", zap.String("path", path), zap.Error(err))
		return ""
	}

	r.logger.Info("Diagnostic snapshot saved.",
		zap.String("path", path),
		zap.String("method", f.Method),
		zap.Int("other_pages", len(others)),
		zap.Int("console", len(snap.Console)),
		zap.Int("network", len(snap.Network)),
		zap.Duration("took", r.now().Sub(start)),
	)
	return path
}

func containsPage(pages []browser.Page, page browser.Page) bool {
	for _, p := range pages {
		if p.ID() == page.ID() {
			return true
		}
	}
	return false
}

// describeError keeps the full message and names the error after the first
// exported type in its chain, or after kind when the chain has none.
func describeError(err error, kind string) ErrorInfo {
	if err == nil {
		return ErrorInfo{Name: "unknown"}
	}
	name := errorTypeName(err)
	if name == "" {
		name = kind
	}
	if name == "" {
		name = "error"
	}
	info := ErrorInfo{
		Name:    name,
		Message: err.Error(),
	}
	var st StackTracer
	if errors.As(err, &st) {
		info.Stack = st.StackTrace()
	} else {
		info.Stack = fmt.Sprintf("%+v", err)
	}
	return info
}

// errorTypeName returns the package-qualified name of the first error in the
// chain whose type is exported, such as "cdproto.Error".
func errorTypeName(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if token.IsExported(t.Name()) {
			return t.String()
		}
	}
	return ""
}

// collectPageInfo reads each field independently; a failing read leaves the
// field empty and records why. full adds storage, cookies and the HTML dump.
func collectPageInfo(ctx context.Context, p browser.Page, full bool) PageInfo {
	info := PageInfo{TargetID: p.ID()}
	if p.IsClosed() {
		info.Errors = []string{browser.ErrPageClosed.Error()}
		return info
	}

	var mu sync.Mutex
	fail := func(field string, err error) {
		mu.Lock()
		defer mu.Unlock()
		info.Errors = append(info.Errors, fmt.Sprintf("%s: %v", field, err))
	}
	eval := func(field, expr string, res interface{}) {
		evalCtx, cancel := context.WithTimeout(ctx, pageInfoTimeout)
		defer cancel()
		if err := p.Evaluate(evalCtx, expr, res); err != nil {
			fail(field, err)
		}
	}

	var (
		url, title, ua string
		domSize        int
		storage        struct {
			Local   map[string]string `json:"local"`
			Session map[string]string `json:"session"`
		}
		cookies int
		html    string
	)

	var g errgroup.Group
	g.Go(func() error { eval("url", `window.location.href`, &url); return nil })
	g.Go(func() error { eval("title", `document.title`, &title); return nil })
	if full {
		g.Go(func() error { eval("domSize", `document.getElementsByTagName('*').length`, &domSize); return nil })
		g.Go(func() error { eval("userAgent", `navigator.userAgent`, &ua); return nil })
		g.Go(func() error { eval("storage", storageScript, &storage); return nil })
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, pageInfoTimeout)
			defer cancel()
			n, err := p.CookieCount(cctx)
			if err != nil {
				fail("cookies", err)
				return nil
			}
			cookies = n
			return nil
		})
		g.Go(func() error {
			hctx, cancel := context.WithTimeout(ctx, htmlTimeout)
			defer cancel()
			h, err := p.OuterHTML(hctx)
			if err != nil {
				fail("html", err)
				return nil
			}
			html = h
			return nil
		})
	}
	_ = g.Wait()

	info.URL = SanitizeURL(url)
	info.Title = title
	info.DOMSize = domSize
	info.UserAgent = ua
	info.LocalStorage = redactKeys(storage.Local)
	info.SessionStorage = redactKeys(storage.Session)
	info.CookieCount = cookies
	info.HTML = html
	return info
}
