package adwatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/rewardcrawl/internal/browser"
	"github.com/xkilldash9x/rewardcrawl/internal/browser/browsertest"
	"github.com/xkilldash9x/rewardcrawl/internal/config"
)

const (
	trigger = "#ad-trigger"
	modal   = "#ad-modal"
	closer  = "#ad-close"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastConfig() config.AdWatchConfig {
	return config.AdWatchConfig{
		TriggerSelector: trigger,
		ModalSelector:   modal,
		CloseSelector:   closer,
		TriggerWait:     50 * time.Millisecond,
		MaxWait:         300 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		SettleDelay:     5 * time.Millisecond,
		MonitorInterval: 10 * time.Millisecond,
	}
}

func TestHandle_NoTriggerIsSilent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	i := NewInterceptor(zap.New(core), fastConfig())
	page := browsertest.NewFakePage("T1")

	require.NoError(t, i.Handle(context.Background(), page))
	assert.Empty(t, page.Clicks())
	assert.Zero(t, logs.Len(), "absence of the trigger is not logged")
}

func TestHandle_ClosedPage(t *testing.T) {
	i := NewInterceptor(zaptest.NewLogger(t), fastConfig())
	page := browsertest.NewFakePage("T1")
	page.Close()
	assert.NoError(t, i.Handle(context.Background(), page))
}

func TestHandle_ModalDisappears(t *testing.T) {
	i := NewInterceptor(zaptest.NewLogger(t), fastConfig())
	page := browsertest.NewFakePage("T1")
	page.SetPresent(trigger, true)
	page.SetPresent(modal, true)
	page.OnClick = func(sel string) {
		if sel != trigger {
			return
		}
		page.SetPresent(trigger, false)
		go func() {
			time.Sleep(30 * time.Millisecond)
			page.SetPresent(modal, false)
		}()
	}

	require.NoError(t, i.Handle(context.Background(), page))
	assert.Equal(t, []string{trigger}, page.Clicks())
}

func TestHandle_ClickCloseControl(t *testing.T) {
	i := NewInterceptor(zaptest.NewLogger(t), fastConfig())
	page := browsertest.NewFakePage("T1")
	page.SetPresent(trigger, true)
	page.SetPresent(modal, true)
	page.OnClick = func(sel string) {
		switch sel {
		case trigger:
			page.SetPresent(closer, true)
		case closer:
			page.SetPresent(modal, false)
		}
	}

	require.NoError(t, i.Handle(context.Background(), page))
	assert.Equal(t, []string{trigger, closer}, page.Clicks())
}

func TestHandle_TimeoutIsBenign(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cfg := fastConfig()
	cfg.MaxWait = 150 * time.Millisecond
	i := NewInterceptor(zap.New(core), cfg)
	page := browsertest.NewFakePage("T1")
	page.SetPresent(trigger, true)
	page.SetPresent(modal, true)

	start := time.Now()
	require.NoError(t, i.Handle(context.Background(), page))
	assert.GreaterOrEqual(t, time.Since(start), cfg.MaxWait)
	assert.Equal(t, 1, logs.FilterMessage("Rewarded ad did not finish in time, continuing.").Len())
	assert.NotZero(t, logs.FilterMessage("Still waiting for rewarded ad.").Len(), "progress is logged every 10 polls")
}

func TestHandle_PageClosedWhileWaiting(t *testing.T) {
	i := NewInterceptor(zaptest.NewLogger(t), fastConfig())
	page := browsertest.NewFakePage("T1")
	page.SetPresent(trigger, true)
	page.SetPresent(modal, true)
	page.OnClick = func(string) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			page.Close()
		}()
	}

	assert.ErrorIs(t, i.Handle(context.Background(), page), browser.ErrPageClosed)
}

func TestHandle_ConcurrentCallsCollapse(t *testing.T) {
	i := NewInterceptor(zaptest.NewLogger(t), fastConfig())
	page := browsertest.NewFakePage("T1")
	page.SetPresent(trigger, true)
	page.SetPresent(modal, true)
	var triggerClicks atomic.Int32
	page.OnClick = func(sel string) {
		if sel != trigger {
			return
		}
		triggerClicks.Add(1)
		page.SetPresent(trigger, false)
		go func() {
			time.Sleep(50 * time.Millisecond)
			page.SetPresent(modal, false)
		}()
	}

	var wg sync.WaitGroup
	for n := 0; n < 5; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, i.Handle(context.Background(), page))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), triggerClicks.Load())
}

func TestMonitor_HandlesTriggerDuringAction(t *testing.T) {
	i := NewInterceptor(zaptest.NewLogger(t), fastConfig())
	page := browsertest.NewFakePage("T1")
	page.SetPresent(modal, true)
	handled := make(chan struct{})
	page.OnClick = func(sel string) {
		if sel == trigger {
			page.SetPresent(trigger, false)
			page.SetPresent(modal, false)
			close(handled)
		}
	}

	cancel := i.Monitor(context.Background(), page)
	defer cancel()

	time.Sleep(30 * time.Millisecond)
	page.SetPresent(trigger, true)

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not handle the ad")
	}
}

func TestMonitor_CancelIsIdempotentAndWaits(t *testing.T) {
	i := NewInterceptor(zaptest.NewLogger(t), fastConfig())
	page := browsertest.NewFakePage("T1")

	cancel := i.Monitor(context.Background(), page)
	cancel()
	cancel()
	// goleak in TestMain proves the goroutine is gone once cancel returned.
}

func TestMonitor_StopsOnPageClose(t *testing.T) {
	i := NewInterceptor(zaptest.NewLogger(t), fastConfig())
	page := browsertest.NewFakePage("T1")
	cancel := i.Monitor(context.Background(), page)
	page.Close()

	done := make(chan struct{})
	go func() {
		cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after page close")
	}
}

func TestMonitor_StopsOnContextCancel(t *testing.T) {
	i := NewInterceptor(zaptest.NewLogger(t), fastConfig())
	ctx, cancelCtx := context.WithCancel(context.Background())
	cancel := i.Monitor(ctx, browsertest.NewFakePage("T1"))
	cancelCtx()
	cancel()
}
