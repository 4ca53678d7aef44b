// Package adwatch detects and dismisses the rewarded-ad overlay that reward
// sites show between and during actions.
package adwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/rewardcrawl/internal/browser"
	"github.com/xkilldash9x/rewardcrawl/internal/config"
)

// progressEvery is how many poll iterations pass between progress logs.
const progressEvery = 10

// Interceptor dismisses the overlay. Concurrent Handle calls for the same
// page share a single in-flight run.
type Interceptor struct {
	logger *zap.Logger
	cfg    config.AdWatchConfig
	group  singleflight.Group
}

// NewInterceptor creates an Interceptor for the configured selectors and timings.
func NewInterceptor(logger *zap.Logger, cfg config.AdWatchConfig) *Interceptor {
	return &Interceptor{
		logger: logger.Named("adwatch"),
		cfg:    cfg,
	}
}

// Handle waits briefly for the ad trigger and, when it shows up, clicks it
// and waits for the ad to finish. A missing trigger is the normal case and
// returns nil.
func (i *Interceptor) Handle(ctx context.Context, page browser.Page) error {
	_, err, shared := i.group.Do(page.ID(), func() (interface{}, error) {
		return nil, i.handle(ctx, page)
	})
	if shared {
		i.logger.Debug("Joined in-flight ad handler.", zap.String("target_id", page.ID()))
	}
	return err
}

func (i *Interceptor) handle(ctx context.Context, page browser.Page) error {
	if page.IsClosed() {
		return nil
	}
	if !page.WaitPresent(ctx, i.cfg.TriggerSelector, i.cfg.TriggerWait) {
		return nil
	}

	logger := i.logger.With(zap.String("target_id", page.ID()))
	logger.Info("Rewarded ad trigger found, starting ad.")
	recordTrigger()

	if err := page.ClickDOM(ctx, i.cfg.TriggerSelector); err != nil {
		recordOutcome(outcomeFailed)
		return fmt.Errorf("failed to click ad trigger: %w", err)
	}

	outcome, err := i.waitForAd(ctx, page, logger)
	recordOutcome(outcome)
	if err != nil {
		return err
	}

	if err := sleepCtx(ctx, i.cfg.SettleDelay); err != nil {
		return err
	}
	return nil
}

// waitForAd polls until the modal is gone, a close control can be clicked,
// or MaxWait passes. Running out of time is logged, not returned.
func (i *Interceptor) waitForAd(ctx context.Context, page browser.Page, logger *zap.Logger) (string, error) {
	start := time.Now()
	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(i.cfg.MaxWait)
	defer deadline.Stop()

	for iteration := 1; ; iteration++ {
		select {
		case <-ctx.Done():
			return outcomeFailed, ctx.Err()
		case <-page.Done():
			return outcomeFailed, browser.ErrPageClosed
		case <-deadline.C:
			logger.Warn("Rewarded ad did not finish in time, continuing.", zap.Duration("max_wait", i.cfg.MaxWait))
			return outcomeTimeout, nil
		case <-ticker.C:
		}

		if i.cfg.CloseSelector != "" {
			if found, err := page.Exists(ctx, i.cfg.CloseSelector); err == nil && found {
				if err := page.ClickDOM(ctx, i.cfg.CloseSelector); err != nil {
					logger.Debug("Close control vanished before click.", zap.Error(err))
				} else {
					logger.Info("Rewarded ad closed.", zap.Duration("elapsed", time.Since(start)))
					return outcomeClosed, nil
				}
			}
		}

		if i.cfg.ModalSelector != "" {
			if found, err := page.Exists(ctx, i.cfg.ModalSelector); err == nil && !found {
				logger.Info("Rewarded ad finished.", zap.Duration("elapsed", time.Since(start)))
				return outcomeGone, nil
			} else if errors.Is(err, browser.ErrPageClosed) {
				return outcomeFailed, err
			}
		}

		if iteration%progressEvery == 0 {
			logger.Info("Still waiting for rewarded ad.", zap.Duration("elapsed", time.Since(start)))
		}
	}
}

// Monitor checks for the trigger every MonitorInterval in the background and
// runs Handle inline when it appears. It stops when the page closes, ctx is
// canceled, or the returned cancel is called. cancel is idempotent and
// returns only after the background goroutine has exited.
func (i *Interceptor) Monitor(ctx context.Context, page browser.Page) (cancel func()) {
	mctx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(i.cfg.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-mctx.Done():
				return
			case <-page.Done():
				return
			case <-ticker.C:
			}
			found, err := page.Exists(mctx, i.cfg.TriggerSelector)
			if err != nil || !found {
				continue
			}
			i.logger.Debug("Ad trigger spotted during action.", zap.String("target_id", page.ID()))
			if err := i.Handle(mctx, page); err != nil && mctx.Err() == nil {
				i.logger.Warn("Background ad handling failed.", zap.String("target_id", page.ID()), zap.Error(err))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			wg.Wait()
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
