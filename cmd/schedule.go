package cmd

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rewardcrawl/internal/config"
	"github.com/xkilldash9x/rewardcrawl/internal/scheduler"
)

// schedulerStopTimeout leaves room for one browser close plus its kill fallback.
const schedulerStopTimeout = 3 * time.Minute

func newScheduleCmd() *cobra.Command {
	var now bool
	cmd := &cobra.Command{
		Use:   "schedule [sites...]",
		Short: "Run crawls on their cron schedules until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			names, err := a.resolveSites(args)
			if err != nil {
				return err
			}
			return runSchedule(cmd.Context(), a, names, now)
		},
	}
	cmd.Flags().BoolVar(&now, "now", false, "run every site once immediately after starting")
	return cmd
}

func runSchedule(ctx context.Context, a *app, names []string, now bool) error {
	s := scheduler.New(a.logger, a.runSite, a.cfg.Schedule.Timeout)
	for _, name := range names {
		if err := s.Add(name, scheduleFor(a.cfg, name)); err != nil {
			return err
		}
	}

	if a.cfg.Metrics.Enabled {
		srv := startMetricsServer(a.logger, a.cfg.Metrics.ListenAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	s.Start()
	for _, e := range s.Entries() {
		a.logger.Info("Next run.", zap.String("site", e.Site), zap.Time("at", e.Next))
	}

	var wg sync.WaitGroup
	if now {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, name := range names {
				s.RunNow(name)
			}
		}()
	}

	<-ctx.Done()
	a.logger.Info("Shutting down scheduler.")
	stopCtx, cancel := context.WithTimeout(context.Background(), schedulerStopTimeout)
	defer cancel()
	err := s.Stop(stopCtx)
	wg.Wait()
	return err
}

// scheduleFor returns the site's own cron spec or the global default.
func scheduleFor(cfg *config.Config, name string) string {
	if sc, ok := cfg.Site(name); ok && sc.Schedule != "" {
		return sc.Schedule
	}
	return cfg.Schedule.Cron
}

func startMetricsServer(logger *zap.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Serving metrics.", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed.", zap.Error(err))
		}
	}()
	return srv
}
