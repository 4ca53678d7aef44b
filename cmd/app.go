package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rewardcrawl/internal/browser"
	"github.com/xkilldash9x/rewardcrawl/internal/config"
	"github.com/xkilldash9x/rewardcrawl/internal/crawler"
	"github.com/xkilldash9x/rewardcrawl/internal/diagnostics"
	"github.com/xkilldash9x/rewardcrawl/internal/observability"
	"github.com/xkilldash9x/rewardcrawl/internal/sites/generic"
)

// Injection points for tests.
var (
	newProvider = func(logger *zap.Logger, cfg *config.Config) browser.Provider {
		return browser.NewManager(logger, cfg.Browser)
	}
	newFs = afero.NewOsFs
)

// app holds the process-wide components shared by every crawl.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	fs       afero.Fs
	registry *crawler.Registry
	provider browser.Provider
	janitor  *diagnostics.Janitor
	notifier crawler.Notifier
}

func newApp(cfg *config.Config) (*app, error) {
	logger := observability.GetLogger()
	fs := newFs()

	registry := crawler.NewRegistry()
	if err := generic.RegisterAll(registry, cfg, logger); err != nil {
		return nil, fmt.Errorf("failed to register sites: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		fs:       fs,
		registry: registry,
		provider: newProvider(logger, cfg),
		// One janitor per process: the retention sweep runs at most once.
		janitor:  diagnostics.NewJanitor(logger, fs, cfg.Artifacts),
		notifier: crawler.NewLogNotifier(logger),
	}, nil
}

func (a *app) runner(name string) (*crawler.Runner, crawler.Site, error) {
	site, err := a.registry.Get(name)
	if err != nil {
		return nil, nil, err
	}
	r, err := crawler.NewRunner(crawler.Deps{
		Config:   a.cfg,
		Logger:   a.logger,
		Browser:  a.provider,
		Fs:       a.fs,
		Janitor:  a.janitor,
		Notifier: a.notifier,
	}, site)
	if err != nil {
		return nil, nil, err
	}
	return r, site, nil
}

// runSite performs one full crawl of the named site.
func (a *app) runSite(ctx context.Context, name string) error {
	r, _, err := a.runner(name)
	if err != nil {
		return err
	}
	return r.Run(ctx, nil)
}

// resolveSites expands the requested names, or every site when none are given.
func (a *app) resolveSites(names []string) ([]string, error) {
	if len(names) == 0 {
		all := a.registry.Names()
		if len(all) == 0 {
			return nil, fmt.Errorf("no sites configured")
		}
		return all, nil
	}
	for _, n := range names {
		if _, err := a.registry.Get(n); err != nil {
			return nil, err
		}
	}
	return names, nil
}

// close waits for a background retention sweep so it is not cut short.
func (a *app) close() {
	a.janitor.Wait()
}
