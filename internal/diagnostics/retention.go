package diagnostics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rewardcrawl/internal/config"
)

// dateLayout names the per-day artifact directories.
const dateLayout = "2006-01-02"

// CleanupOldFiles walks <baseDir>/<provider>/<YYYY-MM-DD> and removes every
// date directory older than retentionDays, counted from local midnight of
// now. Provider directories left empty are pruned. A missing baseDir is not
// an error. It returns the number of date directories removed.
func CleanupOldFiles(fs afero.Fs, baseDir string, retentionDays int, now time.Time) (int, error) {
	if retentionDays <= 0 {
		retentionDays = config.DefaultRetentionDays
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	cutoff := midnight.AddDate(0, 0, -retentionDays)

	providers, err := afero.ReadDir(fs, baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list %s: %w", baseDir, err)
	}

	var errs []error
	removed := 0
	for _, provider := range providers {
		if !provider.IsDir() {
			continue
		}
		providerDir := filepath.Join(baseDir, provider.Name())
		days, err := afero.ReadDir(fs, providerDir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, day := range days {
			if !day.IsDir() {
				continue
			}
			date, err := time.ParseInLocation(dateLayout, day.Name(), now.Location())
			if err != nil {
				continue
			}
			if !date.Before(cutoff) {
				continue
			}
			if err := fs.RemoveAll(filepath.Join(providerDir, day.Name())); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}

		if left, err := afero.ReadDir(fs, providerDir); err == nil && len(left) == 0 {
			if err := fs.Remove(providerDir); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return removed, errors.Join(errs...)
}

// Janitor runs the retention sweep over both artifact trees. Trigger starts
// it at most once per Janitor; the process shares a single instance.
type Janitor struct {
	logger *zap.Logger
	fs     afero.Fs
	roots  []config.ArtifactConfig
	now    func() time.Time

	once sync.Once
	wg   sync.WaitGroup
}

// NewJanitor creates a Janitor for the screenshot and diagnostics roots.
func NewJanitor(logger *zap.Logger, fs afero.Fs, artifacts config.ArtifactsConfig) *Janitor {
	return &Janitor{
		logger: logger.Named("janitor"),
		fs:     fs,
		roots:  []config.ArtifactConfig{artifacts.Screenshot, artifacts.Diagnostics},
		now:    time.Now,
	}
}

// Trigger starts the sweep in the background the first time it is called.
func (j *Janitor) Trigger() {
	j.once.Do(func() {
		j.wg.Add(1)
		go func() {
			defer j.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					j.logger.Error("Retention sweep panicked.", zap.Any("panic", r))
				}
			}()
			_, _ = j.Run()
		}()
	})
}

// Wait blocks until a triggered sweep has finished.
func (j *Janitor) Wait() {
	j.wg.Wait()
}

// Run sweeps every enabled root synchronously and returns the total number
// of removed date directories.
func (j *Janitor) Run() (int, error) {
	total := 0
	var errs []error
	for _, root := range j.roots {
		if !root.Enabled || root.Dir == "" {
			continue
		}
		n, err := CleanupOldFiles(j.fs, root.Dir, root.RetentionDays, j.now())
		total += n
		if err != nil {
			j.logger.Warn("Retention sweep incomplete.", zap.String("dir", root.Dir), zap.Error(err))
			errs = append(errs, err)
		}
		if n > 0 {
			j.logger.Info("Removed expired artifact directories.",
				zap.String("dir", root.Dir),
				zap.Int("removed", n),
				zap.Int("retention_days", root.RetentionDays),
			)
		}
	}
	return total, errors.Join(errs...)
}
