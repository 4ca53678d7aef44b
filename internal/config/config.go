// File: internal/config/config.go
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// DefaultRetentionDays is used whenever a configured retention value is missing or invalid.
const DefaultRetentionDays = 7

// retentionKeys lists every retention setting that gets the numeric fallback treatment.
var retentionKeys = []string{
	"artifacts.screenshot.retention_days",
	"artifacts.diagnostics.retention_days",
}

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts" yaml:"artifacts"`
	Crawl     CrawlConfig     `mapstructure:"crawl" yaml:"crawl"`
	AdWatch   AdWatchConfig   `mapstructure:"adwatch" yaml:"adwatch"`
	Schedule  ScheduleConfig  `mapstructure:"schedule" yaml:"schedule"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Sites     []SiteConfig    `mapstructure:"sites" yaml:"sites"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chrome instance owned by a session.
type BrowserConfig struct {
	Headless bool   `mapstructure:"headless" yaml:"headless"`
	ExecPath string `mapstructure:"exec_path" yaml:"exec_path"`
	// ProfileDir is the root under which each crawler gets its own user data directory.
	ProfileDir        string         `mapstructure:"profile_dir" yaml:"profile_dir"`
	Viewport          ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	UserAgent         string         `mapstructure:"user_agent" yaml:"user_agent"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	CloseTimeout      time.Duration  `mapstructure:"close_timeout" yaml:"close_timeout"`
	Args              []string       `mapstructure:"args" yaml:"args"`
}

// ViewportConfig is the fixed window size of every session.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// ArtifactsConfig groups the screenshot, diagnostics and point-log toggles.
type ArtifactsConfig struct {
	Screenshot  ArtifactConfig `mapstructure:"screenshot" yaml:"screenshot"`
	Diagnostics ArtifactConfig `mapstructure:"diagnostics" yaml:"diagnostics"`
	PointLog    PointLogConfig `mapstructure:"point_log" yaml:"point_log"`
}

// ArtifactConfig configures one on-disk artifact tree.
type ArtifactConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir           string `mapstructure:"dir" yaml:"dir"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days"`
}

// PointLogConfig toggles before/after point reads around every action.
type PointLogConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// CrawlConfig tunes the crawl state machine and the action executor.
type CrawlConfig struct {
	LoginEnabled bool `mapstructure:"login_enabled" yaml:"login_enabled"`
	// AllowedActions restricts execution to the named actions. Empty means all.
	AllowedActions   []string      `mapstructure:"allowed_actions" yaml:"allowed_actions"`
	ChallengeTimeout time.Duration `mapstructure:"challenge_timeout" yaml:"challenge_timeout"`
	ReloadTimeout    time.Duration `mapstructure:"reload_timeout" yaml:"reload_timeout"`
}

// AdWatchConfig describes the rewarded-ad overlay and how long to wait on it.
type AdWatchConfig struct {
	TriggerSelector string        `mapstructure:"trigger_selector" yaml:"trigger_selector"`
	ModalSelector   string        `mapstructure:"modal_selector" yaml:"modal_selector"`
	CloseSelector   string        `mapstructure:"close_selector" yaml:"close_selector"`
	TriggerWait     time.Duration `mapstructure:"trigger_wait" yaml:"trigger_wait"`
	MaxWait         time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	SettleDelay     time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval"`
}

// ScheduleConfig configures recurring runs.
type ScheduleConfig struct {
	Cron    string        `mapstructure:"cron" yaml:"cron"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MetricsConfig controls the Prometheus endpoint served by long-running commands.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// SiteConfig is the declarative description of a generic reward site.
type SiteConfig struct {
	Name              string         `mapstructure:"name" yaml:"name"`
	Schedule          string         `mapstructure:"schedule" yaml:"schedule"`
	StartURL          string         `mapstructure:"start_url" yaml:"start_url"`
	LoginURL          string         `mapstructure:"login_url" yaml:"login_url"`
	LoggedInSelector  string         `mapstructure:"logged_in_selector" yaml:"logged_in_selector"`
	LoginTimeout      time.Duration  `mapstructure:"login_timeout" yaml:"login_timeout"`
	PointSelector     string         `mapstructure:"point_selector" yaml:"point_selector"`
	ChallengeSelector string         `mapstructure:"challenge_selector" yaml:"challenge_selector"`
	Actions           []ActionConfig `mapstructure:"actions" yaml:"actions"`
}

// ActionConfig is one named step of a generic site.
type ActionConfig struct {
	Name         string        `mapstructure:"name" yaml:"name"`
	URL          string        `mapstructure:"url" yaml:"url"`
	Clicks       []string      `mapstructure:"clicks" yaml:"clicks"`
	WaitSelector string        `mapstructure:"wait_selector" yaml:"wait_selector"`
	Settle       time.Duration `mapstructure:"settle" yaml:"settle"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "rewardcrawl")
	v.SetDefault("logger.log_file", "rewardcrawl.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.profile_dir", "~/.rewardcrawl/profiles")
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 800)
	v.SetDefault("browser.navigation_timeout", "120s")
	v.SetDefault("browser.close_timeout", "120s")

	// -- Artifacts --
	v.SetDefault("artifacts.screenshot.enabled", true)
	v.SetDefault("artifacts.screenshot.dir", "screenshots")
	v.SetDefault("artifacts.screenshot.retention_days", DefaultRetentionDays)
	v.SetDefault("artifacts.diagnostics.enabled", true)
	v.SetDefault("artifacts.diagnostics.dir", "diagnostics")
	v.SetDefault("artifacts.diagnostics.retention_days", DefaultRetentionDays)
	v.SetDefault("artifacts.point_log.enabled", false)

	// -- Crawl --
	v.SetDefault("crawl.login_enabled", true)
	v.SetDefault("crawl.challenge_timeout", "60s")
	v.SetDefault("crawl.reload_timeout", "30s")

	// -- Ad Watch --
	v.SetDefault("adwatch.trigger_selector", "[data-rewarded-ad-trigger], .rewarded-ad-trigger")
	v.SetDefault("adwatch.modal_selector", "[data-rewarded-ad-modal], .rewarded-ad-modal")
	v.SetDefault("adwatch.close_selector", "[data-rewarded-ad-close], .rewarded-ad-close")
	v.SetDefault("adwatch.trigger_wait", "4s")
	v.SetDefault("adwatch.max_wait", "60s")
	v.SetDefault("adwatch.poll_interval", "1s")
	v.SetDefault("adwatch.settle_delay", "2s")
	v.SetDefault("adwatch.monitor_interval", "5s")

	// -- Schedule --
	v.SetDefault("schedule.cron", "0 7 * * *")
	v.SetDefault("schedule.timeout", "45m")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", "127.0.0.1:9464")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The user agent can also come from the conventional, unprefixed variable.
	_ = v.BindEnv("browser.user_agent", "REWARDCRAWL_BROWSER_USER_AGENT", "USER_AGENT")

	normalizeRetention(v)

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ParseRetentionDays converts a raw retention setting into a day count.
// Anything that is not a positive integer yields DefaultRetentionDays.
func ParseRetentionDays(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return DefaultRetentionDays
	}
	return n
}

// normalizeRetention rewrites retention keys in place so that a malformed
// value falls back to the default instead of failing the whole unmarshal.
func normalizeRetention(v *viper.Viper) {
	for _, key := range retentionKeys {
		v.Set(key, ParseRetentionDays(v.GetString(key)))
	}
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Browser.ProfileDir,
		&c.Artifacts.Screenshot.Dir,
		&c.Artifacts.Diagnostics.Dir,
		&c.Logger.LogFile,
	} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Browser.Viewport.Width <= 0 || c.Browser.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport width and height must be positive")
	}
	if c.Browser.ProfileDir == "" {
		return fmt.Errorf("browser.profile_dir is required")
	}
	if c.Browser.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be a positive duration")
	}
	if c.Browser.CloseTimeout <= 0 {
		return fmt.Errorf("browser.close_timeout must be a positive duration")
	}
	if err := c.AdWatch.Validate(); err != nil {
		return fmt.Errorf("adwatch configuration invalid: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Sites))
	for i := range c.Sites {
		s := &c.Sites[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sites[%d] invalid: %w", i, err)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("sites[%d]: duplicate site name %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// Validate checks the ad watch timings.
func (a *AdWatchConfig) Validate() error {
	if a.TriggerSelector == "" {
		return fmt.Errorf("trigger_selector is required")
	}
	if a.PollInterval <= 0 || a.MonitorInterval <= 0 {
		return fmt.Errorf("poll_interval and monitor_interval must be positive durations")
	}
	if a.MaxWait < a.PollInterval {
		return fmt.Errorf("max_wait must be at least poll_interval")
	}
	return nil
}

// Validate checks a single site definition.
func (s *SiteConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.StartURL == "" {
		return fmt.Errorf("start_url is required for site %q", s.Name)
	}
	for j, a := range s.Actions {
		if a.Name == "" {
			return fmt.Errorf("actions[%d] of site %q has no name", j, s.Name)
		}
	}
	return nil
}

// Site looks up a site definition by name.
func (c *Config) Site(name string) (SiteConfig, bool) {
	for _, s := range c.Sites {
		if s.Name == name {
			return s, true
		}
	}
	return SiteConfig{}, false
}
