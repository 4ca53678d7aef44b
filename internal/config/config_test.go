// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.False(t, cfg.Browser.Headless, "sessions are headful by default")
	assert.Equal(t, 120*time.Second, cfg.Browser.NavigationTimeout)
	assert.Equal(t, 120*time.Second, cfg.Browser.CloseTimeout)
	assert.Equal(t, 1280, cfg.Browser.Viewport.Width)
	assert.True(t, cfg.Artifacts.Screenshot.Enabled)
	assert.Equal(t, DefaultRetentionDays, cfg.Artifacts.Screenshot.RetentionDays)
	assert.Equal(t, DefaultRetentionDays, cfg.Artifacts.Diagnostics.RetentionDays)
	assert.False(t, cfg.Artifacts.PointLog.Enabled)
	assert.True(t, cfg.Crawl.LoginEnabled)
	assert.Equal(t, 60*time.Second, cfg.Crawl.ChallengeTimeout)
	assert.Equal(t, 30*time.Second, cfg.Crawl.ReloadTimeout)
	assert.Equal(t, 5*time.Second, cfg.AdWatch.MonitorInterval)
	assert.Equal(t, 60*time.Second, cfg.AdWatch.MaxWait)
}

func TestParseRetentionDays(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"14", 14},
		{" 3 ", 3},
		{"", DefaultRetentionDays},
		{"abc", DefaultRetentionDays},
		{"0", DefaultRetentionDays},
		{"-2", DefaultRetentionDays},
		{"7.5", DefaultRetentionDays},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRetentionDays(tt.raw))
		})
	}
}

// -- Loading Tests --

func newViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(yaml)))
	return v
}

func TestNewConfigFromViper_InvalidRetentionFallsBack(t *testing.T) {
	v := newViper(t, `
artifacts:
  screenshot:
    retention_days: "not-a-number"
  diagnostics:
    retention_days: 3
`)
	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, DefaultRetentionDays, cfg.Artifacts.Screenshot.RetentionDays)
	assert.Equal(t, 3, cfg.Artifacts.Diagnostics.RetentionDays)
}

func TestNewConfigFromViper_UserAgentFromEnv(t *testing.T) {
	t.Setenv("USER_AGENT", "Mozilla/5.0 Custom")
	v := newViper(t, "{}")
	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "Mozilla/5.0 Custom", cfg.Browser.UserAgent)
}

func TestNewConfigFromViper_Sites(t *testing.T) {
	v := newViper(t, `
sites:
  - name: example
    start_url: https://example.com
    point_selector: "#points"
    actions:
      - name: daily
        url: https://example.com/daily
        clicks: ["#claim"]
        settle: 2s
`)
	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	require.Len(t, cfg.Sites, 1)

	site, ok := cfg.Site("example")
	require.True(t, ok)
	require.Len(t, site.Actions, 1)
	assert.Equal(t, []string{"#claim"}, site.Actions[0].Clicks)
	assert.Equal(t, 2*time.Second, site.Actions[0].Settle)

	_, ok = cfg.Site("missing")
	assert.False(t, ok)
}

func TestNewConfigFromViper_ExpandsHome(t *testing.T) {
	v := newViper(t, "{}")
	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.NotContains(t, cfg.Browser.ProfileDir, "~")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Valid Defaults", func(t *testing.T) {
		cfg := NewDefaultConfig()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("Zero Viewport", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Browser.Viewport.Height = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "viewport")
	})

	t.Run("AdWatch Max Wait", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.AdWatch.MaxWait = time.Millisecond
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_wait")
	})

	t.Run("Duplicate Sites", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Sites = []SiteConfig{
			{Name: "a", StartURL: "https://a.example"},
			{Name: "a", StartURL: "https://b.example"},
		}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate site name")
	})

	t.Run("Unnamed Action", func(t *testing.T) {
		s := SiteConfig{Name: "a", StartURL: "https://a.example", Actions: []ActionConfig{{URL: "x"}}}
		assert.Error(t, s.Validate())
	})
}
