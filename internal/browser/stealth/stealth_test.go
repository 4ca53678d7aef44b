package stealth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNormalizeUserAgent(t *testing.T) {
	headless := "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/126.0.0.0 Safari/537.36"
	got := NormalizeUserAgent(headless)
	assert.NotContains(t, got, "Headless")
	assert.Contains(t, got, "Chrome/126.0.0.0")

	desktop := DefaultPersona.UserAgent
	assert.Equal(t, desktop, NormalizeUserAgent(desktop))
}

func TestScript(t *testing.T) {
	script, err := Script(DefaultPersona)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(script, "((opts) =>"), "script should be an immediately invoked function")
	assert.True(t, strings.HasSuffix(script, ");"))
	assert.Contains(t, script, `"languages":["en-US","en"]`)
	assert.Contains(t, script, `"hardwareConcurrency":8`)

	for _, marker := range []string{"webdriver", "window.chrome", "plugins", "permissions", "toDataURL", "deviceMemory", "colorDepth"} {
		assert.Contains(t, script, marker)
	}
}

func TestApply(t *testing.T) {
	t.Run("full persona", func(t *testing.T) {
		core, logs := observer.New(zap.DebugLevel)
		p := DefaultPersona
		p.Timezone = "Asia/Tokyo"
		p.Locale = "ja-JP"

		tasks := Apply(p, zap.New(core))
		// script, user agent, timezone, locale, headers
		assert.Len(t, tasks, 5)
		require.Equal(t, 1, logs.Len())
		assert.Equal(t, "Applying browser stealth persona", logs.All()[0].Message)
	})

	t.Run("minimal persona", func(t *testing.T) {
		tasks := Apply(Persona{}, zap.NewNop())
		assert.Len(t, tasks, 1, "only the evasion script is injected")
	})
}

func TestAcceptLanguage(t *testing.T) {
	assert.Equal(t, "en-US", acceptLanguage([]string{"en-US"}))
	assert.Equal(t, "en-US,en;q=0.9,ja;q=0.8", acceptLanguage([]string{"en-US", "en", "ja"}))
}
