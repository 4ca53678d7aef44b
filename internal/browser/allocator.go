// internal/browser/allocator.go
package browser

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/rewardcrawl/internal/config"
)

// buildFlags resolves the Chrome command line for a session. A false value
// removes a flag that chromedp would otherwise pass by default.
func buildFlags(cfg config.BrowserConfig, userDataDir string) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":                            cfg.Headless,
		"enable-automation":                   false,
		"disable-blink-features":              "AutomationControlled",
		"disable-infobars":                    true,
		"no-first-run":                        true,
		"no-default-browser-check":            true,
		"disable-popup-blocking":              true,
		"password-store":                      "basic",
		"window-size":                         fmt.Sprintf("%d,%d", cfg.Viewport.Width, cfg.Viewport.Height),
		"user-data-dir":                       userDataDir,
		"disable-gpu":                         cfg.Headless,
		"hide-scrollbars":                     cfg.Headless,
		"mute-audio":                          true,
		"disable-features":                    "Translate,site-per-process",
		"disable-background-timer-throttling": true,
	}

	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}

	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}
	return flags
}

// AllocatorOptions turns the session flags into chromedp exec allocator options.
func AllocatorOptions(cfg config.BrowserConfig, userDataDir string) []chromedp.ExecAllocatorOption {
	flags := buildFlags(cfg, userDataDir)

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}

	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}
