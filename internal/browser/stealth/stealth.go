package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

//go:embed evasions.js
var evasionsScript string

// Persona defines the browser characteristics presented to visited sites.
type Persona struct {
	UserAgent           string
	Platform            string
	Languages           []string
	Timezone            string
	Locale              string
	HardwareConcurrency int
	DeviceMemory        int
	ColorDepth          int
	CanvasSeed          int
}

// DefaultPersona is applied when no user agent has been resolved yet.
var DefaultPersona = Persona{
	UserAgent:           "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	Languages:           []string{"en-US", "en"},
	HardwareConcurrency: 8,
	DeviceMemory:        8,
	ColorDepth:          24,
	CanvasSeed:          7,
}

// scriptOptions is the JSON shape consumed by evasions.js.
type scriptOptions struct {
	Languages           []string `json:"languages"`
	Platform            string   `json:"platform,omitempty"`
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	DeviceMemory        int      `json:"deviceMemory"`
	ColorDepth          int      `json:"colorDepth"`
	CanvasSeed          int      `json:"canvasSeed"`
}

// NormalizeUserAgent strips the headless marker so the reported product looks like desktop Chrome.
func NormalizeUserAgent(ua string) string {
	return strings.ReplaceAll(ua, "HeadlessChrome", "Chrome")
}

// Script renders the before-load evasion script for a persona.
func Script(p Persona) (string, error) {
	opts, err := json.Marshal(scriptOptions{
		Languages:           p.Languages,
		Platform:            p.Platform,
		HardwareConcurrency: p.HardwareConcurrency,
		DeviceMemory:        p.DeviceMemory,
		ColorDepth:          p.ColorDepth,
		CanvasSeed:          p.CanvasSeed,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode persona: %w", err)
	}
	return fmt.Sprintf("(%s)(%s);", strings.TrimSpace(evasionsScript), opts), nil
}

// Apply constructs the CDP actions that make a tab look like a normal,
// user-operated browser. It must run before the first navigation of the tab.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying browser stealth persona",
		zap.String("userAgent", p.UserAgent),
		zap.Strings("languages", p.Languages),
	)

	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			script, err := Script(p)
			if err != nil {
				return err
			}
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}

	if p.UserAgent != "" {
		override := emulation.SetUserAgentOverride(NormalizeUserAgent(p.UserAgent))
		if len(p.Languages) > 0 {
			override = override.WithAcceptLanguage(strings.Join(p.Languages, ","))
		}
		if p.Platform != "" {
			override = override.WithPlatform(p.Platform)
		}
		tasks = append(tasks, override)
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if len(p.Languages) > 0 {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": acceptLanguage(p.Languages),
		}))
	}
	return tasks
}

// acceptLanguage renders languages with descending quality values.
func acceptLanguage(langs []string) string {
	parts := make([]string, 0, len(langs))
	for i, l := range langs {
		if i == 0 {
			parts = append(parts, l)
			continue
		}
		q := 1.0 - float64(i)*0.1
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", l, q))
	}
	return strings.Join(parts, ",")
}
