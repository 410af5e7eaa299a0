package config

import (
	"strings"
	"testing"
	"time"

	"github.com/adamancini/kioskd/internal/types"
)

func TestApplyValidFields(t *testing.T) {
	doc := map[string]interface{}{
		"github": map[string]interface{}{
			"owner":      "kiosk-org",
			"repository": "display.app",
			"apiUrl":     "https://ghe.example.com/",
		},
		"update": map[string]interface{}{
			"enabled":            false,
			"checkInterval":      "30m",
			"updateScript":       "scripts/update.sh",
			"backupBeforeUpdate": false,
			"updateTimeout":      int64(600000),
		},
		"version": map[string]interface{}{
			"filePath":      "data/VERSION",
			"format":        "semantic",
			"fallbackValue": "0.0.0",
		},
		"security": map[string]interface{}{
			"validateVersionStrings": false,
			"maxVersionLength":       float64(64),
		},
		"server": map[string]interface{}{
			"listen":             ":9090",
			"testMode":           true,
			"exposeErrorDetails": true,
		},
		"logging": map[string]interface{}{
			"level": "DEBUG",
			"file":  "logs/kioskd.log",
		},
	}

	cfg := Default()
	problems := Apply(cfg, doc)
	if len(problems) != 0 {
		t.Fatalf("Apply() problems = %v", problems)
	}

	if cfg.GitHub.APIURL != "https://ghe.example.com" {
		t.Errorf("APIURL = %s, want trailing slash trimmed", cfg.GitHub.APIURL)
	}
	if cfg.Update.Enabled {
		t.Error("Enabled should be false")
	}
	if cfg.Update.CheckInterval != 30*time.Minute {
		t.Errorf("CheckInterval = %s, want 30m", cfg.Update.CheckInterval)
	}
	if cfg.Update.UpdateTimeout != 10*time.Minute {
		t.Errorf("UpdateTimeout = %s, want 10m from milliseconds", cfg.Update.UpdateTimeout)
	}
	if cfg.Version.Format != types.FormatSemantic {
		t.Errorf("Format = %s, want semantic", cfg.Version.Format)
	}
	if cfg.Security.MaxVersionLength != 64 {
		t.Errorf("MaxVersionLength = %d, want 64", cfg.Security.MaxVersionLength)
	}
	if cfg.Server.Listen != ":9090" || !cfg.Server.TestMode || !cfg.Server.ExposeErrorDetails {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %s, want debug", cfg.Logging.Level)
	}
}

func TestApplyInvalidFieldKeepsDefault(t *testing.T) {
	tests := []struct {
		name    string
		section string
		key     string
		value   interface{}
		check   func(*Config) bool
	}{
		{"owner with slash", "github", "owner", "evil/owner", func(c *Config) bool { return c.GitHub.Owner == "adamancini" }},
		{"owner traversal", "github", "repository", "..", func(c *Config) bool { return c.GitHub.Repository == "kioskd" }},
		{"plain http api", "github", "apiUrl", "http://api.github.com", func(c *Config) bool { return c.GitHub.APIURL == Default().GitHub.APIURL }},
		{"api with path", "github", "apiUrl", "https://example.com/api", func(c *Config) bool { return c.GitHub.APIURL == Default().GitHub.APIURL }},
		{"cache too short", "github", "rateLimitCacheTimeout", "1s", func(c *Config) bool { return c.GitHub.RateLimitCacheTimeout == 5*time.Minute }},
		{"bad duration", "update", "checkInterval", "soon", func(c *Config) bool { return c.Update.CheckInterval == time.Hour }},
		{"interval below range", "update", "checkInterval", 1000, func(c *Config) bool { return c.Update.CheckInterval == time.Hour }},
		{"bool as string", "update", "enabled", "false", func(c *Config) bool { return c.Update.Enabled }},
		{"attempts out of range", "update", "maxUpdateAttempts", 50, func(c *Config) bool { return c.Update.MaxUpdateAttempts == 3 }},
		{"fractional attempts", "update", "maxUpdateAttempts", 2.5, func(c *Config) bool { return c.Update.MaxUpdateAttempts == 3 }},
		{"absolute script", "update", "updateScript", "/tmp/update.sh", func(c *Config) bool { return c.Update.UpdateScript == "scripts/update.sh" }},
		{"script traversal", "update", "updateScript", "scripts/../../update.sh", func(c *Config) bool { return c.Update.UpdateScript == "scripts/update.sh" }},
		{"empty file path", "version", "filePath", "  ", func(c *Config) bool { return c.Version.FilePath == "VERSION" }},
		{"unknown format", "version", "format", "calver", func(c *Config) bool { return c.Version.Format == types.FormatAuto }},
		{"fallback with space", "version", "fallbackValue", "not known", func(c *Config) bool { return c.Version.FallbackValue == "unknown" }},
		{"length too small", "security", "maxVersionLength", 2, func(c *Config) bool { return c.Security.MaxVersionLength == 50 }},
		{"empty pattern list", "security", "allowedVersionPatterns", []interface{}{}, func(c *Config) bool { return len(c.Security.AllowedVersionPatterns) == 5 }},
		{"unknown pattern", "security", "allowedVersionPatterns", []interface{}{"semantic", "roman"}, func(c *Config) bool { return len(c.Security.AllowedVersionPatterns) == 5 }},
		{"listen without port", "server", "listen", "localhost", func(c *Config) bool { return c.Server.Listen == "127.0.0.1:8080" }},
		{"unknown level", "logging", "level", "loud", func(c *Config) bool { return c.Logging.Level == "info" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			doc := map[string]interface{}{
				tt.section: map[string]interface{}{tt.key: tt.value},
			}

			problems := Apply(cfg, doc)
			if len(problems) != 1 {
				t.Fatalf("Apply() problems = %v, want exactly one", problems)
			}
			if want := tt.section + "." + tt.key; problems[0].Field != want {
				t.Errorf("Field = %s, want %s", problems[0].Field, want)
			}
			if !tt.check(cfg) {
				t.Errorf("default was not kept: %+v", cfg)
			}
		})
	}
}

func TestApplyIndependentFields(t *testing.T) {
	cfg := Default()
	doc := map[string]interface{}{
		"update": map[string]interface{}{
			"maxUpdateAttempts": 0,
			"autoUpdate":        true,
		},
	}

	problems := Apply(cfg, doc)
	if len(problems) != 1 {
		t.Fatalf("Apply() problems = %v, want one", problems)
	}
	if !cfg.Update.AutoUpdate {
		t.Error("valid sibling field should still apply")
	}
	if cfg.Update.MaxUpdateAttempts != 3 {
		t.Errorf("MaxUpdateAttempts = %d, want default 3", cfg.Update.MaxUpdateAttempts)
	}
}

func TestApplyUnknownKeys(t *testing.T) {
	cfg := Default()
	doc := map[string]interface{}{
		"plugins": map[string]interface{}{},
		"update":  map[string]interface{}{"retries": 2},
		"github":  "kiosk-org",
	}

	problems := Apply(cfg, doc)
	if len(problems) != 3 {
		t.Fatalf("Apply() problems = %v, want 3", problems)
	}

	var messages []string
	for _, p := range problems {
		messages = append(messages, p.Error())
	}
	joined := strings.Join(messages, "\n")
	for _, want := range []string{"github: must be a mapping", "plugins: unknown section", "update.retries: unknown field"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %q in %s", want, joined)
		}
	}
}

func TestApplyPatternsDeduplicated(t *testing.T) {
	cfg := Default()
	doc := map[string]interface{}{
		"security": map[string]interface{}{
			"allowedVersionPatterns": []interface{}{"Semantic", "semantic", " date "},
		},
	}

	if problems := Apply(cfg, doc); len(problems) != 0 {
		t.Fatalf("Apply() problems = %v", problems)
	}

	got := cfg.Security.AllowedVersionPatterns
	if len(got) != 2 || got[0] != types.PatternSemantic || got[1] != types.PatternDate {
		t.Errorf("AllowedVersionPatterns = %v, want [semantic date]", got)
	}
}

func TestValidationErrorString(t *testing.T) {
	err := ValidationError{Field: "update.checkInterval", Message: "invalid duration"}
	if got := err.Error(); got != "update.checkInterval: invalid duration" {
		t.Errorf("Error() = %q", got)
	}
}
