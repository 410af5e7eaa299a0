package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/kioskd/internal/types"
)

var (
	// GitHub owner and repository names.
	repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9._-]{0,99})$`)
	fallbackPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,49}$`)
)

// Accepted ranges for numeric and duration fields.
const (
	minCacheTimeout      = 10 * time.Second
	maxCacheTimeout      = time.Hour
	minCheckInterval     = time.Minute
	maxCheckInterval     = 7 * 24 * time.Hour
	minUpdateTimeout     = time.Minute
	maxUpdateTimeout     = 2 * time.Hour
	minUpdateAttempts    = 1
	maxUpdateAttempts    = 10
	minVersionLength     = 5
	maxVersionLength     = 100
	maxConfiguredPathLen = 255
)

// ValidationError represents a rejected configuration value.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// setter validates one raw document value and stores it in cfg.
type setter func(cfg *Config, raw interface{}) error

var sections = map[string]map[string]setter{
	"github": {
		"owner": stringField(validName, func(c *Config, s string) { c.GitHub.Owner = s }),
		"repository": stringField(validName, func(c *Config, s string) {
			c.GitHub.Repository = s
		}),
		"apiUrl": stringField(validAPIURL, func(c *Config, s string) {
			c.GitHub.APIURL = strings.TrimRight(s, "/")
		}),
		"rateLimitCacheTimeout": durationField(minCacheTimeout, maxCacheTimeout, func(c *Config, d time.Duration) {
			c.GitHub.RateLimitCacheTimeout = d
		}),
	},
	"update": {
		"enabled": boolField(func(c *Config, b bool) { c.Update.Enabled = b }),
		"checkInterval": durationField(minCheckInterval, maxCheckInterval, func(c *Config, d time.Duration) {
			c.Update.CheckInterval = d
		}),
		"autoUpdate":   boolField(func(c *Config, b bool) { c.Update.AutoUpdate = b }),
		"updateScript": stringField(validRelativePath, func(c *Config, s string) { c.Update.UpdateScript = s }),
		"backupBeforeUpdate": boolField(func(c *Config, b bool) {
			c.Update.BackupBeforeUpdate = b
		}),
		"maxUpdateAttempts": intField(minUpdateAttempts, maxUpdateAttempts, func(c *Config, n int) {
			c.Update.MaxUpdateAttempts = n
		}),
		"updateTimeout": durationField(minUpdateTimeout, maxUpdateTimeout, func(c *Config, d time.Duration) {
			c.Update.UpdateTimeout = d
		}),
	},
	"version": {
		"filePath": stringField(validRelativePath, func(c *Config, s string) { c.Version.FilePath = s }),
		"format": stringField(func(s string) error {
			return types.VersionFormat(s).Validate()
		}, func(c *Config, s string) { c.Version.Format = types.VersionFormat(s) }),
		"fallbackValue": stringField(func(s string) error {
			if !fallbackPattern.MatchString(s) {
				return fmt.Errorf("fallback value must be 1-50 letters, digits, '.', '_' or '-'")
			}
			return nil
		}, func(c *Config, s string) { c.Version.FallbackValue = s }),
	},
	"security": {
		"validateVersionStrings": boolField(func(c *Config, b bool) {
			c.Security.ValidateVersionStrings = b
		}),
		"maxVersionLength": intField(minVersionLength, maxVersionLength, func(c *Config, n int) {
			c.Security.MaxVersionLength = n
		}),
		"allowedVersionPatterns": setPatterns,
	},
	"server": {
		"listen":             stringField(validListen, func(c *Config, s string) { c.Server.Listen = s }),
		"testMode":           boolField(func(c *Config, b bool) { c.Server.TestMode = b }),
		"exposeErrorDetails": boolField(func(c *Config, b bool) { c.Server.ExposeErrorDetails = b }),
	},
	"logging": {
		"level": stringField(func(s string) error {
			_, err := log.ParseLevel(s)
			return err
		}, func(c *Config, s string) { c.Logging.Level = strings.ToLower(s) }),
		"file": stringField(validPath, func(c *Config, s string) { c.Logging.File = s }),
	},
}

// Apply merges doc into cfg one field at a time. A field that fails its
// check is left at its current value and reported; unknown keys are
// reported too.
func Apply(cfg *Config, doc map[string]interface{}) []ValidationError {
	var problems []ValidationError

	for _, section := range sortedKeys(doc) {
		setters, ok := sections[section]
		if !ok {
			problems = append(problems, ValidationError{Field: section, Message: "unknown section"})
			continue
		}

		values, ok := asMap(doc[section])
		if !ok {
			problems = append(problems, ValidationError{Field: section, Message: "must be a mapping"})
			continue
		}

		for _, key := range sortedKeys(values) {
			field := section + "." + key
			set, ok := setters[key]
			if !ok {
				problems = append(problems, ValidationError{Field: field, Message: "unknown field"})
				continue
			}
			if err := set(cfg, values[key]); err != nil {
				problems = append(problems, ValidationError{Field: field, Message: err.Error()})
			}
		}
	}

	return problems
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func stringField(check func(string) error, set func(*Config, string)) setter {
	return func(cfg *Config, raw interface{}) error {
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("must be a string, got %T", raw)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return fmt.Errorf("must not be empty")
		}
		if err := check(s); err != nil {
			return err
		}
		set(cfg, s)
		return nil
	}
}

func boolField(set func(*Config, bool)) setter {
	return func(cfg *Config, raw interface{}) error {
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("must be a boolean, got %T", raw)
		}
		set(cfg, b)
		return nil
	}
}

func intField(lo, hi int, set func(*Config, int)) setter {
	return func(cfg *Config, raw interface{}) error {
		n, err := asInt(raw)
		if err != nil {
			return err
		}
		if n < int64(lo) || n > int64(hi) {
			return fmt.Errorf("must be between %d and %d, got %d", lo, hi, n)
		}
		set(cfg, int(n))
		return nil
	}
}

// durationField accepts a Go duration string ("5m") or an integer number
// of milliseconds.
func durationField(lo, hi time.Duration, set func(*Config, time.Duration)) setter {
	return func(cfg *Config, raw interface{}) error {
		var d time.Duration
		if s, ok := raw.(string); ok {
			parsed, err := time.ParseDuration(strings.TrimSpace(s))
			if err != nil {
				return fmt.Errorf("invalid duration %q", s)
			}
			d = parsed
		} else {
			ms, err := asInt(raw)
			if err != nil {
				return fmt.Errorf("must be a duration string or milliseconds, got %T", raw)
			}
			d = time.Duration(ms) * time.Millisecond
		}
		if d < lo || d > hi {
			return fmt.Errorf("must be between %s and %s, got %s", lo, hi, d)
		}
		set(cfg, d)
		return nil
	}
}

func asInt(raw interface{}) (int64, error) {
	switch n := raw.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("must be a whole number, got %v", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("must be a number, got %T", raw)
	}
}

func setPatterns(cfg *Config, raw interface{}) error {
	list, ok := raw.([]interface{})
	if !ok {
		return fmt.Errorf("must be a list, got %T", raw)
	}
	if len(list) == 0 {
		return fmt.Errorf("must name at least one pattern")
	}

	var patterns []types.VersionPattern
	seen := make(map[types.VersionPattern]bool)
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return fmt.Errorf("entry %d must be a string, got %T", i, item)
		}
		p, err := types.ParseVersionPattern(s)
		if err != nil {
			return err
		}
		if !seen[p] {
			seen[p] = true
			patterns = append(patterns, p)
		}
	}

	cfg.Security.AllowedVersionPatterns = patterns
	return nil
}

func validName(s string) error {
	if !repoNamePattern.MatchString(s) || strings.Contains(s, "..") {
		return fmt.Errorf("invalid name %q", s)
	}
	return nil
}

// validAPIURL allows only an https origin with no path, query or userinfo.
func validAPIURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("must use https")
	}
	if u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("must be a bare https origin")
	}
	if p := strings.TrimRight(u.Path, "/"); p != "" {
		return fmt.Errorf("must not contain a path")
	}
	return nil
}

// validRelativePath rejects absolute paths and traversal.
func validRelativePath(s string) error {
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, `\`) {
		return fmt.Errorf("must be relative to the base directory")
	}
	return validPath(s)
}

func validPath(s string) error {
	if len(s) > maxConfiguredPathLen {
		return fmt.Errorf("must be at most %d characters", maxConfiguredPathLen)
	}
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("must not contain '..'")
		}
	}
	if strings.ContainsAny(s, "\x00\n\r") {
		return fmt.Errorf("contains control characters")
	}
	return nil
}

func validListen(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	return nil
}
