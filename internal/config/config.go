// Package config loads the kioskd configuration document.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/adamancini/kioskd/internal/types"
	"github.com/adamancini/kioskd/internal/update"
)

// DefaultCacheTTL is how long a loaded configuration is reused.
const DefaultCacheTTL = 60 * time.Second

// ScriptsDirName is the directory, relative to the base directory, that
// holds the update script.
const ScriptsDirName = "scripts"

// GitHubConfig selects the upstream repository.
type GitHubConfig struct {
	Owner                 string        `json:"owner" yaml:"owner"`
	Repository            string        `json:"repository" yaml:"repository"`
	APIURL                string        `json:"apiUrl" yaml:"apiUrl"`
	RateLimitCacheTimeout time.Duration `json:"rateLimitCacheTimeout" yaml:"rateLimitCacheTimeout"`
}

// UpdateConfig controls checking and applying updates.
type UpdateConfig struct {
	Enabled            bool          `json:"enabled" yaml:"enabled"`
	CheckInterval      time.Duration `json:"checkInterval" yaml:"checkInterval"`
	AutoUpdate         bool          `json:"autoUpdate" yaml:"autoUpdate"`
	UpdateScript       string        `json:"updateScript" yaml:"updateScript"`
	BackupBeforeUpdate bool          `json:"backupBeforeUpdate" yaml:"backupBeforeUpdate"`
	MaxUpdateAttempts  int           `json:"maxUpdateAttempts" yaml:"maxUpdateAttempts"`
	UpdateTimeout      time.Duration `json:"updateTimeout" yaml:"updateTimeout"`
}

// VersionConfig locates the installed version descriptor.
type VersionConfig struct {
	FilePath      string              `json:"filePath" yaml:"filePath"`
	Format        types.VersionFormat `json:"format" yaml:"format"`
	FallbackValue string              `json:"fallbackValue" yaml:"fallbackValue"`
}

// SecurityConfig controls version string validation.
type SecurityConfig struct {
	ValidateVersionStrings bool                   `json:"validateVersionStrings" yaml:"validateVersionStrings"`
	MaxVersionLength       int                    `json:"maxVersionLength" yaml:"maxVersionLength"`
	AllowedVersionPatterns []types.VersionPattern `json:"allowedVersionPatterns" yaml:"allowedVersionPatterns"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Listen             string `json:"listen" yaml:"listen"`
	TestMode           bool   `json:"testMode" yaml:"testMode"`
	ExposeErrorDetails bool   `json:"exposeErrorDetails" yaml:"exposeErrorDetails"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
	File  string `json:"file" yaml:"file"`
}

// Config is the effective configuration: the document merged over the
// defaults.
type Config struct {
	GitHub   GitHubConfig   `json:"github" yaml:"github"`
	Update   UpdateConfig   `json:"update" yaml:"update"`
	Version  VersionConfig  `json:"version" yaml:"version"`
	Security SecurityConfig `json:"security" yaml:"security"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`

	// BaseDir anchors every relative path. It is the directory holding the
	// configuration document, or the working directory without one.
	BaseDir string `json:"-" yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		GitHub: GitHubConfig{
			Owner:                 "adamancini",
			Repository:            "kioskd",
			APIURL:                update.DefaultAPIURL,
			RateLimitCacheTimeout: update.DefaultCacheTTL,
		},
		Update: UpdateConfig{
			Enabled:            true,
			CheckInterval:      time.Hour,
			AutoUpdate:         false,
			UpdateScript:       filepath.Join(ScriptsDirName, "update.sh"),
			BackupBeforeUpdate: true,
			MaxUpdateAttempts:  3,
			UpdateTimeout:      15 * time.Minute,
		},
		Version: VersionConfig{
			FilePath:      "VERSION",
			Format:        types.FormatAuto,
			FallbackValue: update.UnknownVersion,
		},
		Security: SecurityConfig{
			ValidateVersionStrings: true,
			MaxVersionLength:       update.DefaultMaxVersionLength,
			AllowedVersionPatterns: types.AllVersionPatterns(),
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		BaseDir: workingDir(),
	}
}

func workingDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Security.AllowedVersionPatterns = append([]types.VersionPattern(nil), c.Security.AllowedVersionPatterns...)
	return &out
}

// Validator returns the version grammar this configuration allows.
func (c *Config) Validator() update.Validator {
	patterns := c.Security.AllowedVersionPatterns
	if formatPatterns := c.Version.Format.Patterns(); formatPatterns != nil {
		patterns = intersect(patterns, formatPatterns)
		if len(patterns) == 0 {
			patterns = formatPatterns
		}
	}
	return update.Validator{
		MaxLength: c.Security.MaxVersionLength,
		Patterns:  patterns,
		Strict:    c.Security.ValidateVersionStrings,
	}
}

func intersect(a, b []types.VersionPattern) []types.VersionPattern {
	var out []types.VersionPattern
	for _, x := range a {
		for _, y := range b {
			if x == y {
				out = append(out, x)
				break
			}
		}
	}
	return out
}

// VersionFilePath is the absolute location of the version descriptor.
func (c *Config) VersionFilePath() string {
	return c.resolve(c.Version.FilePath)
}

// ScriptPath is the absolute location of the configured update script.
func (c *Config) ScriptPath() string {
	return c.resolve(c.Update.UpdateScript)
}

// ScriptsDir is the only directory update scripts may live in.
func (c *Config) ScriptsDir() string {
	return filepath.Join(c.BaseDir, ScriptsDirName)
}

// LogFilePath is the absolute log file location, or empty for console only.
func (c *Config) LogFilePath() string {
	if c.Logging.File == "" {
		return ""
	}
	return c.resolve(c.Logging.File)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.BaseDir, p)
}

// FindConfig searches for a configuration document in the standard
// locations. An empty result with a nil error means none exists and the
// defaults apply.
func FindConfig(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("specified config not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	if envPath := os.Getenv("KIOSKD_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	var searchPaths []string
	searchPaths = append(searchPaths, workingDir())

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfig == "" {
		if home, err := os.UserHomeDir(); err == nil {
			xdgConfig = filepath.Join(home, ".config")
		}
	}
	if xdgConfig != "" {
		searchPaths = append(searchPaths, filepath.Join(xdgConfig, "kioskd"))
	}
	searchPaths = append(searchPaths, "/etc/kioskd")

	fileNames := []string{
		"kioskd.yaml",
		"kioskd.yml",
		"kioskd.toml",
		"kioskd.json",
	}

	for _, dir := range searchPaths {
		for _, name := range fileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}

	return "", nil
}

// LoadFile reads the document at path and merges it over the defaults.
// Invalid fields keep their default and are returned as validation errors.
// A missing or unparseable document yields the defaults and an error.
func LoadFile(path string) (*Config, []ValidationError, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil, nil
	}

	abs, err := filepath.Abs(path)
	if err == nil {
		cfg.BaseDir = filepath.Dir(abs)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, nil, fmt.Errorf("failed to read config: %w", err)
	}
	if len(content) > maxDocumentSize {
		return cfg, nil, fmt.Errorf("config %s exceeds %d bytes", path, maxDocumentSize)
	}

	format := detectFormat(path, content)
	if format == FormatUnknown {
		return cfg, nil, fmt.Errorf("unable to detect file format for %s", path)
	}

	doc, err := parse(content, format)
	if err != nil {
		return cfg, nil, err
	}

	return cfg, Apply(cfg, doc), nil
}

// Loader caches the effective configuration for a short time.
type Loader struct {
	path  string
	cache *cache.Cache
}

const cacheKey = "config"

// NewLoader returns a loader for the document at path. An empty path means
// defaults only.
func NewLoader(path string, ttl time.Duration) *Loader {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Loader{
		path:  path,
		cache: cache.New(ttl, 2*ttl),
	}
}

// Path returns the document path.
func (l *Loader) Path() string {
	return l.path
}

// Load returns the effective configuration, reading the document when the
// cached copy has expired. It never fails; problems are logged and the
// affected values fall back to their defaults.
func (l *Loader) Load() *Config {
	if v, ok := l.cache.Get(cacheKey); ok {
		return v.(*Config).Clone()
	}
	return l.Refresh()
}

// Refresh re-reads the document regardless of the cache.
func (l *Loader) Refresh() *Config {
	cfg, problems, err := LoadFile(l.path)
	if err != nil {
		log.Warnf("using default configuration: %v", err)
	}
	for _, p := range problems {
		log.WithField("field", p.Field).Warnf("ignoring invalid config value: %s", p.Message)
	}

	l.cache.Set(cacheKey, cfg, cache.DefaultExpiration)
	return cfg.Clone()
}
