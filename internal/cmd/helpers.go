package cmd

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adamancini/kioskd/internal/config"
	"github.com/adamancini/kioskd/internal/logging"
	"github.com/adamancini/kioskd/internal/orchestrator"
	"github.com/adamancini/kioskd/internal/output"
	"github.com/adamancini/kioskd/internal/update"
)

// loadConfig finds the configuration named by --config, loads it and
// sets up logging from it.
func loadConfig() (*config.Loader, *config.Config, error) {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	loader := config.NewLoader(path, config.DefaultCacheTTL)
	cfg := loader.Load()
	if err := setupLogging(cfg); err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}

func setupLogging(cfg *config.Config) error {
	level := cfg.Logging.Level
	switch {
	case logLevel != "":
		level = logLevel
	case verbose:
		level = "debug"
	case quiet:
		level = "error"
	}

	file := cfg.LogFilePath()
	if logFile != "" {
		file = logFile
	}
	return logging.InitLog(level, file)
}

// newWriter returns an output writer for --output.
func newWriter(cmd *cobra.Command) (*output.Writer, error) {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}
	return output.NewWriter(cmd.OutOrStdout(), format), nil
}

func newStore(cfg *config.Config) *update.Store {
	return update.NewStore(cfg.BaseDir, cfg.Version.FilePath, cfg.Validator(), cfg.Version.FallbackValue)
}

func newChecker(cfg *config.Config) (*update.GitHubChecker, error) {
	checker := update.NewGitHubChecker(cfg.GitHub.Owner, cfg.GitHub.Repository).
		WithCacheTTL(cfg.GitHub.RateLimitCacheTimeout).
		WithValidator(cfg.Validator())

	// Use GITHUB_TOKEN if available
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		checker = checker.WithToken(token)
	}

	if cfg.GitHub.APIURL != "" && cfg.GitHub.APIURL != update.DefaultAPIURL {
		return checker.WithAPIURL(cfg.GitHub.APIURL)
	}
	return checker, nil
}

// orchestratorConfig maps the configuration onto the orchestrator. Root
// needs no privilege escalation.
func orchestratorConfig(cfg *config.Config, euid int) orchestrator.Config {
	oc := orchestrator.DefaultConfig(cfg.ScriptsDir())
	oc.ScriptPath = cfg.ScriptPath()
	oc.BackupBeforeUpdate = cfg.Update.BackupBeforeUpdate
	oc.HardTimeout = cfg.Update.UpdateTimeout
	if euid == 0 {
		oc.Escalation = nil
	}
	return oc
}

// baseURL returns --server, or the local address the service listens on.
func baseURL(cfg *config.Config) (string, error) {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/"), nil
	}

	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return "", fmt.Errorf("invalid server.listen %q: %w", cfg.Server.Listen, err)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}
