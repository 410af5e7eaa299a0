package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/adamancini/kioskd/internal/config"
	"github.com/adamancini/kioskd/internal/output"
	"github.com/adamancini/kioskd/internal/update"
)

var errCheckFailed = errors.New("update check failed")

func newCheckCmd() *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check GitHub for a newer version",
		Long: `Check compares the installed version with the latest GitHub release, or
with the head commit when the repository has no releases and the installed
version is a commit hash.

Examples:
  kioskd check              # Check directly against GitHub
  kioskd check --remote     # Ask the running service (uses its cache)
  kioskd check -o json      # Machine-readable result`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			w, err := newWriter(cmd)
			if err != nil {
				return err
			}

			if remote {
				base, err := baseURL(cfg)
				if err != nil {
					return err
				}
				return runRemoteCheck(cmd.Context(), w, newAPIClient(base))
			}
			return runCheck(cmd.Context(), w, cfg)
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "Ask the running service instead of GitHub")
	return cmd
}

func runCheck(ctx context.Context, w *output.Writer, cfg *config.Config) error {
	checker, err := newChecker(cfg)
	if err != nil {
		return err
	}
	result := checker.CheckForUpdates(ctx, newStore(cfg).Read())
	return writeCheckResult(w, result)
}

func runRemoteCheck(ctx context.Context, w *output.Writer, client *apiClient) error {
	var result update.CheckResult
	if err := client.get(ctx, "/api/update/check", &result); err != nil {
		return err
	}
	return writeCheckResult(w, &result)
}

func writeCheckResult(w *output.Writer, result *update.CheckResult) error {
	if err := w.Write(result); err != nil {
		return err
	}
	if result.Error != nil {
		return errCheckFailed
	}
	return nil
}
