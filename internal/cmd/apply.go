package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/adamancini/kioskd/internal/broadcast"
	"github.com/adamancini/kioskd/internal/config"
	"github.com/adamancini/kioskd/internal/interactive"
	"github.com/adamancini/kioskd/internal/orchestrator"
	"github.com/adamancini/kioskd/internal/output"
	"github.com/adamancini/kioskd/internal/server"
	"github.com/adamancini/kioskd/internal/update"
)

var (
	errDeclined       = errors.New("update declined")
	errNotInteractive = errors.New("stdin is not a terminal, pass --yes to apply")
)

type applyOptions struct {
	yes    bool
	local  bool
	follow bool
}

func newApplyCmd() *cobra.Command {
	var opts applyOptions

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply an available update",
		Long: `Apply asks the running service to update itself. The service drains,
runs the update script and exits so its supervisor restarts it.

With --local the update runs in this process instead, for hosts where the
service is not running.

Examples:
  kioskd apply               # Confirm, then start the update on the service
  kioskd apply --yes -f      # Start without asking and follow progress
  kioskd apply --local       # Run the update script from this process`,
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

			confirm := confirmer(cmd.InOrStdin(), cmd.OutOrStdout(), opts.yes)
			if opts.local {
				return runLocalApply(cmd.Context(), w, cfg, confirm)
			}

			base, err := baseURL(cfg)
			if err != nil {
				return err
			}
			return runApply(cmd.Context(), w, newAPIClient(base), confirm, opts.follow)
		},
	}

	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.Flags().BoolVar(&opts.local, "local", false, "Run the update in this process")
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Follow progress until the update finishes")
	return cmd
}

// confirmFunc decides whether to go ahead with the update in result.
type confirmFunc func(result *update.CheckResult) error

func confirmer(in io.Reader, out io.Writer, yes bool) confirmFunc {
	return func(result *update.CheckResult) error {
		if yes {
			return nil
		}
		if in == os.Stdin && !interactive.IsTerminal() {
			return errNotInteractive
		}
		if !interactive.NewPrompterWithIO(in, out).ConfirmUpdate(result, orchestrator.DefaultExpectedDowntime) {
			return errDeclined
		}
		return nil
	}
}

func runApply(ctx context.Context, w *output.Writer, client *apiClient, confirm confirmFunc, follow bool) error {
	var result update.CheckResult
	if err := client.get(ctx, "/api/update/check", &result); err != nil {
		return err
	}
	if result.Error != nil {
		_ = w.Write(&result)
		return errCheckFailed
	}
	if !result.UpdateAvailable {
		return w.Write(&result)
	}

	if err := confirm(&result); err != nil {
		if errors.Is(err, errDeclined) {
			return nil
		}
		return err
	}

	var started server.PerformResponse
	if err := client.post(ctx, "/api/update/perform", &started); err != nil {
		return err
	}
	if err := w.Write(startedMessage(started)); err != nil {
		return err
	}

	if !follow {
		return nil
	}
	return runWatch(ctx, w, client, watchOptions{untilDone: true})
}

type startedMessage server.PerformResponse

func (m startedMessage) String() string {
	return fmt.Sprintf("Update to %s started", m.TargetVersion)
}

func runLocalApply(ctx context.Context, w *output.Writer, cfg *config.Config, confirm confirmFunc) error {
	checker, err := newChecker(cfg)
	if err != nil {
		return err
	}
	store := newStore(cfg)

	result := checker.CheckForUpdates(ctx, store.Read())
	if result.Error != nil {
		_ = w.Write(result)
		return errCheckFailed
	}
	if !result.UpdateAvailable {
		return w.Write(result)
	}
	if err := confirm(result); err != nil {
		if errors.Is(err, errDeclined) {
			return nil
		}
		return err
	}

	status := broadcast.New()
	if err := status.Subscribe(&writerObserver{w: w}); err != nil {
		return err
	}

	orch := orchestrator.New(orchestratorConfig(cfg, os.Geteuid()), orchestrator.Deps{
		Status:   status,
		Versions: store,
		Exit: func(code int) {
			log.Debugf("update finished with exit code %d", code)
		},
	})

	attempt, err := orch.Run(ctx, result)
	if err != nil {
		return err
	}
	if err := w.Write(attempt); err != nil {
		return err
	}
	if !attempt.Succeeded() {
		return fmt.Errorf("update failed during %s", attempt.FailedStep)
	}
	return nil
}

// writerObserver prints pushed status messages.
type writerObserver struct {
	w *output.Writer
}

func (o *writerObserver) ID() string { return "cli" }

func (o *writerObserver) Send(msg interface{}) error {
	return o.w.Write(msg)
}
