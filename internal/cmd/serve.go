package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/adamancini/kioskd/internal/broadcast"
	"github.com/adamancini/kioskd/internal/config"
	"github.com/adamancini/kioskd/internal/metrics"
	"github.com/adamancini/kioskd/internal/orchestrator"
	"github.com/adamancini/kioskd/internal/server"
	"github.com/adamancini/kioskd/internal/update"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the kioskd service",
		Long: `Serve runs the HTTP API, the status WebSocket and the update scheduler.

The service exits after an update has run; run it under a supervisor such as
systemd so it is restarted on the new version.

Endpoints:
  GET  /api/update/check    Check GitHub for a newer version
  POST /api/update/perform  Start the update script
  GET  /api/update/status   Current update status
  GET  /api/version         Installed version
  GET  /ws                  Live status updates
  GET  /metrics             Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, loader, cfg)
		},
	}
}

func runServe(ctx context.Context, loader *config.Loader, cfg *config.Config) error {
	checker, err := newChecker(cfg)
	if err != nil {
		return fmt.Errorf("invalid GitHub configuration: %w", err)
	}

	m := metrics.New()
	status := broadcast.New(broadcast.WithRecorder(m))
	store := newStore(cfg)

	srv := server.New(server.Deps{
		Config:   loader,
		Checker:  checker,
		Versions: store,
		Status:   status,
		Metrics:  m,
	})
	orch := orchestrator.New(orchestratorConfig(cfg, os.Geteuid()), orchestrator.Deps{
		Status:   status,
		Versions: store,
		Drainer:  srv,
		Recorder: srv,
	})
	srv.SetUpdater(orch)

	platform := update.Detect()
	log.WithFields(log.Fields{
		"version":  store.Read(),
		"build":    buildVersion,
		"platform": platform.String(),
		"config":   loader.Path(),
		"repo":     checker.RepositoryURL(),
	}).Info("kioskd starting")
	if !platform.SupportsSelfUpdate() {
		log.Warnf("self update is not supported on %s; updates will fail validation", platform)
	}

	return srv.ListenAndServe(ctx)
}
