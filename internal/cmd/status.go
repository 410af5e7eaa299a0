package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/adamancini/kioskd/internal/broadcast"
	"github.com/adamancini/kioskd/internal/output"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the service's current update status",
		Long: `Status asks the running service for its current update status: idle,
updating with progress, or the last error.`,
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
			base, err := baseURL(cfg)
			if err != nil {
				return err
			}
			return runStatus(cmd.Context(), w, newAPIClient(base))
		},
	}
}

func runStatus(ctx context.Context, w *output.Writer, client *apiClient) error {
	var status broadcast.Status
	if err := client.get(ctx, "/api/update/status", &status); err != nil {
		return err
	}
	return w.Write(status)
}
