package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adamancini/kioskd/internal/update"
)

// versionInfo describes the binary and the installed application.
type versionInfo struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildDate string `json:"buildDate" yaml:"buildDate"`
	Installed string `json:"installed" yaml:"installed"`
	Platform  string `json:"platform" yaml:"platform"`
	// SelfUpdate reports whether update scripts can run on this platform.
	SelfUpdate bool `json:"selfUpdate" yaml:"selfUpdate"`
}

func (v versionInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "kioskd version %s\n", v.Version)
	fmt.Fprintf(&b, "  commit:     %s\n", v.Commit)
	fmt.Fprintf(&b, "  built:      %s\n", v.BuildDate)
	fmt.Fprintf(&b, "  installed:  %s\n", v.Installed)
	fmt.Fprintf(&b, "  platform:   %s", v.Platform)
	if !v.SelfUpdate {
		b.WriteString(" (updates unsupported)")
	}
	return b.String()
}

func newVersionCmd() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information and check for updates",
		Long: `Display the kioskd build, the installed application version and the
platform, and optionally check GitHub for a newer version.

Examples:
  kioskd version            # Show version information
  kioskd version --check    # Also check for a newer version`,
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

			platform := update.Detect()
			info := versionInfo{
				Version:    buildVersion,
				Commit:     buildCommit,
				BuildDate:  buildDate,
				Installed:  newStore(cfg).Read(),
				Platform:   platform.String(),
				SelfUpdate: platform.SupportsSelfUpdate(),
			}
			if err := w.Write(info); err != nil {
				return err
			}

			if !check {
				return nil
			}
			return runCheck(cmd.Context(), w, cfg)
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Check for a newer version")
	return cmd
}
