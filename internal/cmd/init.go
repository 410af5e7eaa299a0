package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/adamancini/kioskd/internal/config"
	"github.com/adamancini/kioskd/internal/templates"
)

const (
	configFileName     = "kioskd.yaml"
	maxTemplateSize    = 64 << 10
	templateFetchLimit = 30 * time.Second
)

func newInitCmd() *cobra.Command {
	var templateName string
	var dir string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a kioskd configuration and update script",
		Long: `Create kioskd.yaml from a built-in or custom template, and a starter
scripts/update.sh next to it when none exists.

Available templates:
  standard   - Hourly checks, updates applied on request
  auto       - Hourly checks, updates applied automatically
  pinned     - Updates disabled, version reporting only

Examples:
  kioskd init                              # Interactive mode
  kioskd init --template=standard          # Direct template selection
  kioskd init --template=https://...       # Custom template URL
  kioskd init --dir /opt/kiosk             # Custom location`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = workingDirOrDot()
			}
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), templateName, dir, force)
		},
	}

	cmd.Flags().StringVarP(&templateName, "template", "t", "", "Template name or https URL")
	cmd.Flags().StringVar(&dir, "dir", "", "Directory to create the configuration in (default: current directory)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration")

	_ = cmd.RegisterFlagCompletionFunc("template", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		var completions []string
		for _, name := range templates.List() {
			completions = append(completions, fmt.Sprintf("%s\t%s", name, templates.GetDescription(name)))
		}
		return completions, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func workingDirOrDot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// runInit executes the init workflow.
func runInit(stdin io.Reader, stdout, stderr io.Writer, templateName, dir string, force bool) error {
	reader := bufio.NewReader(stdin)
	configFile := filepath.Join(expandHomePath(dir), configFileName)

	if _, err := os.Stat(configFile); err == nil && !force {
		_, _ = fmt.Fprintf(stderr, "Configuration already exists at %s\n", configFile)
		_, _ = fmt.Fprintf(stdout, "Overwrite? [y/N]: ")
		answer, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read input: %w", err)
		}
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			_, _ = fmt.Fprintln(stdout, "Aborted.")
			return nil
		}
	}

	if templateName == "" {
		selected, err := selectTemplateInteractive(reader, stdout)
		if err != nil {
			return err
		}
		templateName = selected
	}

	var content []byte
	custom := strings.Contains(templateName, "://")
	if custom {
		var err error
		content, err = fetchRemoteTemplate(templateName)
		if err != nil {
			return fmt.Errorf("failed to fetch template: %w", err)
		}
	} else {
		tmpl, err := templates.GetExpanded(templateName)
		if err != nil {
			return fmt.Errorf("failed to load template: %w", err)
		}
		content = tmpl.Content
	}

	if err := validateTemplateContent(content); err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}

	if !custom && !quiet {
		_, _ = fmt.Fprintf(stdout, "\nPreview of '%s' template:\n", templateName)
		_, _ = fmt.Fprintln(stdout, strings.Repeat("-", 40))
		_, _ = fmt.Fprintln(stdout, strings.TrimRight(string(content), "\n"))
		_, _ = fmt.Fprintln(stdout, strings.Repeat("-", 40))
	}

	baseDir := filepath.Dir(configFile)
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", baseDir, err)
	}
	if err := os.WriteFile(configFile, content, 0644); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	_, _ = fmt.Fprintf(stdout, "\nCreated %s\n", configFile)

	// The script location is fixed: the orchestrator only runs scripts from
	// the scripts directory.
	scriptsDir := filepath.Join(baseDir, config.ScriptsDirName)
	scriptFile := filepath.Join(scriptsDir, "update.sh")
	if _, err := os.Stat(scriptFile); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(scriptsDir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", scriptsDir, err)
		}
		if err := os.WriteFile(scriptFile, templates.UpdateScript, 0755); err != nil {
			return fmt.Errorf("failed to write update script: %w", err)
		}
		_, _ = fmt.Fprintf(stdout, "Created %s\n", scriptFile)
	}

	_, _ = fmt.Fprintln(stdout, "\nNext steps:")
	_, _ = fmt.Fprintf(stdout, "  1. Fill in %s with the steps that install a release\n", scriptFile)
	_, _ = fmt.Fprintln(stdout, "  2. Run 'kioskd check' to confirm GitHub is reachable")
	_, _ = fmt.Fprintln(stdout, "  3. Run 'kioskd serve' to start the service")

	return nil
}

// selectTemplateInteractive shows an interactive menu for template selection.
func selectTemplateInteractive(reader *bufio.Reader, stdout io.Writer) (string, error) {
	templateList := templates.List()

	_, _ = fmt.Fprintln(stdout, "\nSelect a configuration template:")
	for i, name := range templateList {
		_, _ = fmt.Fprintf(stdout, "  %d. %-10s - %s\n", i+1, name, templates.GetDescription(name))
	}
	_, _ = fmt.Fprintf(stdout, "  %d. %-10s - Provide custom template URL\n", len(templateList)+1, "custom")

	_, _ = fmt.Fprintf(stdout, "\nSelect [1-%d]: ", len(templateList)+1)

	answer, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	answer = strings.TrimSpace(answer)

	num, err := strconv.Atoi(answer)
	if err != nil || num < 1 || num > len(templateList)+1 {
		return "", fmt.Errorf("invalid selection: %q", answer)
	}

	if num == len(templateList)+1 {
		_, _ = fmt.Fprint(stdout, "Enter template URL: ")
		u, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read URL: %w", err)
		}
		return strings.TrimSpace(u), nil
	}

	return templateList[num-1], nil
}

// fetchRemoteTemplate downloads a template over https.
func fetchRemoteTemplate(rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid template URL: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("template URL must use https, got %q", u.Scheme)
	}

	client := &http.Client{Timeout: templateFetchLimit}
	resp, err := client.Get(u.String())
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(content) > maxTemplateSize {
		return nil, fmt.Errorf("template exceeds %d bytes", maxTemplateSize)
	}
	return content, nil
}

// validateTemplateContent loads content through the configuration loader
// and rejects it when any field would fall back to its default.
func validateTemplateContent(content []byte) error {
	tmpFile, err := os.CreateTemp("", "kioskd-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmpFile.Write(content); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	_, problems, err := config.LoadFile(tmpName)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, p := range problems {
		result = multierror.Append(result, p)
	}
	return result.ErrorOrNil()
}

// expandHomePath expands ~ to the user's home directory.
func expandHomePath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
