// Package interactive provides interactive prompts for user confirmation.
package interactive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/adamancini/kioskd/internal/update"
)

// maxNotesLines limits how much of the release notes is shown.
const maxNotesLines = 8

// Response represents the user's response to a prompt.
type Response int

const (
	ResponseYes  Response = iota // Proceed
	ResponseNo                   // Do not proceed
	ResponseQuit                 // Input closed or aborted
)

// Prompter handles interactive prompts.
type Prompter struct {
	in      io.Reader
	out     io.Writer
	scanner *bufio.Scanner
}

// NewPrompter creates a prompter with stdin/stdout.
func NewPrompter() *Prompter {
	return NewPrompterWithIO(os.Stdin, os.Stdout)
}

// NewPrompterWithIO creates a prompter with custom input/output (for testing).
func NewPrompterWithIO(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{
		in:      in,
		out:     out,
		scanner: bufio.NewScanner(in),
	}
}

// IsTerminal checks if stdin is a terminal (TTY).
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// prompt displays a question and reads a y/N answer. Anything other than
// yes is a no.
func (p *Prompter) prompt(format string, args ...interface{}) Response {
	_, _ = fmt.Fprintf(p.out, format, args...)
	_, _ = fmt.Fprint(p.out, " [y/N] ")

	if !p.scanner.Scan() {
		return ResponseQuit
	}

	input := strings.ToLower(strings.TrimSpace(p.scanner.Text()))
	switch input {
	case "y", "yes":
		return ResponseYes
	case "", "n", "no":
		return ResponseNo
	case "q", "quit":
		return ResponseQuit
	default:
		_, _ = fmt.Fprintln(p.out, "Invalid response, not proceeding.")
		return ResponseNo
	}
}

// ConfirmUpdate summarises the pending update and asks whether to apply
// it. downtime is shown as the expected interruption.
func (p *Prompter) ConfirmUpdate(result *update.CheckResult, downtime string) bool {
	_, _ = fmt.Fprintln(p.out, "\nUpdate available:")
	_, _ = fmt.Fprintf(p.out, "  Installed: %s\n", result.LocalVersion)
	_, _ = fmt.Fprintf(p.out, "  Available: %s (%s)\n", result.RemoteVersion, result.ComparisonMethod)

	if info := result.RemoteInfo; info != nil {
		switch {
		case info.Release != nil:
			p.printRelease(info.Release)
		case info.Commit != nil:
			p.printCommit(info.Commit)
		}
	}

	_, _ = fmt.Fprintf(p.out, "\nThe service will stop for about %s while the update runs.\n", downtime)

	switch p.prompt("Proceed with update?") {
	case ResponseYes:
		return true
	default:
		_, _ = fmt.Fprintln(p.out, "Aborted.")
		return false
	}
}

func (p *Prompter) printRelease(r *update.ReleaseInfo) {
	if r.Name != "" && r.Name != r.Version {
		_, _ = fmt.Fprintf(p.out, "  Release:   %s\n", r.Name)
	}
	if !r.PublishedAt.IsZero() {
		_, _ = fmt.Fprintf(p.out, "  Published: %s\n", r.PublishedAt.Format("2006-01-02"))
	}
	if r.Prerelease {
		_, _ = fmt.Fprintln(p.out, "  Note:      this is a pre-release")
	}
	if notes := excerpt(r.Body, maxNotesLines); notes != "" {
		_, _ = fmt.Fprintln(p.out, "\nRelease notes:")
		_, _ = fmt.Fprintln(p.out, notes)
	}
}

func (p *Prompter) printCommit(c *update.CommitInfo) {
	if c.Author != "" {
		_, _ = fmt.Fprintf(p.out, "  Author:    %s\n", c.Author)
	}
	if subject := strings.TrimSpace(strings.SplitN(c.Message, "\n", 2)[0]); subject != "" {
		_, _ = fmt.Fprintf(p.out, "  Commit:    %s\n", subject)
	}
}

// excerpt returns the first n non-empty lines of s, indented.
func excerpt(s string, n int) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, " \r\t")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(lines) == n {
			lines = append(lines, "  ...")
			break
		}
		lines = append(lines, "  "+line)
	}
	return strings.Join(lines, "\n")
}
