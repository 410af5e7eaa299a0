// Package output handles formatting command results in different formats.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/adamancini/kioskd/internal/broadcast"
	"github.com/adamancini/kioskd/internal/orchestrator"
)

// Format represents an output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Writer handles output in the specified format.
type Writer struct {
	format  Format
	w       io.Writer
	compact bool
}

// NewWriter creates a new output writer.
func NewWriter(w io.Writer, format Format) *Writer {
	return &Writer{format: format, w: w}
}

// Compact makes JSON output one value per line, for streams.
func (w *Writer) Compact() *Writer {
	w.compact = true
	return w
}

// Format returns the configured format.
func (w *Writer) Format() Format {
	return w.format
}

// Write outputs the given value in the configured format.
func (w *Writer) Write(v interface{}) error {
	switch w.format {
	case FormatJSON:
		enc := json.NewEncoder(w.w)
		if !w.compact {
			enc.SetIndent("", "  ")
		}
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
		if w.compact {
			_, err := fmt.Fprintln(w.w, "---")
			return err
		}
		return nil
	default:
		_, err := fmt.Fprintln(w.w, Text(v))
		return err
	}
}

// Text renders v for humans.
func Text(v interface{}) string {
	switch t := v.(type) {
	case broadcast.Status:
		return statusText(t)
	case *broadcast.Status:
		return statusText(*t)
	case broadcast.StatusMessage:
		return statusText(t.Status)
	case broadcast.ShutdownNotice:
		return fmt.Sprintf("%s\nExpected downtime: %s\n%s", t.Message, t.ExpectedDowntime, t.ReconnectInstructions)
	case *orchestrator.Attempt:
		return attemptText(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%+v", v)
	}
}

func statusText(s broadcast.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-8s %3d%%  %s", s.Timestamp.Local().Format("15:04:05"), s.Status, s.Progress, s.Message)
	if s.Error != "" {
		fmt.Fprintf(&b, "\n  error: %s", s.Error)
	}
	return b.String()
}

func attemptText(a *orchestrator.Attempt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Update %s: %s -> %s\n", a.ID, a.CurrentVersion, a.TargetVersion)

	for _, step := range a.Steps {
		fmt.Fprintf(&b, "  %-18s %s\n", step.Step, step.Status)
	}

	if a.Script != nil {
		fmt.Fprintf(&b, "Script exited %d after %s\n", a.Script.ExitCode, a.Script.Duration)
		if len(a.Script.Output) > 0 {
			b.WriteString("Last output:\n")
			for _, line := range a.Script.Output {
				fmt.Fprintf(&b, "  | %s\n", line)
			}
		}
	}

	if a.Succeeded() {
		b.WriteString("Result: success")
	} else {
		fmt.Fprintf(&b, "Result: failed during %s", a.FailedStep)
		if err := a.Err(); err != nil {
			fmt.Fprintf(&b, "\n  %v", err)
		}
	}
	return b.String()
}

// ParseFormat parses a format string into a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown format: %s", s)
	}
}
