package orchestrator

import (
	"strings"
	"unicode"
)

// MaxRunningProgress is the ceiling of the estimate while the script runs.
const MaxRunningProgress = 90

var progressSteps = []struct {
	keyword string
	delta   int
}{
	{"downloading", 3},
	{"installing", 2},
	{"restarting", 4},
	{"complete", 5},
}

const maxStatusLineLength = 200

// EstimateProgress advances current by the weight of one output line. The
// estimate never decreases and never exceeds MaxRunningProgress.
func EstimateProgress(current int, line string) int {
	if current >= MaxRunningProgress {
		return MaxRunningProgress
	}
	if IsErrorLine(line) {
		return current
	}

	delta := 1
	l := strings.ToLower(line)
	for _, s := range progressSteps {
		if strings.Contains(l, s.keyword) {
			delta = s.delta
			break
		}
	}

	next := current + delta
	if next > MaxRunningProgress {
		next = MaxRunningProgress
	}
	return next
}

// IsErrorLine reports whether a script output line announces a failure.
func IsErrorLine(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "error") || strings.Contains(l, "failed")
}

// statusLine turns raw script output into text safe to show observers.
func statusLine(line string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, line)
	cleaned = strings.TrimSpace(cleaned)
	if r := []rune(cleaned); len(r) > maxStatusLineLength {
		cleaned = string(r[:maxStatusLineLength])
	}
	return cleaned
}

// tail keeps the last n lines of output.
type tail struct {
	n     int
	lines []string
}

func newTail(n int) *tail {
	return &tail{n: n}
}

func (t *tail) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) snapshot() []string {
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}
