package update

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/adamancini/kioskd/internal/types"
)

// DefaultMaxVersionLength bounds version strings unless configured otherwise.
const DefaultMaxVersionLength = 50

// ErrInvalidVersion is returned for strings outside the version grammar.
var ErrInvalidVersion = errors.New("invalid version string")

var patternRegex = map[types.VersionPattern]*regexp.Regexp{
	types.PatternSemantic: regexp.MustCompile(`^v?\d+\.\d+\.\d+(?:-[0-9A-Za-z][0-9A-Za-z.-]*)?$`),
	types.PatternShort:    regexp.MustCompile(`^v?\d+\.\d+(?:\.\d+)?$`),
	types.PatternCommit:   regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`),
	types.PatternDate:     regexp.MustCompile(`^\d{4}\.(?:0[1-9]|1[0-2])\.(?:0[1-9]|[12]\d|3[01])$`),
	types.PatternGeneric:  regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.-]*$`),
}

// semverRegex accepts MAJOR.MINOR[.PATCH][-PRERELEASE], the forms compared numerically.
var semverRegex = regexp.MustCompile(`^v?\d+\.\d+(?:\.\d+)?(?:-[0-9A-Za-z][0-9A-Za-z.-]*)?$`)

// forbiddenChars are rejected regardless of the configured patterns.
const forbiddenChars = "/\\;&|`$(){}[]<>!*?'\"~#%^=,:"

// Validator checks candidate version strings against the configured grammar.
type Validator struct {
	MaxLength int
	Patterns  []types.VersionPattern
	// Strict enables pattern matching; when false only the length and
	// character checks apply.
	Strict bool
}

// DefaultValidator returns a strict validator accepting every pattern.
func DefaultValidator() Validator {
	return Validator{
		MaxLength: DefaultMaxVersionLength,
		Patterns:  types.AllVersionPatterns(),
		Strict:    true,
	}
}

// Validate returns nil when s is an acceptable version string.
func (v Validator) Validate(s string) error {
	maxLen := v.MaxLength
	if maxLen <= 0 {
		maxLen = DefaultMaxVersionLength
	}
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidVersion)
	}
	if len(s) > maxLen {
		return fmt.Errorf("%w: length %d exceeds %d", ErrInvalidVersion, len(s), maxLen)
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: contains control or whitespace characters", ErrInvalidVersion)
		}
		if r > unicode.MaxASCII {
			return fmt.Errorf("%w: contains non-ASCII characters", ErrInvalidVersion)
		}
		if strings.ContainsRune(forbiddenChars, r) {
			return fmt.Errorf("%w: contains forbidden character %q", ErrInvalidVersion, r)
		}
	}
	if !v.Strict {
		return nil
	}
	if _, ok := v.Classify(s); !ok {
		return fmt.Errorf("%w: %q matches no allowed pattern", ErrInvalidVersion, s)
	}
	return nil
}

// Classify returns the first allowed pattern matching s.
func (v Validator) Classify(s string) (types.VersionPattern, bool) {
	patterns := v.Patterns
	if len(patterns) == 0 {
		patterns = types.AllVersionPatterns()
	}
	for _, p := range patterns {
		re, ok := patternRegex[p]
		if !ok {
			continue
		}
		if re.MatchString(s) {
			return p, true
		}
	}
	return "", false
}

// IsCommitHash reports whether s looks like an abbreviated or full git SHA.
func IsCommitHash(s string) bool {
	return patternRegex[types.PatternCommit].MatchString(s)
}

// IsSemantic reports whether s is MAJOR.MINOR[.PATCH][-PRERELEASE].
func IsSemantic(s string) bool {
	return semverRegex.MatchString(s)
}

// NormalizeVersion removes the 'v' prefix if present
func NormalizeVersion(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "v")
}
