package update

import (
	"errors"
	"strings"
	"testing"

	"github.com/adamancini/kioskd/internal/types"
)

func TestValidatorValidate(t *testing.T) {
	v := DefaultValidator()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "semantic", input: "1.2.3"},
		{name: "semantic with v prefix", input: "v1.2.3"},
		{name: "semantic prerelease", input: "1.0.0-rc.1"},
		{name: "short", input: "1.2"},
		{name: "short with v prefix", input: "v2.10"},
		{name: "commit short", input: "a1b2c3d"},
		{name: "commit full", input: "0123456789abcdef0123456789abcdef01234567"},
		{name: "date", input: "2024.03.15"},
		{name: "generic", input: "nightly-42"},
		{name: "empty", input: "", wantErr: true},
		{name: "too long", input: strings.Repeat("1", 51), wantErr: true},
		{name: "path separator", input: "../1.2.3", wantErr: true},
		{name: "backslash", input: "1.2\\3", wantErr: true},
		{name: "shell semicolon", input: "1.2.3;rm", wantErr: true},
		{name: "shell substitution", input: "$(id)", wantErr: true},
		{name: "backtick", input: "`id`", wantErr: true},
		{name: "pipe", input: "1|2", wantErr: true},
		{name: "newline", input: "1.2.3\n", wantErr: true},
		{name: "space", input: "1.2 .3", wantErr: true},
		{name: "null byte", input: "1.2.3\x00", wantErr: true},
		{name: "unicode", input: "1.2.3é", wantErr: true},
		{name: "leading dash", input: "-1.2.3", wantErr: true},
		{name: "leading dot", input: ".hidden", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidVersion) {
				t.Errorf("Validate(%q) error = %v, want ErrInvalidVersion", tt.input, err)
			}
		})
	}
}

func TestValidatorRestrictedPatterns(t *testing.T) {
	v := Validator{
		MaxLength: 50,
		Patterns:  []types.VersionPattern{types.PatternSemantic},
		Strict:    true,
	}

	if err := v.Validate("1.2.3"); err != nil {
		t.Errorf("semantic should be accepted: %v", err)
	}
	if err := v.Validate("nightly"); err == nil {
		t.Error("generic should be rejected when only semantic is allowed")
	}
	if err := v.Validate("a1b2c3d"); err == nil {
		t.Error("commit should be rejected when only semantic is allowed")
	}
}

func TestValidatorNonStrictStillRejectsMetacharacters(t *testing.T) {
	v := Validator{MaxLength: 20}

	if err := v.Validate("anything_goes"); err != nil {
		t.Errorf("non-strict should accept plain text: %v", err)
	}
	if err := v.Validate("a;b"); err == nil {
		t.Error("non-strict must still reject shell metacharacters")
	}
	if err := v.Validate(strings.Repeat("a", 21)); err == nil {
		t.Error("non-strict must still enforce length")
	}
}

func TestValidatorClassify(t *testing.T) {
	v := DefaultValidator()

	tests := []struct {
		input string
		want  types.VersionPattern
	}{
		{"1.2.3", types.PatternSemantic},
		{"1.2", types.PatternShort},
		{"deadbeef", types.PatternCommit},
		{"release-candidate", types.PatternGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := v.Classify(tt.input)
			if !ok {
				t.Fatalf("Classify(%q) matched nothing", tt.input)
			}
			if got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsCommitHash(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"a1b2c3d", true},
		{"A1B2C3D4E5", true},
		{"abc123", false},
		{"1.2.3", false},
		{"g1b2c3d", false},
		{strings.Repeat("a", 41), false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := IsCommitHash(tt.input); got != tt.want {
				t.Errorf("IsCommitHash(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsSemantic(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"1.2.3", true},
		{"v1.2.3", true},
		{"1.2", true},
		{"1.2.3-beta.1", true},
		{"1", false},
		{"1.2.3.4", false},
		{"deadbeef", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := IsSemantic(tt.input); got != tt.want {
				t.Errorf("IsSemantic(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeVersion(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "with v prefix",
			input: "v0.8.2",
			want:  "0.8.2",
		},
		{
			name:  "without v prefix",
			input: "0.8.2",
			want:  "0.8.2",
		},
		{
			name:  "with prerelease",
			input: "v1.0.0-rc.1",
			want:  "1.0.0-rc.1",
		},
		{
			name:  "surrounding whitespace",
			input: " v1.0.0\n",
			want:  "1.0.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeVersion(tt.input); got != tt.want {
				t.Errorf("NormalizeVersion() = %v, want %v", got, tt.want)
			}
		})
	}
}
