package update

import (
	"runtime"
	"testing"
)

func TestDetect(t *testing.T) {
	p := Detect()

	if p.OS != runtime.GOOS {
		t.Errorf("OS mismatch: got %s, want %s", p.OS, runtime.GOOS)
	}

	if p.Arch != runtime.GOARCH {
		t.Errorf("Arch mismatch: got %s, want %s", p.Arch, runtime.GOARCH)
	}
}

func TestPlatformString(t *testing.T) {
	p := Platform{OS: "linux", Arch: "arm64"}
	if got := p.String(); got != "linux/arm64" {
		t.Errorf("String() = %v, want linux/arm64", got)
	}
}

func TestPlatformSupportsSelfUpdate(t *testing.T) {
	tests := []struct {
		name string
		p    Platform
		want bool
	}{
		{name: "linux arm64", p: Platform{OS: "linux", Arch: "arm64"}, want: true},
		{name: "linux armv7", p: Platform{OS: "linux", Arch: "arm"}, want: true},
		{name: "darwin amd64", p: Platform{OS: "darwin", Arch: "amd64"}, want: true},
		{name: "windows", p: Platform{OS: "windows", Arch: "amd64"}, want: false},
		{name: "linux riscv", p: Platform{OS: "linux", Arch: "riscv64"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.SupportsSelfUpdate(); got != tt.want {
				t.Errorf("SupportsSelfUpdate() = %v, want %v", got, tt.want)
			}
		})
	}
}
