package update

import (
	"fmt"
	"runtime"
)

// Platform identifies the operating system and architecture the service
// runs on.
type Platform struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
}

// Detect returns the current platform (OS and architecture)
func Detect() Platform {
	return Platform{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}
}

// String returns the platform in os/arch form, e.g. "linux/arm64".
func (p Platform) String() string {
	return fmt.Sprintf("%s/%s", p.OS, p.Arch)
}

// SupportsSelfUpdate reports whether update scripts can be launched as a
// detached session on this platform.
func (p Platform) SupportsSelfUpdate() bool {
	supportedPlatforms := map[string][]string{
		"darwin": {"amd64", "arm64"},
		"linux":  {"amd64", "arm64", "arm", "386"},
	}

	archs, ok := supportedPlatforms[p.OS]
	if !ok {
		return false
	}

	for _, arch := range archs {
		if p.Arch == arch {
			return true
		}
	}

	return false
}
