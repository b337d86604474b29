package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/frostdev-ops/pma-hub/pkg/version.Version=1.2.0".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = runtime.Version()
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// commit prefers the ldflags value and falls back to the VCS stamp go build
// embeds.
func commit() string {
	if GitCommit != "" && GitCommit != "unknown" {
		return GitCommit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return s.Value
			}
		}
	}
	return "unknown"
}

// GetVersion returns the release version, or dev-<short commit>.
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	c := commit()
	if len(c) > 8 {
		c = c[:8]
	}
	return "dev-" + c
}

func GetFullVersion() string {
	b := GetBuildInfo()
	return fmt.Sprintf("%s (commit: %s, built: %s, go: %s)", b.Version, b.GitCommit, b.BuildDate, b.GoVersion)
}

func GetBuildInfo() *BuildInfo {
	return &BuildInfo{
		Version:   GetVersion(),
		GitCommit: commit(),
		BuildDate: BuildDate,
		GoVersion: GoVersion,
	}
}

// TXTRecords returns the build info as mDNS TXT entries.
func TXTRecords() []string {
	return []string{"version=" + GetVersion(), "commit=" + commit()}
}
