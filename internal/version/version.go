// Package version provides build metadata, set through -ldflags at release time
package version

import (
	"fmt"
	"runtime"
)

// Name is the product name shown by the CLI and /api/info
const Name = "modelfetch"

var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// VersionInfo contains complete version information
type VersionInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns complete version information
func GetVersionInfo() *VersionInfo {
	return &VersionInfo{
		Name:      Name,
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String returns the version as a string
func (v *VersionInfo) String() string {
	if v.GitCommit != "unknown" {
		return fmt.Sprintf("%s (commit: %s)", v.Version, v.GitCommit)
	}
	return v.Version
}

// FullString returns detailed version information
func (v *VersionInfo) FullString() string {
	return fmt.Sprintf("%s %s\nGit Commit: %s\nBuild Date: %s\nGo Version: %s\nPlatform: %s",
		v.Name, v.Version, v.GitCommit, v.BuildDate, v.GoVersion, v.Platform)
}
