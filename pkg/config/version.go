// Package config holds build metadata shared by the sentinel binaries.
package config

import (
	"fmt"
	"runtime"
)

// Build information. Populated at build time via -ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// BuildInfo contains all build information.
type BuildInfo struct {
	Program   string `json:"program"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetBuildInfo returns the build information for program.
func GetBuildInfo(program string) BuildInfo {
	return BuildInfo{
		Program:   program,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// VersionString returns a one-line version banner for program.
func VersionString(program string) string {
	return fmt.Sprintf("%s %s (%s) built at %s with %s",
		program, Version, Commit, BuildTime, runtime.Version())
}
