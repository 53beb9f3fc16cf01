// Package version holds the build metadata stamped into baton.
package version

import (
	"fmt"
	"runtime"
)

// Set with -ldflags "-X github.com/andywolf/baton/internal/version.Version=v0.3.0".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Details is what `baton version --json` prints.
type Details struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build details. Commit is kept in full.
func Get() Details {
	return Details{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// ShortCommit is Commit cut to seven characters.
func (d Details) ShortCommit() string {
	if len(d.Commit) > 7 {
		return d.Commit[:7]
	}
	return d.Commit
}

// Short returns the bare version, used by --version.
func Short() string {
	return Version
}

// Info is the one-line form printed by `baton version`.
func Info() string {
	d := Get()
	return fmt.Sprintf("baton %s (commit: %s, built: %s, go: %s)",
		d.Version, d.ShortCommit(), d.BuildDate, d.GoVersion)
}

// Full is the multi-line form printed by `baton version --full`.
func Full() string {
	d := Get()
	return fmt.Sprintf("baton %s\n  Commit:     %s\n  Built:      %s\n  Go version: %s\n  Platform:   %s",
		d.Version, d.Commit, d.BuildDate, d.GoVersion, d.Platform)
}
