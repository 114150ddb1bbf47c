// Package version holds the build stamp shared by relay and relayd.
package version

import "fmt"

// Overridden with -ldflags "-X github.com/GoCodeAlone/relay/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Describe renders the stamp for a binary, e.g. "relayd 1.2.0 (commit abc, built 2026-01-02)".
func Describe(binary string) string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", binary, Version, Commit, BuildDate)
}
