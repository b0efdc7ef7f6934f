// Package version holds build metadata injected at link time.
package version

import "fmt"

// Populated via -ldflags "-X genforge/internal/version.Version=..." at build.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line human-readable version string.
func Info() string {
	return fmt.Sprintf("genforge %s (commit %s, built %s)", Version, Commit, Date)
}
