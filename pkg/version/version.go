// Package version holds build information injected with -ldflags.
package version

import "fmt"

var (
	// Version is the semantic version of the build.
	Version = "0.3.0"
	// GitCommit is the commit the binary was built from.
	GitCommit = "unknown"
	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// String renders the build information on one line, shortening the commit
// hash to seven characters.
func String() string {
	commit := GitCommit
	if len(commit) > 7 && commit != "unknown" {
		commit = commit[:7]
	}
	return fmt.Sprintf("vsync %s (commit %s, built %s)", Version, commit, BuildTime)
}
