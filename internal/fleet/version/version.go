// Package version holds build-time version information, populated via
// -ldflags at release builds.
package version

var (
	// Version is the semantic version of the build.
	Version = "dev"
	// GitCommit is the commit the binary was built from.
	GitCommit = "unknown"
	// BuildDate is the UTC build timestamp.
	BuildDate = "unknown"
)
