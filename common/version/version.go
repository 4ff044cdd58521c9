// Package version exposes build metadata for the quickdeploy binaries.
package version

var (
	// Version is the release tag; local builds keep the dev default.
	Version = "v0.0.0-dev"

	// GitCommit is the commit the binary was built from (set via ldflags)
	GitCommit = "unknown"

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = "unknown"
)

// Info renders the one-line banner both binaries log at startup.
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
