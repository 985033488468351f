package server

// These variables are set at build time via ldflags.
// Example: go build -ldflags "-X github.com/switchboard-dev/switchboard/internal/server.Version=$(cat VERSION)"
var (
	// Version is the semantic version, "dev" for local builds.
	Version = "dev"

	// GitCommit is the git commit hash.
	GitCommit = "unknown"

	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// VersionInfo returns a formatted version string for display.
func VersionInfo() string {
	if GitCommit != "unknown" && len(GitCommit) > 7 {
		return Version + " (" + GitCommit[:7] + ")"
	}
	return Version
}
