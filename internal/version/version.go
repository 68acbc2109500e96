package version

import "fmt"

// Build identity, overridden at link time with
// -ldflags "-X github.com/banshee-data/depthpose/internal/version.Version=v0.3.0 ...".
var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build identity for the CLI and status endpoints.
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitSHA, BuildTime)
}
