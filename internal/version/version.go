// Package version provides the tierkv version string.
// The version is set at build time via -ldflags.
package version

// Version is the current tierkv version.
// Override at build time: go build -ldflags "-X github.com/tierkv/tierkv/internal/version.Version=1.1.0"
var Version = "1.0.0"

// BuildTime is the build timestamp.
// Override at build time: go build -ldflags "-X github.com/tierkv/tierkv/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var BuildTime = "unknown"
