// Package version provides build-time version information
// injected via ldflags during compilation.
package version

// These variables are set at build time via -ldflags, e.g.
//
//	-X github.com/avaropoint/remotecast/internal/version.Version=1.2.0
var (
	Version   = "dev"
	BuildTime = "unknown"
)
