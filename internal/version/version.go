// Package version holds build-time version information for the ragpipe binary.
// The variables in this package are populated at build time via -ldflags:
//
//	go build -ldflags="-X github.com/54b3r/ragpipe-go/internal/version.Version=v1.2.3 \
//	                    -X github.com/54b3r/ragpipe-go/internal/version.Commit=abc1234 \
//	                    -X github.com/54b3r/ragpipe-go/internal/version.BuildDate=2025-01-01"
//
// When built without ldflags the values fall back to readable defaults.
package version

import "fmt"

// Version is the semantic version of the binary. Defaults to "dev".
var Version = "dev"

// Commit is the short git SHA the binary was built from.
var Commit = "unknown"

// BuildDate is the UTC build date in RFC3339 format.
var BuildDate = "unknown"

// String formats the build information for the version command and the
// User-Agent of outbound fetches.
func String() string {
	return fmt.Sprintf("ragpipe %s (commit %s, built %s)", Version, Commit, BuildDate)
}
