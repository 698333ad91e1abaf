// Package version holds build metadata stamped in at link time:
//
//	go build -ldflags "-X github.com/brandpulse/engine/internal/version.Version=v0.3.0"
package version

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
