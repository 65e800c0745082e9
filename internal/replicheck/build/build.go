// Package build holds build metadata injected at link time, e.g.,
//
//	go build -ldflags "-X github.com/replicheck/replicheck/internal/replicheck/build.ReleaseVersion=v0.2.0"
package build

import "runtime"

var (
	ReleaseVersion = "UNKNOWN_VERSION"
	GitCommit      = "UNKNOWN_COMMIT"
	BuildTime      = "UNKNOWN_BUILDTIME"
	GoVersion      = runtime.Version()
)
