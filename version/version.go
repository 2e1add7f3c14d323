// Package version provides build-time version information for dbpool.
//
// Version is set at build time using ldflags:
//
//	go build -ldflags "-X github.com/storefront/dbpool/version.Version=1.0.0"
//
// For development builds, the default "dev" version is used.
package version

import "runtime"

// Version is the software version, set at build time via ldflags.
var Version = "dev"

// GitCommit is the git commit hash, set at build time via ldflags.
// Example: -X github.com/storefront/dbpool/version.GitCommit=$(git rev-parse --short HEAD)
var GitCommit = ""

// BuildTime is when the binary was built, set at build time via ldflags.
// Example: -X github.com/storefront/dbpool/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)
var BuildTime = ""

// Full returns the full version string including commit and build time if available.
func Full() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

// Info is the build information served by the admin endpoint.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get returns the build information of the running binary.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}
