// Package version reports what build is running. The variables are
// overridden at link time:
//
//	-ldflags "-X github.com/bissquit/notifyq/internal/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import "runtime"

var (
	// Version is bumped by Release Please.
	Version   = "0.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is the payload of GET /version.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// Get returns the running build.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// UserAgent identifies notifyq to provider APIs.
func UserAgent() string {
	return "notifyq/" + Version
}
