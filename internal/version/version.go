// Package version provides build-time version information for rtspserver.
//
// Version, Commit, and Date are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/nofearsk/rtspserver/internal/version.Version=x.y.z \
//	                   -X github.com/nofearsk/rtspserver/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/nofearsk/rtspserver/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Injected at build time via ldflags.
var (
	// Version is the semantic version, "dev" for untagged builds.
	Version = "dev"

	// Commit is the full git commit SHA.
	Commit = "unknown"

	// Date is the build timestamp in RFC3339 format.
	Date = "unknown"
)

// GoVersion is the Go runtime version.
var GoVersion = runtime.Version()

// ApplicationName is the canonical name of this application.
const ApplicationName = "rtspserver"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build information as a structured value. The JSON
// form carries the full commit SHA.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
		Platform:  platform(),
	}
}

// String returns the full human-readable description printed by the
// version subcommand.
func String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", ApplicationName, Version)
	if c := shortCommit(); c != "" {
		fmt.Fprintf(&b, " (commit %s, built %s)", c, Date)
	}
	fmt.Fprintf(&b, " %s %s", GoVersion, platform())
	return b.String()
}

// Short returns the version for Cobra's --version template, which
// prefixes the application name itself.
func Short() string {
	if c := shortCommit(); c != "" {
		return Version + " (" + c + ")"
	}
	return Version
}

// shortCommit returns the first 8 characters of the commit SHA, or ""
// when the build carried none.
func shortCommit() string {
	if Commit == "unknown" || len(Commit) < 8 {
		return ""
	}
	return Commit[:8]
}

func platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}
