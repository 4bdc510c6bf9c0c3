// Package buildinfo holds the agent's name and version. Release builds set
// the version with ldflags:
//
//	go build -ldflags "\
//	  -X github.com/nedpals/davi-cma-agent/buildinfo.Version=1.0.0 \
//	  -X github.com/nedpals/davi-cma-agent/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	// Name is used for logs, the MQTT client id and the data directory.
	Name = "davi-cma-agent"

	// DisplayName is shown in desktop notifications and certificates.
	DisplayName = "Content Manager Agent"

	Description = "Connection manager for handheld content transfer"

	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// FullVersion returns the version with the commit appended when known.
func FullVersion() string {
	if Commit != "" {
		return fmt.Sprintf("%s (%s)", Version, Commit)
	}
	return Version
}

// BuildInfo is the multi-line text printed by -version.
func BuildInfo() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", Name, FullVersion())
	fmt.Fprintf(&sb, "  %s\n", Description)
	fmt.Fprintf(&sb, "  Go: %s, %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if BuildTime != "" {
		fmt.Fprintf(&sb, "\n  Built: %s", BuildTime)
	}
	return sb.String()
}

// IsDev reports whether this is an unreleased build.
func IsDev() bool { return Version == "dev" }
