package version

import "fmt"

// set by the linker, e.g. -ldflags "-X github.com/mpapenbr/runsession/version.Version=v1.0.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var FullVersion = fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate)
