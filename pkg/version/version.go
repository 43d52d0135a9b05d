package version

import (
	"fmt"
	"runtime"
)

const AppName = "ratefence"

// Overridden at build time:
//
//	go build -ldflags "-X github.com/ratefence/ratefence/pkg/version.Version=..."
var (
	Version   = "0.3.1"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is the build fingerprint reported at startup and on /health.
type Info struct {
	AppName   string `json:"app_name"`
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func GetInfo() Info {
	return Info{
		AppName:   AppName,
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
