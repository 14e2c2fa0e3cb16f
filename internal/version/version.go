package version

import (
	"fmt"
	"runtime"
	"time"
)

// These variables will be set at build time via -ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
	CommitID  = "unknown"
)

// Info describes the running binary.
type Info struct {
	Version       string `toml:"version"`
	GitCommit     string `toml:"git_commit"`
	BuildTime     string `toml:"build_time"`
	FormattedTime string `toml:"-"`
	GoVersion     string `toml:"go_version"`
	OS            string `toml:"os"`
	Arch          string `toml:"arch"`
}

// formatBuildTime returns a human readable build time
func formatBuildTime() string {
	if BuildTime == "unknown" {
		return BuildTime
	}
	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return BuildTime
	}
	return t.Format("Mon Jan 2 15:04:05 2006")
}

// Current returns the version information of this binary.
func Current() Info {
	return Info{
		Version:       Version,
		GitCommit:     CommitID,
		BuildTime:     BuildTime,
		FormattedTime: formatBuildTime(),
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
	}
}

// Short is the one-line form printed by --version.
func (i Info) Short() string {
	return fmt.Sprintf("glrec version %s, build %s", i.Version, i.GitCommit)
}
