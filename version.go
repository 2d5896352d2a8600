package tapak

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Build metadata. Version and Commit may be overridden with -ldflags -X.
var (
	Version = "0.3.0"
	Commit  = ""
)

// BuildInfo describes the binary the client was compiled into.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Modified  bool   `json:"modified"`
	GoVersion string `json:"goVersion"`
}

var readBuild = sync.OnceValue(func() BuildInfo {
	info := BuildInfo{Version: Version, Commit: Commit, GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
})

// Build returns metadata about the running binary.
func Build() BuildInfo {
	return readBuild()
}

// GetVersion returns a single line suitable for a version command.
func GetVersion() string {
	b := Build()
	commit := b.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if commit == "" {
		commit = "unknown"
	}
	if b.Modified {
		commit += "+dirty"
	}
	return fmt.Sprintf("tapak v%s (%s, %s)", b.Version, commit, b.GoVersion)
}
