package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Set at build time, e.g.
// -ldflags "-X github.com/lkarlslund/tokenrelay/pkg/version.Version=v0.3.0".
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

// Current merges the linker-provided values with the VCS stamp the Go
// toolchain embeds. Linker values win.
func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = bi.GoVersion
	return mergeBuildSettings(info, bi.Settings)
}

func mergeBuildSettings(info Info, settings []debug.BuildSetting) Info {
	for _, s := range settings {
		value := strings.TrimSpace(s.Value)
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = value
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = value
			}
		case "vcs.modified":
			info.Modified = info.Modified || value == "true"
		}
	}
	return info
}

// Short renders e.g. "v0.3.0+1a2b3c4d5e6f+dirty".
func (i Info) Short() string {
	out := i.Version
	if i.Commit != "" {
		commit := i.Commit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		out += "+" + commit
	}
	if i.Modified {
		out += "+dirty"
	}
	return out
}

func String() string {
	return Current().Short()
}

func Detailed(component string) string {
	if component = strings.TrimSpace(component); component == "" {
		component = "tokenrelay"
	}
	i := Current()
	out := fmt.Sprintf("%s %s", component, i.Short())
	if i.Date != "" {
		out += "\nBuilt: " + i.Date
	}
	if i.GoVersion != "" {
		out += "\nGo: " + i.GoVersion
	}
	return out
}
