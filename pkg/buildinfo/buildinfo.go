// Package buildinfo reports the version of the shardmeta binary, from
// -ldflags when the release build injected them, otherwise from the VCS
// settings the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"sync"
)

type Info struct {
	Version  string
	Commit   string
	Date     string
	Modified bool
	GoVer    string
}

func (i Info) String() string {
	commit := i.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if i.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (commit %s, built %s, %s)", i.Version, commit, i.Date, i.GoVer)
}

var (
	// Set from main via -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
	injected Info

	once   sync.Once
	cached Info
)

// Set records the values injected with -ldflags. Empty values
// fall back to the embedded VCS settings.
func Set(version, commit, date string) {
	injected = Info{Version: version, Commit: commit, Date: date}
}

// Get returns the build info, resolved once.
func Get() Info {
	once.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			bi = nil
		}
		cached = resolve(bi, injected)
	})
	return cached
}

func resolve(bi *debug.BuildInfo, injected Info) Info {
	info := Info{Version: "dev", Commit: "unknown", Date: "unknown"}
	if bi != nil {
		info.GoVer = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Commit = s.Value
			case "vcs.time":
				info.Date = s.Value
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
		if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	}
	if injected.Version != "" {
		info.Version = injected.Version
	}
	if injected.Commit != "" {
		info.Commit = injected.Commit
	}
	if injected.Date != "" {
		info.Date = injected.Date
	}
	return info
}
