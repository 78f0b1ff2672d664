// Package buildinfo reports the clover build that is running.
package buildinfo

import (
	"runtime/debug"
)

// Set with -ldflags "-X github.com/cmtonkinson/clover/internal/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// Info is the resolved build metadata.
type Info struct {
	Version string
	Commit  string
	BuiltAt string
	// Modified is true when the binary was built from a dirty checkout.
	Modified bool
}

// Current merges linker-provided values with what the Go toolchain embedded.
// Linker values win; "go install" builds only carry the embedded ones.
func Current() Info {
	info := Info{Version: Version, Commit: Commit, BuiltAt: BuiltAt}
	build, ok := readBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && build.Main.Version != "" && build.Main.Version != "(devel)" {
		info.Version = build.Main.Version
	}
	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			if info.Commit == "unknown" && setting.Value != "" {
				info.Commit = shortCommit(setting.Value)
			}
		case "vcs.time":
			if info.BuiltAt == "unknown" && setting.Value != "" {
				info.BuiltAt = setting.Value
			}
		case "vcs.modified":
			info.Modified = setting.Value == "true"
		}
	}
	return info
}

// String renders "clover <version> (commit <sha>, built <time>)".
func (info Info) String() string {
	commit := info.Commit
	if info.Modified {
		commit += "-dirty"
	}
	return "clover " + info.Version + " (commit " + commit + ", built " + info.BuiltAt + ")"
}

// String is shorthand for Current().String().
func String() string {
	return Current().String()
}

func shortCommit(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
