// Package version reports build metadata for the iotgate binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set at build time via ldflags:
//
//	go build -ldflags="-X github.com/muurk/iotgate/internal/version.Version=v1.2.3 \
//	                   -X github.com/muurk/iotgate/internal/version.Commit=abc123"
//
// Unset values are filled from the module's VCS stamp, then fall back to
// "dev" and "unknown".
var (
	Version = ""
	Commit  = ""
)

// Info is the resolved build metadata.
type Info struct {
	Version   string
	Commit    string
	BuildTime string
	GoVersion string
	Platform  string
}

var (
	resolveOnce sync.Once
	resolved    Info
)

// Get returns the build metadata, resolving it on first use.
func Get() Info {
	resolveOnce.Do(func() {
		resolved = resolve(Version, Commit, readSettings())
	})
	return resolved
}

// Full returns the full version string including commit
func Full() string {
	info := Get()
	return fmt.Sprintf("%s (commit: %s)", info.Version, info.Commit)
}

func readSettings() map[string]string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	return settings
}

// resolve fills version and commit from VCS settings where ldflags left
// them empty.
func resolve(version, commit string, settings map[string]string) Info {
	info := Info{
		Version:   version,
		Commit:    commit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	if info.Commit == "" {
		if rev := settings["vcs.revision"]; rev != "" {
			if len(rev) > 7 {
				rev = rev[:7]
			}
			if settings["vcs.modified"] == "true" {
				rev += "-dirty"
			}
			info.Commit = rev
		}
	}

	if vcsTime := settings["vcs.time"]; vcsTime != "" {
		if t, err := time.Parse(time.RFC3339, vcsTime); err == nil {
			info.BuildTime = t.UTC().Format(time.RFC3339)
			if info.Version == "" {
				info.Version = "dev-" + t.Format("20060102")
			}
		}
	}

	if info.Version == "" {
		info.Version = "dev"
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	return info
}
