// Package buildinfo carries version metadata injected with -ldflags at build time.
package buildinfo

import (
	"fmt"
	"runtime/debug"

	"github.com/cordum/stagehand/core/infra/logging"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

var readBuildInfo = debug.ReadBuildInfo

// Resolve fills Commit and Date from the module's embedded VCS stamp when ldflags left them unset.
func Resolve() {
	info, ok := readBuildInfo()
	if !ok {
		return
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if Commit == "unknown" && setting.Value != "" {
				Commit = setting.Value
			}
		case "vcs.time":
			if Date == "unknown" && setting.Value != "" {
				Date = setting.Value
			}
		}
	}
}

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log resolves the build metadata and writes it under the binary's component name.
func Log(binary string) {
	Resolve()
	logging.Info(binary, "starting", "version", Version, "commit", Commit, "date", Date)
}
