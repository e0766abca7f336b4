package main

import (
	"runtime/debug"
	"strings"

	"github.com/marcus/pricetrack/cmd"
)

// Version is stamped by release builds with -ldflags "-X main.Version=v1.2.3".
var Version = "dev"

func effectiveVersion(v string) string {
	if v != "" && v != "dev" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok || info == nil {
		return v
	}
	if got := moduleVersion(info); got != "" {
		return got
	}
	return v
}

// moduleVersion reports the version `go install pkg@vX.Y.Z` recorded, or a
// devel+<rev>[+dirty] string for a source checkout.
func moduleVersion(info *debug.BuildInfo) string {
	if mv := info.Main.Version; mv != "" && mv != "(devel)" {
		return mv
	}

	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return ""
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	parts := []string{"devel", rev}
	if settings["vcs.modified"] == "true" {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "+")
}

func main() {
	cmd.SetVersion(effectiveVersion(Version))
	cmd.Execute()
}
