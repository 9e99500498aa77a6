// Package version renders a version line for the ntl command binaries.
package version

import (
	"runtime/debug"
	"strings"
)

// String formats a human-friendly version line. It prefers the values
// injected via -ldflags and falls back to Go module build info when those
// are unset or default placeholders.
func String(version, commit, date string) string {
	v := strings.TrimSpace(version)
	c := strings.TrimSpace(commit)
	d := strings.TrimSpace(date)

	if info, ok := debug.ReadBuildInfo(); ok {
		if v == "" || v == "dev" || v == "(devel)" {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
		if c == "" || c == "unknown" {
			if rev := buildSetting(info, "vcs.revision"); rev != "" {
				c = rev
			}
		}
		if d == "" || d == "unknown" {
			if t := buildSetting(info, "vcs.time"); t != "" {
				d = t
			}
		}
	}

	out := v
	if out == "" {
		out = "dev"
	}
	if c != "" && c != "unknown" {
		if len(c) > 12 {
			c = c[:12]
		}
		out += " (" + c
		if d != "" && d != "unknown" {
			out += ", " + d
		}
		out += ")"
	}
	return out
}

func buildSetting(info *debug.BuildInfo, key string) string {
	for _, s := range info.Settings {
		if s.Key == key {
			return strings.TrimSpace(s.Value)
		}
	}
	return ""
}
