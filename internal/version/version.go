// Package version returns details on the build injected by the Go toolchain.
package version

import (
	"runtime"
	"runtime/debug"
)

var (
	// VCSRef is the git commit, populated from the build info
	VCSRef = "unknown"
	// VCSTag is the semver tag when built from a tagged commit
	VCSTag = "unknown"
)

// Info contains details on the current version
type Info struct {
	VCSRef     string `json:"vcsRef,omitempty"`
	VCSTag     string `json:"vcsTag,omitempty"`
	Platform   string `json:"platform,omitempty"`
	GoVer      string `json:"goVersion,omitempty"`
	GoCompiler string `json:"goCompiler,omitempty"`
}

// GetInfo returns the current version info
func GetInfo() Info {
	loadVCSVars()
	return Info{
		VCSRef:     VCSRef,
		VCSTag:     VCSTag,
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		GoVer:      runtime.Version(),
		GoCompiler: runtime.Compiler,
	}
}

func loadVCSVars() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			VCSRef = s.Value
		}
	}
	if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		VCSTag = bi.Main.Version
	}
}
