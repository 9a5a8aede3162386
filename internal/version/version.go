// Package version reports the transmux build and the media libraries it was
// linked against.
//
// Version, Commit and Date may be injected with ldflags; Commit and Date
// otherwise come from the VCS stamp of the build.
//
//	go build -ldflags "-X github.com/jmylchreest/transmux/internal/version.Version=x.y.z"
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "transmux"

// mediaModules are the parsing and boxing libraries whose versions decide
// how segments are demuxed and written.
var mediaModules = []string{
	"github.com/Eyevinn/mp4ff",
	"github.com/asticode/go-astits",
	"github.com/bluenviron/mediacommon/v2",
}

// Info contains structured version information.
type Info struct {
	Version   string            `json:"version"`
	Commit    string            `json:"commit,omitempty"`
	Date      string            `json:"date,omitempty"`
	GoVersion string            `json:"go_version"`
	Platform  string            `json:"platform"`
	Modules   map[string]string `json:"modules,omitempty"`
}

// GetInfo returns the version information of the running binary.
func GetInfo() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.fill(bi)
	}
	return info
}

// fill completes info from the build metadata. ldflags values win.
func (info *Info) fill(bi *debug.BuildInfo) {
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = s.Value
			}
		}
	}
	for _, dep := range bi.Deps {
		if !slices.Contains(mediaModules, dep.Path) {
			continue
		}
		v := dep.Version
		if dep.Replace != nil {
			v = dep.Replace.Version
		}
		if info.Modules == nil {
			info.Modules = make(map[string]string)
		}
		info.Modules[dep.Path] = v
	}
}

func (info Info) shortCommit() string {
	if len(info.Commit) < 8 {
		return info.Commit
	}
	return info.Commit[:8]
}

// String renders info as a header line followed by one line per media
// library.
func (info Info) String() string {
	var sb strings.Builder
	if c := info.shortCommit(); c != "" {
		fmt.Fprintf(&sb, "%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, c, info.Date, info.GoVersion, info.Platform)
	} else {
		fmt.Fprintf(&sb, "%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
	}
	for _, path := range mediaModules {
		if v, ok := info.Modules[path]; ok {
			fmt.Fprintf(&sb, "\n  %s %s", path, v)
		}
	}
	return sb.String()
}

// String returns the human-readable version report of the running binary.
func String() string {
	return GetInfo().String()
}

// Short returns the version for cobra's --version output, which already
// prints the application name.
func Short() string {
	if c := GetInfo().shortCommit(); c != "" {
		return fmt.Sprintf("%s (%s)", Version, c)
	}
	return Version
}

// JSON returns the version information as an indented JSON document.
func JSON() string {
	data, err := json.MarshalIndent(GetInfo(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
