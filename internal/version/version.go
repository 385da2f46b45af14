// Package version reports which commit the waygps binary was built from.
package version

import (
	"runtime/debug"
	"strings"
)

// Info describes the build.
type Info struct {
	Revision string
	Modified bool
}

// fromBuildInfo extracts the VCS revision. When built with go install
// (not from a checkout) the revision is the suffix of the pseudo-version,
// e.g. v0.0.0-20240107144322-7a5757f46310.
func fromBuildInfo(info *debug.BuildInfo) (Info, bool) {
	var bi Info
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			bi.Revision = s.Value
		case "vcs.modified":
			bi.Modified = s.Value == "true"
		}
	}
	if bi.Revision != "" {
		return bi, true
	}
	v := info.Main.Version
	if idx := strings.LastIndexByte(v, '-'); idx > -1 {
		return Info{Revision: v[idx+1:]}, true
	}
	return Info{}, false
}

func read() (Info, bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Info{}, false
	}
	return fromBuildInfo(info)
}

// Read returns the commit URL of the running binary.
func Read() string {
	bi, ok := read()
	if !ok {
		return "unknown"
	}
	s := "https://github.com/waygps/tools/commit/" + bi.Revision
	if bi.Modified {
		s += " (modified)"
	}
	return s
}

// ReadBrief returns an abbreviated revision such as g7a5757+.
func ReadBrief() string {
	bi, ok := read()
	if !ok {
		return "unknown"
	}
	return bi.Brief()
}

func (bi Info) Brief() string {
	rev := bi.Revision
	if len(rev) > 6 {
		rev = rev[:6]
	}
	if bi.Modified {
		rev += "+"
	}
	return "g" + rev
}
