package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultMountinfo = "/proc/self/mountinfo"

// verifyNotMounted returns an error if target already is a mount point.
// Two concurrent runs against the same mount root would otherwise stack
// mounts on top of each other.
func verifyNotMounted(mountinfo, target string) error {
	if mountinfo == "" {
		mountinfo = defaultMountinfo
	}
	b, err := os.ReadFile(mountinfo)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // platform does not have mountinfo, fall back to not verifying
		}
		return err
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		parts := strings.Split(line, " ")
		if len(parts) < 5 {
			continue
		}
		if unescapeMountinfo(parts[4]) == abs {
			return fmt.Errorf("%s is already a mount point (is another run in progress?)", target)
		}
	}
	return nil
}

// unescapeMountinfo decodes the \NNN octal escapes the kernel uses for
// space, tab, newline and backslash in mountinfo paths.
func unescapeMountinfo(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
