// Package resize grows ext2/3/4 image files in place so that there is room
// for the files injected into them.
package resize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/waygps/tools/internal/hostcmd"
)

const (
	MiB = 1024 * 1024

	// DefaultHeadroomMiB is added to the current image size.
	DefaultHeadroomMiB = 100
)

// ResizeError is returned when e2fsck or resize2fs fails.
type ResizeError struct {
	Argv     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ResizeError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", strings.Join(e.Argv, " "), e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResizeError) Unwrap() error { return e.Err }

// errUnexpectedStderr is wrapped when Strict rejects a successful run.
var errUnexpectedStderr = errors.New("unexpected diagnostic output")

// bannerRE matches the version line both e2fsprogs tools print on stderr,
// e.g. "resize2fs 1.47.0 (5-Feb-2023)".
func bannerRE(tool string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(tool) + ` \d+\.\d+(\.\d+)* \(.+\)\n?$`)
}

var banners = map[string]*regexp.Regexp{
	"e2fsck":    bannerRE("e2fsck"),
	"resize2fs": bannerRE("resize2fs"),
}

// TargetSize returns the resize2fs size argument for an image of size bytes.
func TargetSize(size, headroomMiB int64) string {
	return fmt.Sprintf("%dM", size/MiB+headroomMiB)
}

// Resizer runs e2fsck followed by resize2fs.
//
// The exit status of each tool decides success. Stderr output other than the
// version banner is logged; with Strict set it fails the resize even though
// the tool exited successfully.
type Resizer struct {
	Runner hostcmd.Runner

	// HeadroomMiB defaults to DefaultHeadroomMiB.
	HeadroomMiB int64

	Strict bool
}

// Grow checks the filesystem in image and grows it by the configured
// headroom.
func (r *Resizer) Grow(ctx context.Context, image string) error {
	fi, err := os.Stat(image)
	if err != nil {
		return &ResizeError{Argv: []string{"stat", image}, Err: err}
	}
	headroom := r.HeadroomMiB
	if headroom == 0 {
		headroom = DefaultHeadroomMiB
	}
	size := TargetSize(fi.Size(), headroom)
	log.Printf("resizing %s to %s", image, size)

	if err := r.run(ctx, "e2fsck", "-y", "-f", image); err != nil {
		return err
	}
	return r.run(ctx, "resize2fs", image, size)
}

func (r *Resizer) run(ctx context.Context, tool string, args ...string) error {
	argv := append([]string{tool}, args...)
	res, err := r.Runner.Run(ctx, tool, args...)
	if err != nil {
		var ee *hostcmd.ExitError
		if !errors.As(err, &ee) {
			return &ResizeError{Argv: argv, Err: err}
		}
		// e2fsck exits 1 when it corrected filesystem errors.
		if !(tool == "e2fsck" && ee.ExitCode == 1) {
			return &ResizeError{Argv: argv, ExitCode: ee.ExitCode, Stderr: ee.Stderr}
		}
		log.Printf("%s corrected filesystem errors in %s", tool, args[len(args)-1])
	}
	stderr := string(res.Stderr)
	switch {
	case stderr == "":
	case banners[tool].MatchString(stderr):
		log.Printf("%s: %s", tool, strings.TrimSpace(stderr))
	case r.Strict:
		return &ResizeError{Argv: argv, ExitCode: res.ExitCode, Stderr: stderr, Err: errUnexpectedStderr}
	default:
		log.Printf("WARNING: %s: %s", tool, strings.TrimSpace(stderr))
	}
	return nil
}
