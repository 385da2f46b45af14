// Package mount loop-mounts image files (whole, or starting at a byte
// offset) and keeps track of every mount so that none is leaked.
package mount

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/waygps/tools/internal/hostcmd"
)

// MountError is returned when mounting or unmounting fails. Err usually
// is a *hostcmd.ExitError carrying the stderr of mount(8) or umount(8).
type MountError struct {
	Op     string // "mount" or "umount"
	Source string
	Target string
	Err    error
}

func (e *MountError) Error() string {
	if e.Op == "umount" {
		return fmt.Sprintf("umount %s: %v", e.Target, e.Err)
	}
	return fmt.Sprintf("mount %s on %s: %v", e.Source, e.Target, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// Mounter performs the privileged mount operations.
type Mounter interface {
	// Mount creates target if needed and mounts source on it read-write.
	// An offset of 0 mounts the whole file. A target created by a failed
	// Mount is removed again.
	Mount(ctx context.Context, source, target string, offset int64) error
	// Unmount unmounts target and removes the (now empty) directory.
	Unmount(ctx context.Context, target string) error
}

// MountOptions returns the -o argument for mounting at offset.
func MountOptions(offset int64) string {
	if offset == 0 {
		return "rw"
	}
	return "rw,offset=" + strconv.FormatInt(offset, 10)
}

// LoopMounter implements Mounter with mount(8) and umount(8).
type LoopMounter struct {
	Runner hostcmd.Runner

	// Mountinfo is consulted to refuse mounting over an existing mount
	// point. Defaults to /proc/self/mountinfo.
	Mountinfo string
}

func (m *LoopMounter) Mount(ctx context.Context, source, target string, offset int64) error {
	if err := verifyNotMounted(m.Mountinfo, target); err != nil {
		return &MountError{Op: "mount", Source: source, Target: target, Err: err}
	}
	_, statErr := os.Stat(target)
	created := os.IsNotExist(statErr)
	if err := os.MkdirAll(target, 0755); err != nil {
		return &MountError{Op: "mount", Source: source, Target: target, Err: err}
	}
	if _, err := m.Runner.Run(ctx, "mount", "-o", MountOptions(offset), source, target); err != nil {
		if created {
			if rerr := os.Remove(target); rerr != nil {
				log.Printf("WARNING: removing mount point %s: %v", target, rerr)
			}
		}
		return &MountError{Op: "mount", Source: source, Target: target, Err: err}
	}
	return nil
}

func (m *LoopMounter) Unmount(ctx context.Context, target string) error {
	if _, err := m.Runner.Run(ctx, "umount", target); err != nil {
		return &MountError{Op: "umount", Target: target, Err: err}
	}
	if err := os.Remove(target); err != nil {
		return &MountError{Op: "umount", Target: target, Err: err}
	}
	return nil
}
