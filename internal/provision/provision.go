// Package provision copies a curated set of files from one directory tree
// into another and applies the mode, ownership and SELinux label that files
// on an Android system or vendor partition need.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/otiai10/copy"
)

const (
	// Mode is rwxr-xr-x, applied to every provisioned file.
	Mode os.FileMode = 0755

	// SystemFileLabel is the SELinux context of files on /system and /vendor.
	SystemFileLabel = "u:object_r:system_file:s0"
)

// CopyError is returned when provisioning Path fails in step Op.
type CopyError struct {
	Op   string // "copy", "chmod", "chown", "label" or "verify"
	Path string
	Err  error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CopyError) Unwrap() error { return e.Err }

// Attrs changes file metadata.
type Attrs interface {
	Chmod(path string, mode os.FileMode) error
	Chown(path string, uid, gid int) error
}

// Labeler sets the security label of a file.
type Labeler interface {
	Label(ctx context.Context, path, label string) error
}

// Provisioner copies file sets. The zero UID/GID is root, which is what
// Android expects for system files.
type Provisioner struct {
	Attrs   Attrs
	Labeler Labeler
	UID     int
	GID     int
	// Label defaults to SystemFileLabel.
	Label string
}

// CopyWithOwnership copies every relative path from srcDir to dstDir, then
// sets Mode, chowns the copy to UID:GID and applies the security label.
// It stops at the first failure.
func (p *Provisioner) CopyWithOwnership(ctx context.Context, srcDir, dstDir string, paths []string) error {
	return p.copyAll(ctx, srcDir, dstDir, paths, true)
}

// CopyWithMode is like CopyWithOwnership, but only sets Mode. It is meant
// for destination filesystems which do not carry Android's ownership and
// label model.
func (p *Provisioner) CopyWithMode(ctx context.Context, srcDir, dstDir string, paths []string) error {
	return p.copyAll(ctx, srcDir, dstDir, paths, false)
}

func (p *Provisioner) copyAll(ctx context.Context, srcDir, dstDir string, paths []string, system bool) error {
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.copyOne(ctx, srcDir, dstDir, rel, system); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) copyOne(ctx context.Context, srcDir, dstDir, rel string, system bool) error {
	if err := checkRelative(rel); err != nil {
		return &CopyError{Op: "copy", Path: rel, Err: err}
	}
	src := filepath.Join(srcDir, rel)
	dst := filepath.Join(dstDir, rel)

	fi, err := os.Stat(src)
	if err != nil {
		return &CopyError{Op: "copy", Path: src, Err: err}
	}
	if !fi.Mode().IsRegular() {
		return &CopyError{Op: "copy", Path: src, Err: errors.New("not a regular file")}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return &CopyError{Op: "copy", Path: dst, Err: err}
	}
	if err := copy.Copy(src, dst, copy.Options{PreserveTimes: true}); err != nil {
		return &CopyError{Op: "copy", Path: dst, Err: err}
	}
	log.Printf("copied %s to %s", src, dst)

	if err := p.Attrs.Chmod(dst, Mode); err != nil {
		return &CopyError{Op: "chmod", Path: dst, Err: err}
	}
	if !system {
		return nil
	}
	if err := p.Attrs.Chown(dst, p.UID, p.GID); err != nil {
		return &CopyError{Op: "chown", Path: dst, Err: err}
	}
	label := p.Label
	if label == "" {
		label = SystemFileLabel
	}
	if err := p.Labeler.Label(ctx, dst, label); err != nil {
		return &CopyError{Op: "label", Path: dst, Err: err}
	}
	return nil
}

// checkRelative rejects paths that would escape the directories they are
// joined to.
func checkRelative(rel string) error {
	if rel == "" || filepath.IsAbs(rel) {
		return fmt.Errorf("%q is not a relative path", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%q points outside of its tree", rel)
	}
	return nil
}
