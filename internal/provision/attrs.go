package provision

import (
	"context"
	"os"

	"github.com/pkg/xattr"
	"github.com/waygps/tools/internal/hostcmd"
	"golang.org/x/sys/unix"
)

// HostAttrs changes metadata with direct syscalls. The process must be
// allowed to chown, which in practice means running as root.
type HostAttrs struct{}

func (HostAttrs) Chmod(path string, mode os.FileMode) error {
	if err := unix.Chmod(path, uint32(mode.Perm())); err != nil {
		return &os.PathError{Op: "chmod", Path: path, Err: err}
	}
	return nil
}

func (HostAttrs) Chown(path string, uid, gid int) error {
	if err := unix.Lchown(path, uid, gid); err != nil {
		return &os.PathError{Op: "lchown", Path: path, Err: err}
	}
	return nil
}

// ChconLabeler labels files with chcon(1).
type ChconLabeler struct {
	Runner hostcmd.Runner
}

func (l *ChconLabeler) Label(ctx context.Context, path, label string) error {
	_, err := l.Runner.Run(ctx, "chcon", label, path)
	return err
}

// selinuxXattr is where the kernel stores a file's SELinux context.
const selinuxXattr = "security.selinux"

// XattrLabeler writes the security.selinux attribute itself, for hosts
// without SELinux userspace (and thus without chcon).
type XattrLabeler struct{}

func (XattrLabeler) Label(ctx context.Context, path, label string) error {
	// libselinux stores the context NUL-terminated.
	return xattr.LSet(path, selinuxXattr, append([]byte(label), 0))
}
