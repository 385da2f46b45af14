// Package lxcconfig adds device bind mounts to an LXC container
// configuration file.
package lxcconfig

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/waygps/tools/internal/propfile"
)

// DefaultPath is the node configuration Waydroid includes in its container.
const DefaultPath = "/var/lib/waydroid/lxc/waydroid/config_nodes"

// Entry returns the lxc.mount.entry line exposing /dev/<device> at the
// same path inside the container. The device need not exist when the
// container starts.
func Entry(device string) string {
	return fmt.Sprintf("lxc.mount.entry = /dev/%s dev/%s none bind,create=file,optional 0 0", device, device)
}

// AppendBind appends the bind mount entry for device to the configuration
// at path. With skipPresent, an existing identical entry leaves the file
// untouched. It reports whether the file was changed.
func AppendBind(fs afero.Fs, path, device string, skipPresent bool) (bool, error) {
	entry := Entry(device)
	if skipPresent {
		present, err := hasLine(fs, path, entry)
		if err != nil {
			return false, &propfile.ConfigWriteError{Path: path, Err: err}
		}
		if present {
			log.Printf("%s already binds /dev/%s, skipping", path, device)
			return false, nil
		}
	}
	f, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, &propfile.ConfigWriteError{Path: path, Err: err}
	}
	if _, err := f.WriteString(entry + "\n"); err != nil {
		f.Close()
		return false, &propfile.ConfigWriteError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return false, &propfile.ConfigWriteError{Path: path, Err: err}
	}
	log.Printf("bound /dev/%s into the container via %s", device, path)
	return true, nil
}

func hasLine(fs afero.Fs, path, want string) (bool, error) {
	f, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == want {
			return true, nil
		}
	}
	return false, scanner.Err()
}
