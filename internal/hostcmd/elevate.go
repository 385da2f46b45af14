package hostcmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Sudo modes, as accepted by the --sudo flag.
const (
	SudoAuto   = "auto"
	SudoAlways = "always"
	SudoNever  = "never"
)

// EnvElevated is set in the environment of a process re-executed by
// Elevation, so that it does not re-execute itself again.
const EnvElevated = "WAYGPS_ELEVATED"

// ErrNotRoot is returned by Elevation.Ensure when root privileges are
// required but may not be obtained through sudo.
var ErrNotRoot = errors.New("waygps must run as root (run it with sudo, or pass --sudo=auto)")

// Elevation makes sure the whole process runs as root. Mounting, copying into
// the mounted images and editing their files all need root, so elevating
// single tools is not enough.
type Elevation struct {
	// Mode is one of SudoAuto (the default for ""), SudoAlways or SudoNever.
	Mode string

	// Euid defaults to unix.Geteuid.
	Euid func() int

	// Reexec runs the command line again as root and waits for it.
	// Defaults to SudoReexec(os.Args[1:]).
	Reexec func() error
}

// Ensure returns (false, nil) if the caller may proceed in this process. If
// it re-executed the program through sudo instead, it returns true and the
// outcome of that run, and the caller must not do any work itself.
func (e Elevation) Ensure() (reexeced bool, _ error) {
	euid := e.Euid
	if euid == nil {
		euid = unix.Geteuid
	}
	root := euid() == 0
	if os.Getenv(EnvElevated) != "" || e.Mode == SudoNever || (e.Mode != SudoAlways && root) {
		if !root {
			return false, ErrNotRoot
		}
		return false, nil
	}
	reexec := e.Reexec
	if reexec == nil {
		reexec = func() error { return SudoReexec(os.Args[1:]) }
	}
	log.Printf("root privileges required, re-running waygps using sudo")
	return true, reexec()
}

// SudoReexec runs the current executable with args through sudo, connected
// to this process's standard streams. The child is not killed when the
// parent is interrupted: it receives the terminal's signals itself and
// releases its mounts before exiting.
func SudoReexec(args []string) error {
	// Use absolute path because $PATH might not be the same when using sudo:
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command("sudo", append([]string{"--preserve-env", exe}, args...)...)
	cmd.Env = append(os.Environ(), EnvElevated+"=1")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return &ExitError{Argv: cmd.Args, ExitCode: ee.ExitCode()}
		}
		return fmt.Errorf("sudo: %w", err)
	}
	return nil
}
