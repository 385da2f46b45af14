// Package hostcmd runs the external tools (fdisk, mount, e2fsck, chcon, …)
// that the patching pipeline treats as opaque collaborators.
package hostcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// Result holds the captured output of one tool invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner invokes an external tool and waits for it to finish.
//
// Implementations return a non-nil Result whenever the tool was started, even
// if it exited non-zero (in which case the error is an *ExitError).
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

// ExitError is returned when a tool exits with a non-zero status. It keeps
// the tool's stderr so that callers can surface it for diagnosis.
type ExitError struct {
	Argv     []string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", strings.Join(e.Argv, " "), e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// Exec is the Runner backed by os/exec. Tools run with the privileges of
// the current process; see Elevation.
type Exec struct{}

// Run starts the tool unless ctx is already done. A running tool is never
// killed on cancellation: interrupting resize2fs or umount half-way leaves
// the images in a worse state than letting them finish.
func (e *Exec) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	argv := append([]string{name}, args...)
	log.Printf("exec: %s", strings.Join(argv, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := &Result{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			return nil, fmt.Errorf("%s: %w", strings.Join(argv, " "), err)
		}
		res.ExitCode = ee.ExitCode()
		return res, &ExitError{
			Argv:     argv,
			ExitCode: res.ExitCode,
			Stderr:   stderr.String(),
		}
	}
	return res, nil
}
