// Package hostcmdtest provides a scripted hostcmd.Runner for tests that must
// not touch real block devices or require root.
package hostcmdtest

import (
	"context"
	"strings"
	"sync"

	"github.com/waygps/tools/internal/hostcmd"
)

// Call records one invocation.
type Call struct {
	Name string
	Args []string
}

func (c Call) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Response is what the fake returns for a tool. A non-zero ExitCode turns
// into a *hostcmd.ExitError.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Hook, if set, runs before the response is returned (e.g. to create
	// the files a real tool would create).
	Hook func(args []string) error
}

// Fake is a hostcmd.Runner which records calls and answers from a table
// keyed by tool name. Tools without an entry succeed silently.
type Fake struct {
	mu        sync.Mutex
	Responses map[string]Response
	Calls     []Call
}

func (f *Fake) Run(ctx context.Context, name string, args ...string) (*hostcmd.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.Calls = append(f.Calls, Call{Name: name, Args: append([]string(nil), args...)})
	resp := f.Responses[name]
	f.mu.Unlock()

	if resp.Hook != nil {
		if err := resp.Hook(args); err != nil {
			return nil, err
		}
	}
	res := &hostcmd.Result{
		Stdout:   []byte(resp.Stdout),
		Stderr:   []byte(resp.Stderr),
		ExitCode: resp.ExitCode,
	}
	if resp.ExitCode != 0 {
		return res, &hostcmd.ExitError{
			Argv:     append([]string{name}, args...),
			ExitCode: resp.ExitCode,
			Stderr:   resp.Stderr,
		}
	}
	return res, nil
}

// Commands returns the recorded calls formatted as command lines.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmds := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		cmds[i] = c.String()
	}
	return cmds
}
