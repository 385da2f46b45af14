// Package waygps allows running the waygps CLI from Go code, e.g. from an
// installer which sets up Waydroid and its GPS support in one go.
package waygps

import (
	"context"
	"io"

	"github.com/waygps/tools/internal/waygps"
)

type Context struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Args   []string
}

// Execute runs the CLI. Cancelling ctx stops a patch run at the next step,
// after which its mounts are still released.
func (c Context) Execute(ctx context.Context) error {
	root := waygps.RootCmd()
	if r := c.Stdin; r != nil {
		root.SetIn(r)
	}
	if w := c.Stdout; w != nil {
		root.SetOut(w)
	}
	if w := c.Stderr; w != nil {
		root.SetErr(w)
	}
	if args := c.Args; args != nil {
		root.SetArgs(args)
	}
	root.SetContext(ctx)
	return root.Execute()
}
