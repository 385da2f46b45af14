package waygps

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/waygps/tools/internal/config"
)

// verifyCmd is waygps verify.
func verifyCmd() *cobra.Command {
	impl := &verifyImplConfig{}
	cmd := &cobra.Command{
		GroupID: "patch",
		Use:     "verify [flags] <reference-image>",
		Short:   "Check that Waydroid's images contain the reference image's GNSS files",
		Long: `Check that Waydroid's images contain the reference image's GNSS files.

waygps verify mounts the images like waygps patch does, but neither resizes
nor modifies them. It compares every file patch would copy with its source.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().NArg() > 1 {
				fmt.Fprint(os.Stderr, `expected at most one reference image

`)
				return cmd.Usage()
			}
			return impl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
		},
	}
	impl.fs = cmd.Flags()
	impl.flags.RegisterPflags(impl.fs)
	return cmd
}

type verifyImplConfig struct {
	flags config.Flags
	fs    *pflag.FlagSet
	host  *host
}

func (r *verifyImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := resolve(&r.flags, r.fs, args)
	if err != nil {
		return err
	}
	if cfg.ReferenceImage == "" {
		return fmt.Errorf("no reference image specified")
	}
	h := r.host
	if h == nil {
		h = newHost()
	}
	if reexeced, err := h.ensureRoot(cfg); reexeced || err != nil {
		return err
	}
	p, err := h.patcher(cfg)
	if err != nil {
		return err
	}
	if err := p.Check(ctx); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s and %s contain the GNSS files of %s\n", cfg.VendorImage, cfg.SystemImage, cfg.ReferenceImage)
	return nil
}
