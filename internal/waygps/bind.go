package waygps

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/waygps/tools/internal/config"
	"github.com/waygps/tools/internal/lxcconfig"
)

// bindCmd is waygps bind.
func bindCmd() *cobra.Command {
	impl := &bindImplConfig{}
	cmd := &cobra.Command{
		GroupID: "patch",
		Use:     "bind",
		Short:   "Bind the GPS device node into the Waydroid container",
		Long: `Bind the GPS device node into the Waydroid container.

waygps patch already does this as its last step. Use waygps bind on its own
when the images are patched but the container configuration was reset, e.g.
by waydroid init.

Examples:
  % waygps bind --device=ttyACM0 --idempotent
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().NArg() > 0 {
				fmt.Fprint(os.Stderr, `positional arguments are not supported

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

type bindImplConfig struct {
	flags config.Flags
	fs    *pflag.FlagSet
	host  *host // nil means the real host
}

func (r *bindImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := r.flags.Resolve(r.fs)
	if err != nil {
		return err
	}
	h := r.host
	if h == nil {
		h = newHost()
	}
	if reexeced, err := h.ensureRoot(cfg); reexeced || err != nil {
		return err
	}
	changed, err := lxcconfig.AppendBind(h.fs, cfg.LXCConfig, cfg.Device, cfg.Idempotent)
	if err != nil {
		return err
	}
	if changed {
		fmt.Fprintf(stdout, "bound /dev/%s in %s\n", cfg.Device, cfg.LXCConfig)
	}
	return nil
}
