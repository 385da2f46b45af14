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

// configCmd is waygps config.
func configCmd() *cobra.Command {
	impl := &configImplConfig{}
	cmd := &cobra.Command{
		GroupID: "inspect",
		Use:     "config [flags] [<reference-image>]",
		Short:   "Save the effective settings to the config file",
		Long: `Save the effective settings to the config file.

The settings of the existing config file (if any) are combined with the
flags given and written back, so that later runs need no flags.

Examples:
  % waygps config --profile=lineage --device=ttyACM0 lineage-20-rpi4.img
  % waygps patch
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

type configImplConfig struct {
	flags config.Flags
	fs    *pflag.FlagSet
}

func (r *configImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := resolve(&r.flags, r.fs, args)
	if err != nil {
		return err
	}
	if r.flags.ConfigPath == "" {
		return fmt.Errorf("no config path (set --config or $XDG_CONFIG_HOME)")
	}
	if err := cfg.Save(r.flags.ConfigPath); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "saved %s\n", r.flags.ConfigPath)
	return nil
}
