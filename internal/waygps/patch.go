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

// patchCmd is waygps patch.
func patchCmd() *cobra.Command {
	impl := &patchImplConfig{}
	cmd := &cobra.Command{
		GroupID: "patch",
		Use:     "patch [flags] <reference-image>",
		Short:   "Copy the GNSS HAL from a reference image into Waydroid's images",
		Long: `Copy the GNSS HAL from a reference image into Waydroid's images.

waygps patch mounts the reference image and Waydroid's vendor and system
images, grows the Waydroid images, copies the GNSS HAL files over, declares
the HAL in the VINTF manifest and compatibility matrix, sets the GPS
properties in build.prop and finally binds the GPS device into the
container. All mounts are undone before waygps exits, even on failure.

Stop Waydroid (waydroid session stop) before patching.

Examples:
  # Patch using a BlissOS x86_64 installer image:
  % waygps patch --profile=bliss ~/Downloads/Bliss-v15.9-x86_64.img

  # Patch using a LineageOS arm64 disk image, GPS receiver at /dev/ttyACM0:
  % waygps patch --profile=lineage --device=ttyACM0 --baud=9600 lineage-20-rpi4.img
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

type patchImplConfig struct {
	flags config.Flags
	fs    *pflag.FlagSet
	host  *host // nil means the real host
}

// resolve returns the effective settings, with the reference image taken
// from the first positional argument if there is one.
func resolve(flags *config.Flags, fs *pflag.FlagSet, args []string) (*config.Struct, error) {
	cfg, err := flags.Resolve(fs)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		cfg.ReferenceImage = args[0]
	}
	return cfg, nil
}

func (r *patchImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := resolve(&r.flags, r.fs, args)
	if err != nil {
		return err
	}
	if cfg.ReferenceImage == "" {
		return fmt.Errorf("no reference image specified (pass it as argument or set ReferenceImage in %s)", r.flags.ConfigPath)
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
	if err := p.Run(ctx); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "GPS/GNSS support enabled in Waydroid, restart it with: waydroid session stop; waydroid session start\n")
	return nil
}
