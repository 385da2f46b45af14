package waygps

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/waygps/tools/internal/config"
	"github.com/waygps/tools/internal/partition"
)

// offsetsCmd is waygps offsets.
func offsetsCmd() *cobra.Command {
	impl := &offsetsImplConfig{}
	cmd := &cobra.Command{
		GroupID: "inspect",
		Use:     "offsets [flags] <image>",
		Short:   "Print the byte offsets of the partitions in a disk image",
		Long: `Print the byte offsets of the partitions in a disk image.

These are the offsets waygps patch tries when probing a reference image.

Examples:
  % waygps offsets lineage-20-rpi4.img
  % waygps offsets --offsets=diskfs lineage-20-rpi4.img
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().NArg() != 1 {
				fmt.Fprint(os.Stderr, `expected exactly one image

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

type offsetsImplConfig struct {
	flags config.Flags
	fs    *pflag.FlagSet
	host  *host
}

func (r *offsetsImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := r.flags.Resolve(r.fs)
	if err != nil {
		return err
	}
	h := r.host
	if h == nil {
		h = newHost()
	}
	offsets, err := h.offsetSource(cfg).Offsets(ctx, args[0])
	if err != nil {
		return err
	}
	for _, off := range offsets {
		fmt.Fprintf(stdout, "%d\t(sector %d)\n", off, off/partition.SectorSize)
	}
	return nil
}
