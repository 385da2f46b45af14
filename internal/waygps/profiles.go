package waygps

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/waygps/tools/internal/config"
	"github.com/waygps/tools/internal/profile"
)

// profilesCmd is waygps profiles.
func profilesCmd() *cobra.Command {
	impl := &profilesImplConfig{}
	cmd := &cobra.Command{
		GroupID: "inspect",
		Use:     "profiles",
		Short:   "List the known reference image layouts",
		Long: `List the known reference image layouts and the files copied from them.

Additional layouts can be defined in a YAML file passed via --profiles.
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

type profilesImplConfig struct {
	flags config.Flags
	fs    *pflag.FlagSet
}

func (r *profilesImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := r.flags.Resolve(r.fs)
	if err != nil {
		return err
	}
	profiles, err := profile.Load(cfg.ProfilesFile)
	if err != nil {
		return err
	}
	for _, name := range profiles.Names() {
		p, err := profiles.Lookup(name)
		if err != nil {
			return err
		}
		marker := ""
		if name == cfg.Profile {
			marker = " (selected)"
		}
		fmt.Fprintf(stdout, "%s%s: %s\n", p.Name, marker, p.Description)
		tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
		for _, set := range []struct {
			src, dst string
			files    []string
		}{
			{p.VendorSource, "vendor/" + p.VendorTarget, p.VendorFiles.VendorTarget},
			{p.SystemSource, "vendor/" + p.VendorTarget, p.SystemFiles.VendorTarget},
			{p.SystemSource, "system/" + p.SystemTarget, p.SystemFiles.SystemTarget},
			{p.VendorSource, "system/" + p.SystemTarget, p.VendorFiles.SystemTarget},
		} {
			for _, fn := range set.files {
				fmt.Fprintf(tw, "  %s\t%s\t→ %s\n", fn, set.src, set.dst)
			}
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}
