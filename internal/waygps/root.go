// Package waygps implements the waygps command line interface.
package waygps

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/waygps/tools/internal/version"
)

func RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "waygps",
		Short: "enable GPS/GNSS support in Waydroid",
		Long: `The waygps tool makes a GPS receiver on the host usable inside Waydroid:

1. Copy the GNSS HAL of a reference Android image into Waydroid's images (waygps patch),
2. Bind the GPS device node into the Waydroid container (waygps bind),
3. Inspect reference images and profiles (waygps offsets, waygps profiles).

Patching, verifying and binding need root privileges. Unless it is running
as root already, waygps re-runs itself through sudo for these commands
(see --sudo).
`,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			versionVal, err := cmd.Flags().GetBool("version")
			if err != nil {
				return fmt.Errorf("BUG: version flag declared as non-bool")
			}
			if versionVal {
				fmt.Fprintln(cmd.OutOrStdout(), version.Read())
				return nil
			}
			return pflag.ErrHelp
		},
	}
	rootCmd.AddGroup(&cobra.Group{
		ID:    "patch",
		Title: "Commands to patch a Waydroid installation:",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "inspect",
		Title: "Commands to inspect reference images and settings:",
	})
	rootCmd.Flags().Bool("version", false, "print waygps version")
	rootCmd.AddCommand(patchCmd())
	rootCmd.AddCommand(bindCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(offsetsCmd())
	rootCmd.AddCommand(profilesCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}
