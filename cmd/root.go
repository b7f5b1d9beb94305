package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/webmproject/webmlive-sub001/internal/util"
	"github.com/webmproject/webmlive-sub001/internal/version"
)

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "webmlive",
		Short: "Live WebM encoder, uploader and relay",
		Long: `webmlive packages audio and video frames into a live WebM stream, uploads
it chunk by chunk to a relay and serves the relayed stream to viewers.`,
		Args: cobra.NoArgs,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose)
			util.SetupGlobalLogger()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				fmt.Fprintln(cmd.OutOrStdout(), version.Get())
				return nil
			}
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(NewEncodeCommand())
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewInspectCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
