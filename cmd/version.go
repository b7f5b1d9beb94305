package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/webmproject/webmlive-sub001/internal/version"
)

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			out := cmd.OutOrStdout()

			switch output {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			case "text":
				fmt.Fprintf(out, "Version:    %s\n", info.Version)
				fmt.Fprintf(out, "Git commit: %s\n", info.GitCommit)
				fmt.Fprintf(out, "Built:      %s\n", info.BuildTime)
				fmt.Fprintf(out, "Go version: %s\n", info.GoVersion)
				fmt.Fprintf(out, "OS/Arch:    %s/%s\n", info.OS, info.Arch)
				return nil
			default:
				return fmt.Errorf("invalid output format %q, use text or json", output)
			}
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text or json)")
	return cmd
}
