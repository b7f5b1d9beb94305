package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/webmproject/webmlive-sub001/config"
	"github.com/webmproject/webmlive-sub001/internal/server"
	"github.com/webmproject/webmlive-sub001/internal/util"
)

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	var (
		port     int
		dataDir  string
		noRecord bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the relay that receives uploaded chunks, records every stream under the
data directory and re-broadcasts it live at /live/{stream}.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if noRecord {
				dataDir = ""
			}
			return runServe(cmd, port, dataDir)
		},
		Example: `  # Start the relay on the default port
  webmlive serve

  # Record into a custom directory
  webmlive serve -p 9000 --data-dir /srv/webm`,
	}

	flags := cmd.Flags()
	flags.IntVarP(&port, "port", "p", config.GetServerPort(), "Server port")
	flags.StringVar(&dataDir, "data-dir", config.GetDataDir(), "Directory uploaded streams are recorded to")
	flags.BoolVar(&noRecord, "no-record", false, "Relay without recording")

	return cmd
}

func runServe(cmd *cobra.Command, port int, dataDir string) error {
	srv := server.New(server.Config{Port: port, DataDir: dataDir}, util.GetLogger())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", color.GreenString("webmlive relay"),
		color.CyanString("➜ http://localhost:%d", port))
	fmt.Fprintf(out, "  upload    POST /upload/{stream}, GET /ws/upload/{stream}\n")
	fmt.Fprintf(out, "  watch     GET /live/{stream}\n")
	if dataDir != "" {
		fmt.Fprintf(out, "  recording %s\n", dataDir)
	}
	fmt.Fprintf(out, "Press %s to stop...\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errCh:
		return err
	case <-sigChan:
	}

	util.GetLogger().Info("Shutting down relay...")
	if err := srv.Stop(); err != nil {
		return err
	}
	return <-errCh
}
