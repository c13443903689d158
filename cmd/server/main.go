package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "home-bridge",
	Short: "MQTT bridge between the home backend and the Hi3861 board",
	Long: `home-bridge connects to the MQTT broker, decodes telemetry from the
Hi3861 board, stores readings and alerts, and encodes device commands into
the board's control frames.

Configuration is read from the environment and an optional .env file.
Running without a subcommand is the same as "home-bridge serve".`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd, decodeCmd, controlCmd, checkTopologyCmd)

	controlCmd.Flags().BoolVar(&controlDryRun, "dry-run", false, "Print the frames without connecting to the broker")
	controlCmd.Flags().BoolVar(&controlPublishNow, "publish-now", false, "Ask the board for a telemetry frame after the command")
	controlCmd.Flags().DurationVar(&controlWait, "wait", controlWait, "How long to wait for the broker connection")

	checkTopologyCmd.Flags().StringVar(&topologyPath, "topology", "", "Topology file to check (default: TOPOLOGY_PATH)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
