package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/edgecli/btlite/internal/config"
	"github.com/edgecli/btlite/internal/ui"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

var rootCmd = &cobra.Command{
	Use:   "btlited",
	Short: "btlited - service discovery and session relay over short-range radio",
	Long: `btlited advertises bus names to paired peers, discovers names they
advertise, and bridges a remote peer's radio socket onto a local TCP port.

Run "btlited serve" to start the daemon; the other commands talk to a
running daemon over its control address.

Use "btlited [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		noColor, _ := cmd.Flags().GetBool("no-color")
		ui.SetNoColor(noColor)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ~/.btlite/config.yaml)")
	rootCmd.PersistentFlags().String("addr", "", "Control address of the daemon (default: from config)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(advertiseCmd)
	rootCmd.AddCommand(unadvertiseCmd)
	rootCmd.AddCommand(locateCmd)
	rootCmd.AddCommand(stopDiscoveryCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(exitCmd)
	rootCmd.AddCommand(discoverableCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
}

// loadConfig reads the configuration named by --config
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// versionCmd shows version info
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("btlited\n")
		fmt.Printf("  Version:  %s\n", Version)
		fmt.Printf("  Commit:   %s\n", Commit)
		fmt.Printf("  Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}
