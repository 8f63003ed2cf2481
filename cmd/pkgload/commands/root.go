// Package commands implements the pkgload CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/pkgload/cmd/pkgload/commands/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "pkgload",
	Short: "pkgload - cooked package loading engine",
	Long: `pkgload cooks asset packages into chunk containers and loads them back
through a prioritized I/O dispatcher and an asynchronous, dependency-ordered
loader.

Use "pkgload [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/pkgload/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(cookCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(config.Cmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
