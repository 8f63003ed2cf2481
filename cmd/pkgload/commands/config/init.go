package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/pkgload/internal/cli/prompt"
	"github.com/marmos91/pkgload/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	Long: `Initialize a pkgload configuration file with the default settings.

By default, the configuration file is created at $XDG_CONFIG_HOME/pkgload/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  pkgload config init

  # Initialize with custom path
  pkgload config init --config /etc/pkgload/config.yaml

  # Overwrite an existing file without asking
  pkgload config init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	force := initForce
	if _, err := os.Stat(configPath); err == nil && !force {
		ok, err := prompt.ConfirmOverwrite(configPath, false)
		if err != nil {
			return err
		}
		if !ok {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Configuration left unchanged")
			return nil
		}
		force = true
	}

	if err := config.InitConfigToPath(configPath, force); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file created at: %s\n", configPath)
	_, _ = fmt.Fprintln(out, "\nNext steps:")
	_, _ = fmt.Fprintln(out, "  1. Point mounts at your cooked containers")
	_, _ = fmt.Fprintln(out, "  2. Load a package with: pkgload load /Game/Package")
	_, _ = fmt.Fprintf(out, "  3. Or serve the engine: pkgload serve --config %s\n", configPath)
	return nil
}
