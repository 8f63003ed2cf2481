package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/pkgload/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the pkgload configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  pkgload config validate

  # Validate specific config file
  pkgload config validate --config /etc/pkgload/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	var warnings []string
	if len(cfg.Mounts) == 0 {
		warnings = append(warnings, "No mounts configured - every load will fail")
	}
	for _, m := range cfg.Mounts {
		switch m.Type {
		case config.MountContainer, config.MountDirectory:
			if _, err := os.Stat(m.Path); err != nil {
				warnings = append(warnings, fmt.Sprintf("Mount %s: %s does not exist yet", m.Name, m.Path))
			}
		case config.MountS3, config.MountBadger, config.MountMemory:
			if len(m.Containers) == 0 {
				warnings = append(warnings, fmt.Sprintf("Mount %s lists no containers - its packages are only found through the catalog", m.Name))
			}
		}
	}
	if cfg.Cache.Size == 0 {
		warnings = append(warnings, "Block cache disabled (cache.size is 0)")
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", displayPath)
	_, _ = fmt.Fprintln(out, "Validation: OK")

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	_, _ = fmt.Fprintf(out, "\nConfiguration summary:\n")
	_, _ = fmt.Fprintf(out, "  Mounts:          %d\n", len(cfg.Mounts))
	_, _ = fmt.Fprintf(out, "  Cache:           %s in %s blocks\n", cfg.Cache.Size, cfg.Cache.BlockSize)
	_, _ = fmt.Fprintf(out, "  Threaded loader: %t\n", cfg.Loader.IsThreaded())
	_, _ = fmt.Fprintf(out, "  Catalog:         %t\n", cfg.Catalog.Enabled)
	_, _ = fmt.Fprintf(out, "  API port:        %d\n", cfg.Server.Port)
	_, _ = fmt.Fprintf(out, "  Log level:       %s\n", cfg.Logging.Level)
	return nil
}
