package commands

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/pkg/chunkstore"
	"github.com/marmos91/pkgload/pkg/chunkstore/container"
	"github.com/marmos91/pkgload/pkg/config"
)

var (
	pushMount        string
	pushWorkers      int
	pushSkipExisting bool
)

var pushCmd = &cobra.Command{
	Use:   "push <container.ptoc>",
	Short: "Copy the chunks of a container into a configured store",
	Long: `Push copies every chunk of a cooked container into an s3, badger or
memory mount from the configuration file. Engines read the container's
packages from that store once its name is listed in the mount's containers.

Examples:
  # Upload to the mount named "cdn"
  pkgload push containers/game.ptoc --mount cdn

  # Only upload chunks the bucket does not hold yet
  pkgload push containers/game.ptoc --mount cdn --skip-existing`,
	Args: cobra.ExactArgs(1),
	RunE: runPush,
}

func init() {
	pushCmd.Flags().StringVarP(&pushMount, "mount", "m", "", "Name of the destination mount")
	pushCmd.Flags().IntVarP(&pushWorkers, "workers", "w", 8, "Concurrent chunk copies")
	pushCmd.Flags().BoolVar(&pushSkipExisting, "skip-existing", false, "Skip chunks the destination already holds")
	_ = pushCmd.MarkFlagRequired("mount")
}

func findMount(cfg *config.Config, name string) (config.MountConfig, error) {
	var names []string
	for _, m := range cfg.Mounts {
		if m.Name == name {
			return m, nil
		}
		names = append(names, m.Name)
	}
	return config.MountConfig{}, fmt.Errorf("no mount named %q (configured: %v)", name, names)
}

func runPush(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mount, err := findMount(cfg, pushMount)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	config.InitializeMetrics(cfg)
	dst, err := config.CreateStore(ctx, mount)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	src, err := container.Open(args[0], container.Config{})
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	start := time.Now()
	stats, err := chunkstore.Copy(ctx, dst, src, chunkstore.CopyOptions{
		Workers:      pushWorkers,
		SkipExisting: pushSkipExisting,
	})
	if err != nil {
		return fmt.Errorf("push %s to %s: %w", src.Name(), mount.Name, err)
	}
	logger.Info("container pushed",
		logger.KeyContainer, src.Name(),
		logger.KeyBackend, dst.Name(),
		logger.KeyCount, stats.Chunks,
		logger.KeyDurationMs, time.Since(start).Milliseconds())

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Pushed %s chunks (%s) from %s to %s, %d skipped\n",
		humanCount(stats.Chunks), humanBytes(uint64(stats.Bytes)), src.Name(), mount.Name, stats.Skipped)
	if !slices.Contains(mount.Containers, src.Name()) {
		_, _ = fmt.Fprintf(out, "\nAdd %q to the containers of mount %q to serve its packages.\n", src.Name(), mount.Name)
	}
	return nil
}
