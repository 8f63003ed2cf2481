package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marmos91/pkgload/internal/cli/output"
	"github.com/marmos91/pkgload/pkg/chunkstore/container"
	"github.com/marmos91/pkgload/pkg/cook"
	"github.com/marmos91/pkgload/pkg/pkgstore/catalog"
)

var (
	cookOutputDir       string
	cookFormat          string
	cookExclude         []string
	cookCompression     string
	cookAllowMissing    bool
	cookAllowUnverified bool
	cookRecordInCatalog bool
	cookWorkers         int
)

var cookCmd = &cobra.Command{
	Use:   "cook <manifest.yaml>",
	Short: "Cook a package manifest into a container",
	Long: `Cook optimizes every package of a manifest and writes them as one
container: <dir>/<container>.ptoc with its data file.

With --catalog the cooked packages are also recorded in the catalog database
configured under "catalog", where engines with the catalog enabled find them.

Examples:
  # Cook into ./containers
  pkgload cook game.yaml -d ./containers

  # Drop editor-only preload arcs and record the packages
  pkgload cook game.yaml --exclude editor_only --catalog`,
	Args: cobra.ExactArgs(1),
	RunE: runCook,
}

func init() {
	cookCmd.Flags().StringVarP(&cookOutputDir, "dir", "d", ".", "Output directory")
	cookCmd.Flags().StringVarP(&cookFormat, "output", "o", "table", "Output format (table|json|yaml)")
	cookCmd.Flags().StringSliceVar(&cookExclude, "exclude", nil, "Filter flags whose preload arcs are dropped (editor_only, not_for_client, not_for_server)")
	cookCmd.Flags().StringVar(&cookCompression, "compression", "", "Block compression (zstd|none), overrides the manifest")
	cookCmd.Flags().BoolVar(&cookAllowMissing, "allow-missing-imports", false, "Keep cooking when an import is not produced by the manifest")
	cookCmd.Flags().BoolVar(&cookAllowUnverified, "allow-unverified-redirects", false, "Remap redirects that only match partially")
	cookCmd.Flags().BoolVar(&cookRecordInCatalog, "catalog", false, "Record cooked packages in the configured catalog")
	cookCmd.Flags().IntVar(&cookWorkers, "workers", 0, "Parallel summary encoders (default: GOMAXPROCS)")
}

// CookResult is the printable outcome of a cook.
type CookResult struct {
	Container   string              `json:"container" yaml:"container"`
	ContainerID string              `json:"container_id" yaml:"container_id"`
	TOC         string              `json:"toc" yaml:"toc"`
	Chunks      int                 `json:"chunks" yaml:"chunks"`
	DurationMs  int64               `json:"duration_ms" yaml:"duration_ms"`
	Packages    []CookedPackageInfo `json:"packages" yaml:"packages"`
}

// CookedPackageInfo is one package of a CookResult.
type CookedPackageInfo struct {
	Name     string `json:"name" yaml:"name"`
	ID       string `json:"id" yaml:"id"`
	Exports  int    `json:"exports" yaml:"exports"`
	Bundles  int    `json:"bundles" yaml:"bundles"`
	Imports  int    `json:"imports" yaml:"imports"`
	Bytes    int    `json:"bytes" yaml:"bytes"`
	Redirect string `json:"redirect,omitempty" yaml:"redirect,omitempty"`
}

func (r CookResult) Headers() []string {
	return []string{"Package", "Exports", "Bundles", "Imports", "Size", "Redirect"}
}

func (r CookResult) Rows() [][]string {
	rows := make([][]string, 0, len(r.Packages))
	for _, p := range r.Packages {
		rows = append(rows, []string{
			p.Name,
			strconv.Itoa(p.Exports),
			strconv.Itoa(p.Bundles),
			strconv.Itoa(p.Imports),
			humanBytes(uint64(p.Bytes)),
			p.Redirect,
		})
	}
	return rows
}

func runCook(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	format, err := output.ParseFormat(cookFormat)
	if err != nil {
		return err
	}

	manifest, err := cook.LoadManifest(args[0])
	if err != nil {
		return err
	}
	exclude, err := cook.ParseFilter(cookExclude)
	if err != nil {
		return err
	}

	opts := cook.Options{
		OutputDir:                cookOutputDir,
		Writer:                   container.DefaultWriterConfig(),
		Exclude:                  exclude,
		AllowMissingImports:      cookAllowMissing,
		AllowUnverifiedRedirects: cookAllowUnverified,
		Workers:                  cookWorkers,
	}
	if cookCompression != "" {
		c, err := container.ParseCompression(cookCompression)
		if err != nil {
			return err
		}
		manifest.Compression = ""
		opts.Writer.Compression = c
	}

	if cookRecordInCatalog {
		cat, err := catalog.New(cfg.Catalog.Database)
		if err != nil {
			return fmt.Errorf("failed to open catalog: %w", err)
		}
		defer func() { _ = cat.Close() }()
		opts.Catalog = cat
	}

	ctx, cancel := signalContext()
	defer cancel()

	report, err := cook.Cook(ctx, manifest, opts)
	if err != nil {
		return err
	}

	result := CookResult{
		Container:   report.Container,
		ContainerID: fmt.Sprintf("%016x", report.ContainerID),
		TOC:         report.TOCPath,
		Chunks:      report.Chunks,
		DurationMs:  report.Duration.Milliseconds(),
		Packages:    make([]CookedPackageInfo, 0, len(report.Packages)),
	}
	for _, p := range report.Packages {
		result.Packages = append(result.Packages, CookedPackageInfo{
			Name:     p.Name,
			ID:       p.ID.String(),
			Exports:  p.Exports,
			Bundles:  p.Bundles,
			Imports:  p.Imports,
			Bytes:    p.Bytes,
			Redirect: p.Redirect,
		})
	}

	printer := output.NewPrinter(cmd.OutOrStdout(), format, false)
	if err := printer.Print(result); err != nil {
		return err
	}
	printer.Printf("\n%s packages, %s chunks written to %s in %s\n",
		humanCount(len(report.Packages)), humanCount(report.Chunks), report.TOCPath, report.Duration)
	if cookRecordInCatalog {
		printer.Success("packages recorded in catalog")
	}
	return nil
}
