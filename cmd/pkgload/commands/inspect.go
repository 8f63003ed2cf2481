package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marmos91/pkgload/internal/cli/output"
	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/chunkstore"
	"github.com/marmos91/pkgload/pkg/chunkstore/container"
	"github.com/marmos91/pkgload/pkg/pkgstore"
)

var (
	inspectFormat string
	inspectChunks bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <container.ptoc>",
	Short: "Show the chunks and packages of a container",
	Long: `Inspect decodes a container's table of contents and its container header.

Examples:
  # Summary and package list
  pkgload inspect containers/game.ptoc

  # Every chunk, as JSON
  pkgload inspect containers/game.ptoc --chunks -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVarP(&inspectFormat, "output", "o", "table", "Output format (table|json|yaml)")
	inspectCmd.Flags().BoolVar(&inspectChunks, "chunks", false, "List every chunk")
}

// ContainerInfo is the printable content of a container.
type ContainerInfo struct {
	Name        string       `json:"name" yaml:"name"`
	GUID        string       `json:"guid" yaml:"guid"`
	ContainerID string       `json:"container_id" yaml:"container_id"`
	BlockSize   uint32       `json:"block_size" yaml:"block_size"`
	Blocks      int          `json:"blocks" yaml:"blocks"`
	Compressed  uint64       `json:"compressed_bytes" yaml:"compressed_bytes"`
	Size        uint64       `json:"uncompressed_bytes" yaml:"uncompressed_bytes"`
	Packages    []PackageRow `json:"packages" yaml:"packages"`
	Chunks      []ChunkRow   `json:"chunks,omitempty" yaml:"chunks,omitempty"`
}

// PackageRow is one entry of the container header.
type PackageRow struct {
	Name    string `json:"name" yaml:"name"`
	ID      string `json:"id" yaml:"id"`
	Exports uint32 `json:"exports" yaml:"exports"`
	Bundles uint32 `json:"bundles" yaml:"bundles"`
	Imports int    `json:"imported_packages" yaml:"imported_packages"`
}

// ChunkRow is one TOC entry.
type ChunkRow struct {
	ID     string `json:"id" yaml:"id"`
	Type   string `json:"type" yaml:"type"`
	Offset uint64 `json:"offset" yaml:"offset"`
	Length uint64 `json:"length" yaml:"length"`
}

type packageTable []PackageRow

func (t packageTable) Headers() []string {
	return []string{"Package", "ID", "Exports", "Bundles", "Imports"}
}

func (t packageTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, p := range t {
		rows = append(rows, []string{p.Name, p.ID,
			strconv.FormatUint(uint64(p.Exports), 10),
			strconv.FormatUint(uint64(p.Bundles), 10),
			strconv.Itoa(p.Imports)})
	}
	return rows
}

type chunkTable []ChunkRow

func (t chunkTable) Headers() []string { return []string{"Chunk", "Type", "Offset", "Length"} }

func (t chunkTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, c := range t {
		rows = append(rows, []string{c.ID, c.Type,
			strconv.FormatUint(c.Offset, 10), humanBytes(c.Length)})
	}
	return rows
}

// DescribeContainer reads the TOC and header of the container at tocPath.
func DescribeContainer(ctx context.Context, tocPath string, withChunks bool) (*ContainerInfo, error) {
	store, err := container.Open(tocPath, container.Config{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	toc := store.TOC()
	info := &ContainerInfo{
		Name:        store.Name(),
		GUID:        toc.GUID.String(),
		ContainerID: fmt.Sprintf("%016x", toc.ContainerID),
		BlockSize:   toc.BlockSize,
		Blocks:      len(toc.Blocks),
		Packages:    []PackageRow{},
	}
	for _, b := range toc.Blocks {
		info.Compressed += uint64(b.CompressedSize)
		info.Size += uint64(b.UncompressedSize)
	}
	if withChunks {
		for _, e := range toc.Entries {
			info.Chunks = append(info.Chunks, ChunkRow{
				ID:     e.ID.String(),
				Type:   e.ID.Type().String(),
				Offset: e.Offset,
				Length: e.Length,
			})
		}
	}

	data, err := store.Read(ctx, chunk.ForContainerHeader(toc.ContainerID), 0, 0)
	if errors.Is(err, chunkstore.ErrChunkNotFound) {
		return info, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read container header: %w", err)
	}
	_, entries, err := pkgstore.DecodeContainerHeader(data)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		info.Packages = append(info.Packages, toPackageRow(e))
	}
	return info, nil
}

func toPackageRow(e pkgstore.Entry) PackageRow {
	return PackageRow{
		Name:    e.Name,
		ID:      e.ID.String(),
		Exports: e.ExportCount,
		Bundles: e.BundleCount,
		Imports: len(e.ImportedPackages),
	}
}

func runInspect(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	format, err := output.ParseFormat(inspectFormat)
	if err != nil {
		return err
	}

	info, err := DescribeContainer(cmd.Context(), args[0], inspectChunks)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format != output.FormatTable {
		return output.NewPrinter(out, format, false).Print(info)
	}

	ratio := "n/a"
	if info.Size > 0 {
		ratio = fmt.Sprintf("%.1f%%", 100*float64(info.Compressed)/float64(info.Size))
	}
	if err := output.KeyValues(out, [][2]string{
		{"Container", info.Name},
		{"GUID", info.GUID},
		{"Container ID", info.ContainerID},
		{"Blocks", fmt.Sprintf("%d x %s", info.Blocks, humanBytes(uint64(info.BlockSize)))},
		{"Size", fmt.Sprintf("%s (%s on disk, %s)", humanBytes(info.Size), humanBytes(info.Compressed), ratio)},
		{"Packages", humanCount(len(info.Packages))},
	}); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out)
	if err := output.PrintTable(out, packageTable(info.Packages)); err != nil {
		return err
	}
	if inspectChunks {
		_, _ = fmt.Fprintln(out)
		return output.PrintTable(out, chunkTable(info.Chunks))
	}
	return nil
}
