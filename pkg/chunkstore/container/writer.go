package container

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/pkgid"
)

// ErrDuplicateChunk is returned when the same chunk id is added twice.
var ErrDuplicateChunk = errors.New("duplicate chunk in container")

// WriterConfig configures a container Writer.
type WriterConfig struct {
	// BlockSize is the uncompressed size of one compression block.
	BlockSize uint32

	// Compression is applied to every block; blocks that do not shrink are
	// stored raw.
	Compression Compression

	// Level is the zstd encoder level (1 fastest .. 4 best).
	Level int
}

// DefaultWriterConfig returns 64 KiB zstd blocks.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BlockSize:   64 << 10,
		Compression: CompressionZstd,
		Level:       int(zstd.SpeedDefault),
	}
}

// Writer builds a container file pair. Chunks are appended to one
// uncompressed stream which is cut into compression blocks.
type Writer struct {
	name    string
	tocPath string
	data    *os.File
	dataBuf *bufio.Writer
	cfg     WriterConfig
	enc     *zstd.Encoder

	toc     TOC
	seen    map[chunk.ID]struct{}
	pending []byte
	offset  uint64 // uncompressed bytes consumed so far
	fileOff uint64
	closed  bool
}

// Create starts a container called name inside dir.
func Create(dir, name string, cfg WriterConfig) (*Writer, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultWriterConfig().BlockSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create container directory: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, name+DataExt))
	if err != nil {
		return nil, fmt.Errorf("failed to create container data file: %w", err)
	}

	w := &Writer{
		name:    name,
		tocPath: filepath.Join(dir, name+TOCExt),
		data:    f,
		dataBuf: bufio.NewWriterSize(f, 1<<20),
		cfg:     cfg,
		seen:    make(map[chunk.ID]struct{}),
		pending: make([]byte, 0, cfg.BlockSize),
		toc: TOC{
			GUID:        uuid.New(),
			ContainerID: pkgid.Hash(name),
			BlockSize:   cfg.BlockSize,
		},
	}

	if cfg.Compression == CompressionZstd {
		level := zstd.EncoderLevel(cfg.Level)
		if level < zstd.SpeedFastest || level > zstd.SpeedBestCompression {
			level = zstd.SpeedDefault
		}
		w.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
	}
	return w, nil
}

// ContainerID returns the 64-bit id of the container being written.
func (w *Writer) ContainerID() uint64 {
	return w.toc.ContainerID
}

// Add appends a chunk.
func (w *Writer) Add(id chunk.ID, data []byte) error {
	if w.closed {
		return errors.New("container writer is closed")
	}
	if _, dup := w.seen[id]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateChunk, id)
	}
	w.seen[id] = struct{}{}
	w.toc.Entries = append(w.toc.Entries, Entry{ID: id, Offset: w.offset, Length: uint64(len(data))})
	w.offset += uint64(len(data))

	for len(data) > 0 {
		room := int(w.cfg.BlockSize) - len(w.pending)
		n := min(room, len(data))
		w.pending = append(w.pending, data[:n]...)
		data = data[n:]
		if len(w.pending) == int(w.cfg.BlockSize) {
			if err := w.flushBlock(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.pending) == 0 {
		return nil
	}
	out := w.pending
	method := CompressionNone
	if w.enc != nil {
		if c := w.enc.EncodeAll(w.pending, nil); len(c) < len(w.pending) {
			out, method = c, CompressionZstd
		}
	}
	if _, err := w.dataBuf.Write(out); err != nil {
		return fmt.Errorf("failed to write container block: %w", err)
	}
	w.toc.Blocks = append(w.toc.Blocks, Block{
		FileOffset:       w.fileOff,
		CompressedSize:   uint32(len(out)),
		UncompressedSize: uint32(len(w.pending)),
		Method:           method,
	})
	w.fileOff += uint64(len(out))
	w.pending = w.pending[:0]
	return nil
}

// Finalize flushes the last block and writes the TOC. The TOC is written to
// a temporary file and renamed so a crashed cook never leaves a TOC that
// points past the data.
func (w *Writer) Finalize() (*TOC, error) {
	if w.closed {
		return nil, errors.New("container writer is closed")
	}
	w.closed = true
	defer func() {
		if w.enc != nil {
			_ = w.enc.Close()
		}
	}()

	if err := w.flushBlock(); err != nil {
		_ = w.data.Close()
		return nil, err
	}
	if err := w.dataBuf.Flush(); err != nil {
		_ = w.data.Close()
		return nil, fmt.Errorf("failed to flush container data: %w", err)
	}
	if err := w.data.Close(); err != nil {
		return nil, fmt.Errorf("failed to close container data: %w", err)
	}

	sort.Slice(w.toc.Entries, func(i, j int) bool {
		return lessID(w.toc.Entries[i].ID, w.toc.Entries[j].ID)
	})
	raw, err := w.toc.MarshalBinary()
	if err != nil {
		return nil, err
	}

	tmp := w.tocPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return nil, fmt.Errorf("failed to write container toc: %w", err)
	}
	if err := os.Rename(tmp, w.tocPath); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to install container toc: %w", err)
	}

	logger.Info("container written",
		logger.KeyContainer, w.name,
		logger.KeyCount, len(w.toc.Entries),
		"blocks", len(w.toc.Blocks),
		logger.KeySize, w.fileOff)
	toc := w.toc
	return &toc, nil
}

// Abort discards the partially written container.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	name := w.data.Name()
	_ = w.data.Close()
	_ = os.Remove(name)
	if w.enc != nil {
		_ = w.enc.Close()
	}
}

func lessID(a, b chunk.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
