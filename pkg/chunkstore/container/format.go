package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/marmos91/pkgload/pkg/chunk"
)

// File extensions of the two halves of a container.
const (
	TOCExt  = ".ptoc"
	DataExt = ".pcas"
)

const (
	tocMagic   = "PKTOC\x00\x00\x01"
	tocVersion = 1

	tocHeaderSize = 8 + 4 + 4 + 16 + 8 + 4 + 4 + 4 + 4
	entrySize     = chunk.Size + 8 + 8
	blockRecordSize = 8 + 4 + 4 + 1 + 3
)

// Compression identifies how a block is stored in the data file.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses "none" or "zstd".
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression method %q", s)
	}
}

// ErrBadTOC is returned when a TOC file fails validation.
var ErrBadTOC = errors.New("invalid container toc")

// Entry places a chunk in the uncompressed address space of a container.
type Entry struct {
	ID     chunk.ID
	Offset uint64
	Length uint64
}

// Block locates one compression block in the data file.
type Block struct {
	FileOffset       uint64
	CompressedSize   uint32
	UncompressedSize uint32
	Method           Compression
}

// TOC is the decoded table of contents of a container.
type TOC struct {
	GUID        uuid.UUID
	ContainerID uint64
	BlockSize   uint32
	Flags       uint32
	Entries     []Entry
	Blocks      []Block
}

// MarshalBinary encodes the TOC.
func (t *TOC) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tocHeaderSize + len(t.Entries)*entrySize + len(t.Blocks)*blockRecordSize)

	le := binary.LittleEndian
	var hdr [tocHeaderSize]byte
	copy(hdr[0:8], tocMagic)
	le.PutUint32(hdr[8:], tocVersion)
	le.PutUint32(hdr[12:], t.Flags)
	copy(hdr[16:32], t.GUID[:])
	le.PutUint64(hdr[32:], t.ContainerID)
	le.PutUint32(hdr[40:], t.BlockSize)
	le.PutUint32(hdr[44:], uint32(len(t.Entries)))
	le.PutUint32(hdr[48:], uint32(len(t.Blocks)))
	buf.Write(hdr[:])

	var e [entrySize]byte
	for _, en := range t.Entries {
		copy(e[0:chunk.Size], en.ID[:])
		le.PutUint64(e[16:], en.Offset)
		le.PutUint64(e[24:], en.Length)
		buf.Write(e[:])
	}

	var b [blockRecordSize]byte
	for _, bl := range t.Blocks {
		le.PutUint64(b[0:], bl.FileOffset)
		le.PutUint32(b[8:], bl.CompressedSize)
		le.PutUint32(b[12:], bl.UncompressedSize)
		b[16] = byte(bl.Method)
		buf.Write(b[:])
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes and validates a TOC.
func (t *TOC) UnmarshalBinary(data []byte) error {
	le := binary.LittleEndian
	if len(data) < tocHeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrBadTOC, len(data))
	}
	if string(data[0:8]) != tocMagic {
		return fmt.Errorf("%w: bad magic", ErrBadTOC)
	}
	if v := le.Uint32(data[8:]); v != tocVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadTOC, v)
	}
	t.Flags = le.Uint32(data[12:])
	copy(t.GUID[:], data[16:32])
	t.ContainerID = le.Uint64(data[32:])
	t.BlockSize = le.Uint32(data[40:])
	entries := int(le.Uint32(data[44:]))
	blocks := int(le.Uint32(data[48:]))

	if t.BlockSize == 0 {
		return fmt.Errorf("%w: zero block size", ErrBadTOC)
	}
	want := tocHeaderSize + entries*entrySize + blocks*blockRecordSize
	if len(data) != want {
		return fmt.Errorf("%w: size %d, want %d", ErrBadTOC, len(data), want)
	}

	r := data[tocHeaderSize:]
	t.Entries = make([]Entry, entries)
	for i := range t.Entries {
		e := r[i*entrySize:]
		copy(t.Entries[i].ID[:], e[0:chunk.Size])
		t.Entries[i].Offset = le.Uint64(e[16:])
		t.Entries[i].Length = le.Uint64(e[24:])
	}

	r = r[entries*entrySize:]
	t.Blocks = make([]Block, blocks)
	var total uint64
	for i := range t.Blocks {
		b := r[i*blockRecordSize:]
		t.Blocks[i] = Block{
			FileOffset:       le.Uint64(b[0:]),
			CompressedSize:   le.Uint32(b[8:]),
			UncompressedSize: le.Uint32(b[12:]),
			Method:           Compression(b[16]),
		}
		if t.Blocks[i].UncompressedSize > t.BlockSize {
			return fmt.Errorf("%w: block %d larger than block size", ErrBadTOC, i)
		}
		total += uint64(t.Blocks[i].UncompressedSize)
	}

	for i, e := range t.Entries {
		if e.Offset+e.Length > total {
			return fmt.Errorf("%w: entry %d (%s) outside data", ErrBadTOC, i, e.ID)
		}
	}
	return nil
}

// ReadTOC reads and decodes a TOC file.
func ReadTOC(r io.Reader) (*TOC, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var t TOC
	if err := t.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &t, nil
}
