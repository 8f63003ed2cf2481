package pkgstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/iodispatcher"
	"github.com/marmos91/pkgload/pkg/pkgid"
)

const (
	headerMagic   uint32 = 0x48434b50 // "PKCH"
	headerVersion uint16 = 1
)

// ErrMalformedHeader is returned when a container header chunk fails to decode.
var ErrMalformedHeader = errors.New("malformed container header")

// EncodeContainerHeader serializes the package entries of a container.
// Entry.Container is not stored; the mounting side sets it.
func EncodeContainerHeader(containerID uint64, entries []Entry) []byte {
	le := binary.LittleEndian
	out := le.AppendUint32(nil, headerMagic)
	out = le.AppendUint16(out, headerVersion)
	out = le.AppendUint64(out, containerID)
	out = le.AppendUint32(out, uint32(len(entries)))
	for _, e := range entries {
		out = le.AppendUint64(out, uint64(e.ID))
		out = le.AppendUint32(out, e.ExportCount)
		out = le.AppendUint32(out, e.BundleCount)
		out = le.AppendUint32(out, uint32(len(e.ImportedPackages)))
		for _, id := range e.ImportedPackages {
			out = le.AppendUint64(out, uint64(id))
		}
		out = le.AppendUint16(out, uint16(len(e.Name)))
		out = append(out, e.Name...)
	}
	return out
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = fmt.Errorf("%w: truncated", ErrMalformedHeader)
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// DecodeContainerHeader parses a chunk produced by EncodeContainerHeader.
func DecodeContainerHeader(data []byte) (uint64, []Entry, error) {
	r := &reader{b: data}
	if m := r.u32(); r.err == nil && m != headerMagic {
		return 0, nil, fmt.Errorf("%w: bad magic %08x", ErrMalformedHeader, m)
	}
	if v := r.u16(); r.err == nil && v != headerVersion {
		return 0, nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedHeader, v)
	}
	containerID := r.u64()
	n := r.u32()
	if r.err != nil {
		return 0, nil, r.err
	}
	// every entry takes at least 22 bytes
	if uint64(n)*22 > uint64(len(r.b)) {
		return 0, nil, fmt.Errorf("%w: %d entries in %d bytes", ErrMalformedHeader, n, len(r.b))
	}

	entries := make([]Entry, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		e := Entry{
			ID:          pkgid.ID(r.u64()),
			ExportCount: r.u32(),
			BundleCount: r.u32(),
		}
		imports := r.u32()
		if uint64(imports)*8 > uint64(len(r.b)) {
			return 0, nil, fmt.Errorf("%w: entry %d declares %d imports", ErrMalformedHeader, i, imports)
		}
		for j := uint32(0); j < imports; j++ {
			e.ImportedPackages = append(e.ImportedPackages, pkgid.ID(r.u64()))
		}
		e.Name = string(r.take(int(r.u16())))
		if r.err == nil && pkgid.FromName(e.Name) != e.ID {
			return 0, nil, fmt.Errorf("%w: entry %d id does not match %q", ErrMalformedHeader, i, e.Name)
		}
		entries = append(entries, e)
	}
	if r.err != nil {
		return 0, nil, r.err
	}
	if len(r.b) != 0 {
		return 0, nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedHeader, len(r.b))
	}
	return containerID, entries, nil
}

// MountContainerHeader reads the header chunk of containerID through d and
// adds its entries to into, tagged with the container name.
func MountContainerHeader(ctx context.Context, d *iodispatcher.Dispatcher, containerID uint64, name string, into *Memory) (int, error) {
	req := d.Read(chunk.ForContainerHeader(containerID), iodispatcher.ReadOptions{}, iodispatcher.PriorityHigh)
	defer req.Release()
	if err := req.Wait(ctx); err != nil {
		req.Cancel()
		return 0, err
	}
	data, err := req.Result()
	if err != nil {
		return 0, fmt.Errorf("read container header of %s: %w", name, err)
	}
	id, entries, err := DecodeContainerHeader(data)
	if err != nil {
		return 0, fmt.Errorf("container %s: %w", name, err)
	}
	if id != containerID {
		return 0, fmt.Errorf("%w: container %s header belongs to %016x", ErrMalformedHeader, name, id)
	}
	for _, e := range entries {
		e.Container = name
		into.Add(e)
	}
	logger.Info("container header mounted", logger.KeyContainer, name, logger.KeyCount, len(entries))
	return len(entries), nil
}
