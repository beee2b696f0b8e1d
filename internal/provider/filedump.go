package provider

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/cc/internal/addr"
)

// FileDump backs a physical-memory provider with a flat file or raw block
// device: a crash dump, a disk image, a memory snapshot. It only requires
// io.ReaderAt (and io.WriterAt for write support).
type FileDump struct {
	mu       sync.Mutex
	r        io.ReaderAt
	w        io.WriterAt // nil for a read-only dump
	size     uint64
	readonly bool
}

// NewFileDump wraps r (and optionally w) as a provider over a region of
// size bytes starting at file offset 0.
func NewFileDump(r io.ReaderAt, w io.WriterAt, size uint64) *FileDump {
	return &FileDump{r: r, w: w, size: size, readonly: w == nil}
}

func (f *FileDump) Metadata() Metadata {
	return Metadata{
		MaxAddress:     addr.Address(f.size),
		RealSize:       f.size,
		Readonly:       f.readonly,
		IdealBatchSize: 256,
	}
}

func (f *FileDump) ReadRaw(ctx context.Context, ops []Op, onSuccess, onFailure Callback) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, op := range ops {
		if uint64(op.Addr)+uint64(len(op.Buf)) > f.size {
			if !onFailure(op, fmt.Errorf("filedump: read at %s exceeds size %d", op.Addr, f.size)) {
				return nil
			}
			continue
		}
		if _, err := f.r.ReadAt(op.Buf, int64(op.Addr)); err != nil {
			if !onFailure(op, fmt.Errorf("filedump: read at %s: %w", op.Addr, err)) {
				return nil
			}
			continue
		}
		if !onSuccess(op, nil) {
			return nil
		}
	}
	return nil
}

func (f *FileDump) WriteRaw(ctx context.Context, ops []Op, onSuccess, onFailure Callback) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if f.w == nil {
		for _, op := range ops {
			if !onFailure(op, fmt.Errorf("filedump: read-only")) {
				return nil
			}
		}
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, op := range ops {
		if uint64(op.Addr)+uint64(len(op.Buf)) > f.size {
			if !onFailure(op, fmt.Errorf("filedump: write at %s exceeds size %d", op.Addr, f.size)) {
				return nil
			}
			continue
		}
		if _, err := f.w.WriteAt(op.Buf, int64(op.Addr)); err != nil {
			if !onFailure(op, fmt.Errorf("filedump: write at %s: %w", op.Addr, err)) {
				return nil
			}
			continue
		}
		if !onSuccess(op, nil) {
			return nil
		}
	}
	return nil
}
