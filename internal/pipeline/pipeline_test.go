package pipeline

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/cc/internal/addr"
	"github.com/tinyrange/cc/internal/memmap"
	"github.com/tinyrange/cc/internal/mmuspec"
	"github.com/tinyrange/cc/internal/pagecache"
	"github.com/tinyrange/cc/internal/provider"
	"github.com/tinyrange/cc/internal/vmierr"
)

// memProvider is an in-memory provider.PhysicalMemory over a flat byte
// slice, standing in for a real connector in tests.
type memProvider struct {
	mem []byte
}

func newMemProvider(size int) *memProvider { return &memProvider{mem: make([]byte, size)} }

func (m *memProvider) Metadata() provider.Metadata {
	return provider.Metadata{MaxAddress: addr.Address(len(m.mem)), RealSize: uint64(len(m.mem))}
}

func (m *memProvider) ReadRaw(ctx context.Context, ops []provider.Op, onSuccess, onFailure provider.Callback) error {
	for _, op := range ops {
		if uint64(op.Addr)+uint64(len(op.Buf)) > uint64(len(m.mem)) {
			if !onFailure(op, errOOB) {
				return nil
			}
			continue
		}
		copy(op.Buf, m.mem[op.Addr:])
		if !onSuccess(op, nil) {
			return nil
		}
	}
	return nil
}

func (m *memProvider) WriteRaw(ctx context.Context, ops []provider.Op, onSuccess, onFailure provider.Callback) error {
	for _, op := range ops {
		copy(m.mem[op.Addr:], op.Buf)
		if !onSuccess(op, nil) {
			return nil
		}
	}
	return nil
}

var errOOB = &oobError{}

type oobError struct{}

func (*oobError) Error() string { return "out of bounds" }

func buildPipeline(t *testing.T) (*Pipeline, *memProvider) {
	t.Helper()
	mp := newMemProvider(0x100000)
	for i := range mp.mem {
		mp.mem[i] = byte(i)
	}

	mm := memmap.New[memmap.Region]()
	// Linear addresses [0, 0x10000) map to real backing [0x20000, 0x30000).
	mm.Push(addr.Address(0), memmap.Region{RealBase: addr.Address(0x20000), Size: 0x10000})

	cache := pagecache.New(0x1000, 8, addr.PageUnknown, pagecache.NewCountValidator())
	p := New(mp, mm, cache, nil, 0)
	return p, mp
}

func TestReadRawIterThroughMapAndCache(t *testing.T) {
	p, mp := buildPipeline(t)

	buf := make([]byte, 0x10)
	var got []byte
	err := p.ReadRawIter(context.Background(), []ReadOp{{Addr: addr.Address(0x100), Buf: buf}},
		func(op provider.Op, err error) bool { got = append([]byte(nil), op.Buf...); return true },
		func(op provider.Op, err error) bool { t.Fatalf("unexpected failure: %v", err); return false },
	)
	if err != nil {
		t.Fatalf("ReadRawIter: %v", err)
	}
	want := mp.mem[0x20100 : 0x20100+0x10]
	if string(got) != string(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestReadRawIterUnmappedFails(t *testing.T) {
	p, _ := buildPipeline(t)
	buf := make([]byte, 0x10)
	failed := false
	err := p.ReadRawIter(context.Background(), []ReadOp{{Addr: addr.Address(0x50000), Buf: buf}},
		func(op provider.Op, err error) bool { t.Fatalf("unexpected success"); return false },
		func(op provider.Op, err error) bool { failed = true; return true },
	)
	if err != nil {
		t.Fatalf("ReadRawIter: %v", err)
	}
	if !failed {
		t.Fatalf("expected failure for address outside the memory map")
	}
}

func TestReadRawIterPartialBatchReturnsPartialError(t *testing.T) {
	p, _ := buildPipeline(t)

	inBuf := make([]byte, 0x10)
	outBuf := make([]byte, 0x10)
	var successes, failures int
	err := p.ReadRawIter(context.Background(),
		[]ReadOp{
			{Addr: addr.Address(0x100), Buf: inBuf},
			{Addr: addr.Address(0x50000), Buf: outBuf},
		},
		func(op provider.Op, err error) bool { successes++; return true },
		func(op provider.Op, err error) bool { failures++; return true },
	)
	if successes != 1 || failures != 1 {
		t.Fatalf("successes=%d failures=%d, want 1 and 1", successes, failures)
	}
	pe, ok := vmierr.IsPartial(err)
	if !ok {
		t.Fatalf("ReadRawIter: expected a *vmierr.PartialError, got %v", err)
	}
	if pe.SucceededBytes != 0x10 || pe.FailedBytes != 0x10 {
		t.Fatalf("PartialError = %+v, want 16 succeeded and 16 failed", pe)
	}
}

func TestWriteRawIterThroughMapAndCache(t *testing.T) {
	p, mp := buildPipeline(t)
	payload := []byte{1, 2, 3, 4}
	err := p.WriteRawIter(context.Background(), []WriteOp{{Addr: addr.Address(0x200), Buf: payload}},
		func(op provider.Op, err error) bool { return true },
		func(op provider.Op, err error) bool { t.Fatalf("unexpected failure: %v", err); return false },
	)
	if err != nil {
		t.Fatalf("WriteRawIter: %v", err)
	}
	if string(mp.mem[0x20200:0x20204]) != string(payload) {
		t.Fatalf("backing memory not updated")
	}
}

func TestReadVirtIterEndToEnd(t *testing.T) {
	mp := newMemProvider(0x100000)

	// PD at 0x1000, PT at 0x2000, data page mapped through the memory map
	// so translation, remapping, and caching all participate.
	const present = 1 << 0
	const writeable = 1 << 1
	binary.LittleEndian.PutUint32(mp.mem[0x1000+1*4:], uint32(0x2000|present|writeable))
	binary.LittleEndian.PutUint32(mp.mem[0x2000+2*4:], uint32(0x5000|present|writeable))
	copy(mp.mem[0x5010:], []byte("hello, vm"))

	mm := memmap.New[memmap.Region]()
	mm.Push(addr.Address(0), memmap.Region{RealBase: addr.Address(0), Size: 0x100000})
	cache := pagecache.New(0x1000, 8, addr.PageUnknown, pagecache.NewCountValidator())
	p := New(mp, mm, cache, mmuspec.X8632, 0)

	vaddr := addr.Address(1<<22 | 2<<12 | 0x10)
	buf := make([]byte, 9)
	var got []byte
	err := p.ReadVirtIter(context.Background(), addr.Address(0x1000),
		[]VirtToPhysOp{{Addr: vaddr, Buf: buf}},
		func(op provider.Op, err error) bool { got = append([]byte(nil), op.Buf...); return true },
		func(op provider.Op, err error) bool { t.Fatalf("unexpected failure: %v", err); return false },
	)
	if err != nil {
		t.Fatalf("ReadVirtIter: %v", err)
	}
	if string(got) != "hello, vm" {
		t.Fatalf("got %q, want %q", got, "hello, vm")
	}
}
