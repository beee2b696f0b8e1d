package translate

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/cc/internal/addr"
	"github.com/tinyrange/cc/internal/mmuspec"
	"github.com/tinyrange/cc/internal/pagecache"
)

// fakePhys is a flat byte array standing in for physical memory, used to
// hand-construct a tiny page table for the walker to exercise.
type fakePhys struct {
	mem []byte
}

func newFakePhys(size int) *fakePhys { return &fakePhys{mem: make([]byte, size)} }

func (p *fakePhys) putEntry(addr32 uint64, val uint32) {
	binary.LittleEndian.PutUint32(p.mem[addr32:], val)
}

func (p *fakePhys) putEntry64(at uint64, val uint64) {
	binary.LittleEndian.PutUint64(p.mem[at:], val)
}

func (p *fakePhys) ReadRaw(ctx context.Context, ops []pagecache.ReadOp, onSuccess func(pagecache.ReadOp) bool, onFailure func(pagecache.ReadOp, error) bool) error {
	for _, op := range ops {
		copy(op.Buf, p.mem[uint64(op.Addr):])
		if !onSuccess(op) {
			return nil
		}
	}
	return nil
}

// buildTwoLevelTable lays out an x86_32-style 2-level page table: PD at
// 0x1000, PT at 0x2000, data page at 0x3000. vaddr 0x402010 decodes to PD
// index 1, PT index 2, offset 0x10.
func buildTwoLevelTable() (*fakePhys, addr.Address, addr.Address) {
	p := newFakePhys(0x4000)
	const present = 1 << 0
	const writeable = 1 << 1
	p.putEntry(0x1000+1*4, uint32(0x2000|present|writeable))
	p.putEntry(0x2000+2*4, uint32(0x3000|present|writeable))
	for i := 0; i < 16; i++ {
		p.mem[0x3010+i] = byte(0xa0 + i)
	}
	return p, addr.Address(0x1000), addr.Address(0x402010)
}

func TestVirtToPhysIterBasicWalk(t *testing.T) {
	phys, dtb, vaddr := buildTwoLevelTable()
	tr := New(mmuspec.X8632, phys, 0)

	var gotPA addr.PhysicalAddress
	var gotLen uint64
	var gotMeta addr.Address

	err := tr.VirtToPhysIter(context.Background(), dtb,
		[]Op{{Addr: vaddr, Meta: addr.Address(0x77), Buf: addr.Count(0x10)}},
		func(pa addr.PhysicalAddress, meta addr.Address, buf addr.Splittable) bool {
			gotPA = pa
			gotLen = buf.Len()
			gotMeta = meta
			return true
		},
		func(meta addr.Address, buf addr.Splittable, err error) bool {
			t.Fatalf("unexpected translation failure: %v", err)
			return false
		},
	)
	if err != nil {
		t.Fatalf("VirtToPhysIter: %v", err)
	}
	if gotPA.Address != addr.Address(0x3010) {
		t.Fatalf("physical address = %x, want 0x3010", uint64(gotPA.Address))
	}
	if gotLen != 0x10 {
		t.Fatalf("length = %x, want 0x10", gotLen)
	}
	if gotMeta != addr.Address(0x77) {
		t.Fatalf("meta = %x, want 0x77", uint64(gotMeta))
	}
	if !gotPA.Page.Type.Contains(addr.PageWriteable) {
		t.Fatalf("expected writeable page, got %v", gotPA.Page.Type)
	}
}

func TestVirtToPhysIterNotPresent(t *testing.T) {
	phys, dtb, _ := buildTwoLevelTable()
	tr := New(mmuspec.X8632, phys, 0)

	// PD index 5 was never populated: its entry is all zero, not present.
	badVaddr := addr.Address(5<<22 | 0x10)
	failed := false
	err := tr.VirtToPhysIter(context.Background(), dtb,
		[]Op{{Addr: badVaddr, Buf: addr.Count(0x10)}},
		func(pa addr.PhysicalAddress, meta addr.Address, buf addr.Splittable) bool {
			t.Fatalf("unexpected success for unmapped address")
			return false
		},
		func(meta addr.Address, buf addr.Splittable, err error) bool {
			failed = true
			return true
		},
	)
	if err != nil {
		t.Fatalf("VirtToPhysIter: %v", err)
	}
	if !failed {
		t.Fatalf("expected failure for unmapped page")
	}
}

func TestVirtToPhysIterNonCanonical(t *testing.T) {
	phys, dtb, _ := buildTwoLevelTable()
	tr := New(mmuspec.X8664, phys, 0)

	// x86-64 canonical hole: bit 47 set but not bits above it.
	hole := addr.Address(0x0000_9000_0000_0000)
	var gotErr error
	err := tr.VirtToPhysIter(context.Background(), dtb,
		[]Op{{Addr: hole, Buf: addr.Count(0x10)}},
		func(pa addr.PhysicalAddress, meta addr.Address, buf addr.Splittable) bool {
			t.Fatalf("unexpected success for non-canonical address")
			return false
		},
		func(meta addr.Address, buf addr.Splittable, err error) bool {
			gotErr = err
			return true
		},
	)
	if err != nil {
		t.Fatalf("VirtToPhysIter: %v", err)
	}
	if gotErr == nil {
		t.Fatalf("expected a failure for the non-canonical address")
	}
}

// buildSelfLoopingTable lays out an x86_32-style table whose only
// populated entry, at PD index 1, points back at the PD itself instead of
// at a PT: the adversarial "every entry points back to itself" case.
func buildSelfLoopingTable() (*fakePhys, addr.Address, addr.Address) {
	p := newFakePhys(0x4000)
	const present = 1 << 0
	const writeable = 1 << 1
	p.putEntry(0x1000+1*4, uint32(0x1000|present|writeable))
	return p, addr.Address(0x1000), addr.Address(1<<22 | 0x10)
}

func TestVirtToPhysIterSelfReferencingTableFails(t *testing.T) {
	phys, dtb, vaddr := buildSelfLoopingTable()
	tr := New(mmuspec.X8632, phys, 0)

	succeeded := false
	var gotErr error
	err := tr.VirtToPhysIter(context.Background(), dtb,
		[]Op{{Addr: vaddr, Buf: addr.Count(0x10)}},
		func(pa addr.PhysicalAddress, meta addr.Address, buf addr.Splittable) bool {
			succeeded = true
			return true
		},
		func(meta addr.Address, buf addr.Splittable, err error) bool {
			gotErr = err
			return true
		},
	)
	if err != nil {
		t.Fatalf("VirtToPhysIter: %v", err)
	}
	if succeeded {
		t.Fatalf("a self-referencing page table must not resolve to a physical address")
	}
	if gotErr == nil {
		t.Fatalf("expected a translation failure for the self-referencing table")
	}
}

// buildDeepLoopingTable lays out an x86-64-style 4-level table where the
// root (PML4) correctly descends one level into a PDPT, but that PDPT's
// own entry loops back to itself rather than to a PD: a cycle that starts
// below the root, so detecting it requires checking a table against this
// walk's whole history, not just the table it started at.
func buildDeepLoopingTable() (*fakePhys, addr.Address, addr.Address) {
	p := newFakePhys(0x4000)
	const present = 1 << 0
	const writeable = 1 << 1
	p.putEntry64(0x1000, uint64(0x2000|present|writeable)) // PML4[0] -> PDPT at 0x2000
	p.putEntry64(0x2000, uint64(0x2000|present|writeable)) // PDPT[0] -> itself
	return p, addr.Address(0x1000), addr.Address(0x10)
}

func TestVirtToPhysIterDeepLoopFails(t *testing.T) {
	phys, dtb, vaddr := buildDeepLoopingTable()
	tr := New(mmuspec.X8664, phys, 0)

	var gotErr error
	err := tr.VirtToPhysIter(context.Background(), dtb,
		[]Op{{Addr: vaddr, Buf: addr.Count(0x10)}},
		func(pa addr.PhysicalAddress, meta addr.Address, buf addr.Splittable) bool {
			t.Fatalf("unexpected success for a looping page table")
			return false
		},
		func(meta addr.Address, buf addr.Splittable, err error) bool {
			gotErr = err
			return true
		},
	)
	if err != nil {
		t.Fatalf("VirtToPhysIter: %v", err)
	}
	if gotErr == nil {
		t.Fatalf("expected a translation failure for the deep page-table loop")
	}
}

func TestVirtToPhysIterCancel(t *testing.T) {
	phys, dtb, vaddr := buildTwoLevelTable()
	tr := New(mmuspec.X8632, phys, 0)
	calls := 0
	tr.VirtToPhysIter(context.Background(), dtb,
		[]Op{{Addr: vaddr, Buf: addr.Count(0x10)}},
		func(pa addr.PhysicalAddress, meta addr.Address, buf addr.Splittable) bool {
			calls++
			return false
		},
		func(meta addr.Address, buf addr.Splittable, err error) bool { return false },
	)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
