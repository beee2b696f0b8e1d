package memmap

import (
	"testing"

	"github.com/tinyrange/cc/internal/addr"
)

func buildMap() *Map[Region] {
	m := New[Region]()
	m.Push(addr.Address(0x1000), Region{RealBase: addr.Address(0x100000), Size: 0x1000})
	m.Push(addr.Address(0x3000), Region{RealBase: addr.Address(0x200000), Size: 0x2000})
	return m
}

func TestPushOverlapPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on overlapping push")
		}
	}()
	m := buildMap()
	m.Push(addr.Address(0x1500), Region{RealBase: addr.Address(0x300000), Size: 0x10})
}

func TestMapIterWithinSingleMapping(t *testing.T) {
	m := buildMap()
	var gotReal addr.Address
	var gotLen uint64
	ok := m.MapIter(addr.Address(0x1010), addr.Address(0xaa), addr.Bytes(make([]byte, 0x10)),
		func(real, meta addr.Address, buf addr.Splittable) bool {
			gotReal = real
			gotLen = buf.Len()
			if meta != addr.Address(0xaa) {
				t.Fatalf("meta = %x, want 0xaa", uint64(meta))
			}
			return true
		},
		func(meta addr.Address, buf addr.Splittable) bool {
			t.Fatalf("unexpected failure for in-mapping read")
			return false
		},
	)
	if !ok {
		t.Fatalf("MapIter returned false")
	}
	if gotReal != addr.Address(0x100010) {
		t.Fatalf("real = %x, want 0x100010", uint64(gotReal))
	}
	if gotLen != 0x10 {
		t.Fatalf("len = %x, want 0x10", gotLen)
	}
}

func TestMapIterSpansGap(t *testing.T) {
	m := buildMap()
	// [0x1ff0, 0x2010) straddles the end of the first mapping (ends at
	// 0x2000) and the gap before the second mapping starts (0x3000).
	var successes, failures []uint64
	m.MapIter(addr.Address(0x1ff0), addr.NULL, addr.Bytes(make([]byte, 0x20)),
		func(real, meta addr.Address, buf addr.Splittable) bool {
			successes = append(successes, buf.Len())
			return true
		},
		func(meta addr.Address, buf addr.Splittable) bool {
			failures = append(failures, buf.Len())
			return true
		},
	)
	if len(successes) != 1 || successes[0] != 0x10 {
		t.Fatalf("successes = %v, want [0x10]", successes)
	}
	if len(failures) != 1 || failures[0] != 0x10 {
		t.Fatalf("failures = %v, want [0x10]", failures)
	}
}

func TestMapIterFullyOutOfRange(t *testing.T) {
	m := buildMap()
	failed := false
	m.MapIter(addr.Address(0x9000), addr.NULL, addr.Bytes(make([]byte, 0x10)),
		func(real, meta addr.Address, buf addr.Splittable) bool {
			t.Fatalf("unexpected success")
			return false
		},
		func(meta addr.Address, buf addr.Splittable) bool {
			failed = true
			return true
		},
	)
	if !failed {
		t.Fatalf("expected failure callback for out-of-range read")
	}
}

func TestMapIterCancel(t *testing.T) {
	m := buildMap()
	calls := 0
	ok := m.MapIter(addr.Address(0x1000), addr.NULL, addr.Bytes(make([]byte, 0x1000)),
		func(real, meta addr.Address, buf addr.Splittable) bool {
			calls++
			return false
		},
		func(meta addr.Address, buf addr.Splittable) bool {
			return false
		},
	)
	if ok {
		t.Fatalf("MapIter should report cancellation")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
