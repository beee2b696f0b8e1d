// Package memmap remaps a contiguous linear address space onto one or more
// disjoint real regions, the way a connector's "linear" physical address
// space is remapped onto the host's actual backing memory (file offsets,
// mmap'd regions, whatever the connector holds).
package memmap

import (
	"fmt"
	"sort"

	"github.com/tinyrange/cc/internal/addr"
)

// minBsearchThresh is the mapping-count cutoff below which a linear scan
// from the last hit beats a binary search, since reads cluster near their
// previous address.
const minBsearchThresh = 32

// Output is a mapped destination region: a Length and a way to rebase an
// in-region byte offset to a real address. Region below is the only
// implementation the pipeline uses; it is a type parameter only so tests can
// supply lighter stand-ins.
type Output interface {
	Length() uint64
	RealAddress(offset uint64) addr.Address
}

// Region is a mapped destination: `Size` bytes starting at RealBase in the
// real (unmapped) address space.
type Region struct {
	RealBase addr.Address
	Size     uint64
}

func (r Region) Length() uint64 { return r.Size }

func (r Region) RealAddress(offset uint64) addr.Address {
	return r.RealBase + addr.Address(offset)
}

// mapping pairs a linear base with its mapped output, in the flattened
// layout the original stores (base, output.length, output) rather than
// (base, end); end is derived from output.Length().
type mapping[M Output] struct {
	base   addr.Address
	output M
}

func (m mapping[M]) end() addr.Address {
	return m.base + addr.Address(m.output.Length())
}

// Map is a linear-to-real address map: a sorted, non-overlapping list of
// (linear base -> output) mappings.
type Map[M Output] struct {
	mappings []mapping[M]
	cursor   int // last hit index, for the linear-scan fast path
}

// New returns an empty Map.
func New[M Output]() *Map[M] {
	return &Map[M]{}
}

// Push adds a mapping at linear address base. It panics if the new mapping
// overlaps an existing one: an overlapping push is a configuration bug in
// the caller, not a runtime condition to recover from.
func (m *Map[M]) Push(base addr.Address, output M) {
	length := output.Length()
	if length == 0 {
		return
	}
	newEnd := base + addr.Address(length)

	i := sort.Search(len(m.mappings), func(i int) bool {
		return m.mappings[i].base >= base
	})
	if i > 0 && m.mappings[i-1].end() > base {
		panic(fmt.Sprintf("memmap: push: mapping [%s,%s) overlaps existing [%s,%s)",
			base, newEnd, m.mappings[i-1].base, m.mappings[i-1].end()))
	}
	if i < len(m.mappings) && m.mappings[i].base < newEnd {
		panic(fmt.Sprintf("memmap: push: mapping [%s,%s) overlaps existing [%s,%s)",
			base, newEnd, m.mappings[i].base, m.mappings[i].end()))
	}

	m.mappings = append(m.mappings, mapping[M]{})
	copy(m.mappings[i+1:], m.mappings[i:])
	m.mappings[i] = mapping[M]{base: base, output: output}
}

// Len reports the number of pushed mappings.
func (m *Map[M]) Len() int { return len(m.mappings) }

// find locates the index of the mapping that could contain linear, using a
// linear scan from the cursor when the map is small (mappings cluster near
// the previous lookup in real workloads) and a binary search otherwise. It
// returns the index of the first mapping whose end is strictly greater than
// linear, or len(m.mappings) if none qualifies.
func (m *Map[M]) find(linear addr.Address) int {
	n := len(m.mappings)
	if n == 0 {
		return 0
	}
	if n < minBsearchThresh {
		i := m.cursor
		if i >= n {
			i = n - 1
		}
		for i > 0 && m.mappings[i].base > linear {
			i--
		}
		for i < n && m.mappings[i].end() <= linear {
			i++
		}
		return i
	}
	return sort.Search(n, func(i int) bool {
		return m.mappings[i].end() > linear
	})
}

// MapIter walks ops (each a linear address paired with a Splittable buffer)
// and, for every byte range that falls inside a pushed mapping, invokes
// onSuccess with the rebased real address and the (possibly split) buffer
// covering that sub-range. Bytes that fall in a gap between mappings are
// instead handed to onFail. Either callback may return false to cancel the
// remainder of the batch, matching the cancellation contract used
// throughout the pipeline. meta is passed through unchanged so callers can
// correlate output back to the original request.
func (m *Map[M]) MapIter(
	linear addr.Address,
	meta addr.Address,
	buf addr.Splittable,
	onSuccess func(real, meta addr.Address, buf addr.Splittable) bool,
	onFail func(meta addr.Address, buf addr.Splittable) bool,
) bool {
	for buf != nil && buf.Len() > 0 {
		idx := m.find(linear)
		if idx >= len(m.mappings) {
			return onFail(meta, buf)
		}
		cur := m.mappings[idx]
		m.cursor = idx

		if linear < cur.base {
			gap := uint64(cur.base - linear)
			var head addr.Splittable
			head, buf = buf.Split(gap)
			if !onFail(meta, head) {
				return false
			}
			linear = cur.base
			continue
		}

		offsetIntoMapping := uint64(linear - cur.base)
		avail := cur.output.Length() - offsetIntoMapping
		var chunk addr.Splittable
		chunk, buf = buf.Split(avail)
		if chunk != nil && chunk.Len() > 0 {
			real := cur.output.RealAddress(offsetIntoMapping)
			if !onSuccess(real, meta, chunk) {
				return false
			}
		}
		linear += addr.Address(avail)
	}
	return true
}
