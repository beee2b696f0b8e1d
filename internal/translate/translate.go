// Package translate implements the batched virtual-to-physical MMU walker:
// given a root page-table address and a stream of (virtual address, buffer)
// operations, it drives an *mmuspec.Spec against a physical-memory reader,
// coalescing operations that share a page-table entry into one scatter
// read per walk step. Working state is kept in plain slices and
// address-keyed maps rather than an intrusive-stack arena: ordinary Go
// slices already give the same amortized-O(1) append a bump arena would,
// without hand-rolled pointer bookkeeping a garbage-collected language has
// no use for. See DESIGN.md for this and the other deliberate design
// choices in this walker.
package translate

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/cc/internal/addr"
	"github.com/tinyrange/cc/internal/mmuspec"
	"github.com/tinyrange/cc/internal/pagecache"
	"github.com/tinyrange/cc/internal/vmierr"
)

// Op is one virtual-to-physical translation request.
type Op struct {
	Addr addr.Address
	Meta addr.Address
	Buf  addr.Splittable
}

// PhysReader is the physical-memory side the translator reads page-table
// entries from. Any pagecache.Provider satisfies it; pagecache.Cache does
// not, since its reads go through CachedRead, which takes the provider as an
// argument.
type PhysReader interface {
	ReadRaw(ctx context.Context, ops []pagecache.ReadOp, onSuccess func(pagecache.ReadOp) bool, onFailure func(pagecache.ReadOp, error) bool) error
}

type dataElem struct {
	vaddr addr.Address
	meta  addr.Address
	buf   addr.Splittable

	// seen is every page-table base address this element's walk has
	// already read from, starting with the root (dtb). It is what catches
	// a table that loops back on itself: before following a non-final
	// PTE to its next table, the translator checks whether that table's
	// address already appears here.
	seen []addr.Address
}

// tableSeen reports whether table already appears in seen.
func tableSeen(seen []addr.Address, table addr.Address) bool {
	for _, s := range seen {
		if s == table {
			return true
		}
	}
	return false
}

// withSeenAppended returns a copy of seen with table appended, never
// mutating seen's backing array (which may be shared with sibling
// elements that took a different table at this step).
func withSeenAppended(seen []addr.Address, table addr.Address) []addr.Address {
	out := make([]addr.Address, len(seen)+1)
	copy(out, seen)
	out[len(seen)] = table
	return out
}

// chunk is the unit of work inside the walk loop: every element in data
// currently needs the exact same page-table entry read at ptAddr.
type chunk struct {
	ptAddr addr.Address
	level  int
	flags  mmuspec.Flags
	data   []dataElem
}

// Translator drives one architecture's Spec against a PhysReader.
type Translator struct {
	spec      *mmuspec.Spec
	phys      PhysReader
	batchSize int
}

// New builds a Translator. batchSize bounds how many page-table entries are
// requested in a single scatter read per walk step; pass 0 for a sensible
// default.
func New(spec *mmuspec.Spec, phys PhysReader, batchSize int) *Translator {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Translator{spec: spec, phys: phys, batchSize: batchSize}
}

// splitAtBoundary breaks (vaddr, buf) into pieces that each lie fully
// within one boundary-sized, boundary-aligned region, so that every piece's
// virtual address shares the same page-table index at whatever level
// `boundary` corresponds to. Every piece inherits seen unchanged.
func splitAtBoundary(vaddr, meta addr.Address, buf addr.Splittable, boundary uint64, seen []addr.Address) []dataElem {
	var out []dataElem
	for buf != nil && buf.Len() > 0 {
		base := vaddr.AlignedTo(boundary)
		avail := boundary - uint64(vaddr-base)
		var piece addr.Splittable
		piece, buf = buf.Split(avail)
		if piece == nil {
			break
		}
		out = append(out, dataElem{vaddr: vaddr, meta: meta, buf: piece, seen: seen})
		vaddr += addr.Address(piece.Len())
	}
	return out
}

// groupByPTE buckets elems by the exact physical address of the PTE each
// one needs at level, given the level's table starts at tableBase.
func groupByPTE(spec *mmuspec.Spec, tableBase addr.Address, level int, elems []dataElem) map[addr.Address][]dataElem {
	groups := make(map[addr.Address][]dataElem, len(elems))
	for _, e := range elems {
		pteAddr := tableBase + addr.Address(spec.PTEByteOffset(e.vaddr, level))
		groups[pteAddr] = append(groups[pteAddr], e)
	}
	return groups
}

func decodePTE(raw []byte, end mmuspec.Endianness) uint64 {
	switch len(raw) {
	case 4:
		if end == mmuspec.BigEndian {
			return uint64(binary.BigEndian.Uint32(raw))
		}
		return uint64(binary.LittleEndian.Uint32(raw))
	default:
		if end == mmuspec.BigEndian {
			return binary.BigEndian.Uint64(raw)
		}
		return binary.LittleEndian.Uint64(raw)
	}
}

// VirtToPhysIter walks every op's virtual address through the page table
// rooted at dtb, invoking onSuccess once per resolved (physical address,
// meta, buffer) tuple and onFailure once per byte range that could not be
// resolved. Callbacks may fire in any order relative to input order; use
// Meta to correlate. Either callback returning false cancels the remainder
// of the batch; once canceled, no further callbacks are invoked for this
// call.
func (t *Translator) VirtToPhysIter(
	ctx context.Context,
	dtb addr.Address,
	ops []Op,
	onSuccess func(pa addr.PhysicalAddress, meta addr.Address, buf addr.Splittable) bool,
	onFailure func(meta addr.Address, buf addr.Splittable, err error) bool,
) error {
	canceled := false
	fail := func(meta addr.Address, buf addr.Splittable, err error) {
		if canceled || buf == nil || buf.Len() == 0 {
			return
		}
		if !onFailure(meta, buf, err) {
			canceled = true
		}
	}
	succeed := func(pa addr.PhysicalAddress, meta addr.Address, buf addr.Splittable) {
		if canceled {
			return
		}
		if !onSuccess(pa, meta, buf) {
			canceled = true
		}
	}

	lowerEnd, upperStart := t.spec.CanonicalBounds()

	var initial []dataElem
	for _, op := range ops {
		for _, e := range splitAtBoundary(op.Addr, op.Meta, op.Buf, t.spec.PageSizeStep(0), []addr.Address{dtb}) {
			if e.vaddr >= lowerEnd && e.vaddr < upperStart {
				fail(e.meta, e.buf, vmierr.ErrOutOfMemoryRange)
				continue
			}
			initial = append(initial, e)
		}
	}

	// The root level has no ancestor to inherit from: writeable starts
	// permissive (nothing has restricted it yet) and no-execute starts
	// unset, the identity element for each architecture's AND/OR
	// combination rule.
	rootFlags := mmuspec.Flags{Writeable: true, NoExec: false}

	working := make([]chunk, 0, len(initial))
	for pteAddr, elems := range groupByPTE(t.spec, dtb, 0, initial) {
		working = append(working, chunk{ptAddr: pteAddr, level: 0, flags: rootFlags, data: elems})
	}

	for len(working) > 0 && !canceled {
		var next []chunk

		for start := 0; start < len(working) && !canceled; start += t.batchSize {
			end := start + t.batchSize
			if end > len(working) {
				end = len(working)
			}
			batch := working[start:end]

			pteBytes := make(map[addr.Address][]byte, len(batch))
			rops := make([]pagecache.ReadOp, len(batch))
			for i, ch := range batch {
				buf := make([]byte, t.spec.PteSize)
				pteBytes[ch.ptAddr] = buf
				rops[i] = pagecache.ReadOp{Addr: ch.ptAddr, Buf: buf, Type: addr.PagePageTable}
			}

			findBatch := func(a addr.Address) chunk {
				for _, c := range batch {
					if c.ptAddr == a {
						return c
					}
				}
				return chunk{}
			}

			err := t.phys.ReadRaw(ctx, rops,
				func(op pagecache.ReadOp) bool { return true },
				func(op pagecache.ReadOp, rerr error) bool {
					ch := findBatch(op.Addr)
					for _, e := range ch.data {
						fail(e.meta, e.buf, fmt.Errorf("translate: pte read at %s: %w", op.Addr, rerr))
					}
					delete(pteBytes, op.Addr)
					return true
				},
			)
			if err != nil {
				return fmt.Errorf("translate: scatter read: %w", err)
			}

			for _, ch := range batch {
				raw, ok := pteBytes[ch.ptAddr]
				if !ok {
					continue // already reported by the failure callback above
				}
				pte := decodePTE(raw, t.spec.Endian)

				if !t.spec.CheckEntry(pte) {
					for _, e := range ch.data {
						fail(e.meta, e.buf, vmierr.ErrVirtualTranslate)
					}
					continue
				}

				if t.spec.IsFinalMapping(pte, ch.level) {
					for _, e := range ch.data {
						pa := t.spec.GetPhysPage(pte, e.vaddr, ch.level, ch.flags)
						succeed(pa, e.meta, e.buf)
					}
					continue
				}

				nextTable := t.spec.NextTableAddress(pte)
				nextFlags := t.spec.InheritedFlags(pte, ch.flags)
				nextLevel := ch.level + 1

				// A non-final entry whose next table is one this element's
				// walk has already read from is a cycle: the table graph
				// loops instead of terminating in a bounded number of
				// levels. Every element is checked against its own walk
				// history rather than a single per-level slot, since
				// elements merged into this chunk may have arrived here by
				// different paths.
				refined := make([]dataElem, 0, len(ch.data))
				for _, e := range ch.data {
					if tableSeen(e.seen, nextTable) {
						fail(e.meta, e.buf, vmierr.ErrVirtualTranslate)
						continue
					}
					eSeen := withSeenAppended(e.seen, nextTable)
					refined = append(refined, splitAtBoundary(e.vaddr, e.meta, e.buf, t.spec.PageSizeStep(nextLevel), eSeen)...)
				}
				for pteAddr, elems := range groupByPTE(t.spec, nextTable, nextLevel, refined) {
					next = append(next, chunk{ptAddr: pteAddr, level: nextLevel, flags: nextFlags, data: elems})
				}
			}
		}

		working = next
	}
	return nil
}
