// Package mmuspec describes, per hardware architecture, how a page table is
// laid out: how many levels it has, how wide each level's index is, which
// levels may terminate a walk early with a large page, and how to read the
// present/writeable/no-execute/large-page bits out of a raw PTE. The
// RISC-V definitions in archs.go follow the standard Sv39/Sv48
// PteV/PteR/PteW/PteX page-table-entry bit layout.
package mmuspec

import "github.com/tinyrange/cc/internal/addr"

// Endianness is the byte order a PTE is stored in.
type Endianness int

const (
	LittleEndian Endianness = iota
	BigEndian
)

// Flags is the accumulated write/no-execute state threaded down a walk.
// Each architecture's WriteableBit/NxBit closures decide how a level's own
// bits combine with what was inherited from its ancestors (x86 ANDs
// writeable and ORs no-execute down the walk; RISC-V's leaf bits stand
// alone).
type Flags struct {
	Writeable bool
	NoExec    bool
}

// Def is the compile-time-constant, hand-written description of an
// architecture's MMU. NewSpec precomputes the derived lookup tables from it.
type Def struct {
	// Name identifies the architecture, for logging and error messages.
	Name string

	// VirtualAddressSplits lists, from the top (root table) down, the
	// bit-width each page-table level's index consumes, followed by one
	// final entry: the in-page byte-offset width. For x86-64 4-level
	// paging this is {9, 9, 9, 9, 12}.
	VirtualAddressSplits []uint8

	// ValidFinalPageSteps marks, per walkable level (same length as
	// VirtualAddressSplits minus the trailing offset entry), whether a
	// large/huge page may terminate the walk at that level.
	ValidFinalPageSteps []bool

	// AddressSpaceBits is the width of the physical address space; it
	// bounds the mask used to pull a physical frame number out of a PTE.
	AddressSpaceBits uint8

	// PTAlignBits is the alignment, in bits, of a page table itself (the
	// low bits of a PTE's frame field that are always zero because table
	// pointers are page-aligned). 12 (4K) on every architecture this
	// package currently describes.
	PTAlignBits uint8

	Endian  Endianness
	PteSize uint8 // bytes per PTE: 4 for x86_32, 8 for every other architecture here

	PresentBit   func(pte uint64) bool
	WriteableBit func(pte uint64, inherited bool) bool
	NxBit        func(pte uint64, inherited bool) bool
	LargePageBit func(pte uint64) bool
}

// Spec is a Def plus its precomputed per-level tables. Build once per
// architecture with NewSpec and reuse across every translation.
type Spec struct {
	Def

	levels     int
	pageSize   []uint64
	indexShift []uint8
	indexMask  []addr.Address

	pteAddrMask addr.Address
	vbits       uint8
}

// NewSpec precomputes Spec's per-level tables from def. It panics if def is
// malformed (fewer than two splits, or a ValidFinalPageSteps length
// mismatch) since a bad Def is a programming error, never a runtime
// condition.
func NewSpec(def Def) *Spec {
	n := len(def.VirtualAddressSplits)
	if n < 2 {
		panic("mmuspec: VirtualAddressSplits needs at least one table level plus the page offset")
	}
	numLevels := n - 1
	if len(def.ValidFinalPageSteps) != numLevels {
		panic("mmuspec: ValidFinalPageSteps must have one entry per walkable level")
	}

	s := &Spec{
		Def:        def,
		levels:     numLevels,
		pageSize:   make([]uint64, numLevels),
		indexShift: make([]uint8, numLevels),
		indexMask:  make([]addr.Address, numLevels),
	}

	bitsBelow := def.VirtualAddressSplits[n-1] // the page-offset width
	for i := numLevels - 1; i >= 0; i-- {
		s.indexShift[i] = bitsBelow
		s.indexMask[i] = addr.BitMask(0, def.VirtualAddressSplits[i]-1)
		s.pageSize[i] = uint64(1) << bitsBelow
		bitsBelow += def.VirtualAddressSplits[i]
	}
	s.vbits = bitsBelow
	s.pteAddrMask = addr.BitMask(def.PTAlignBits, def.AddressSpaceBits-1)
	return s
}

// Levels returns the number of walkable page-table levels (not counting the
// final in-page offset).
func (s *Spec) Levels() int { return s.levels }

// PTEByteOffset returns the byte offset into the current level's table for
// vaddr's index at that level.
func (s *Spec) PTEByteOffset(vaddr addr.Address, level int) uint64 {
	idx := (uint64(vaddr) >> s.indexShift[level]) & uint64(s.indexMask[level])
	return idx * uint64(s.PteSize)
}

// PageSizeStep returns the size of the region one entry at level covers, if
// that entry is (or could be) a terminal mapping.
func (s *Spec) PageSizeStep(level int) uint64 { return s.pageSize[level] }

// IndexShift returns the bit position where level's page-table index
// begins within a virtual address; used by the translator to align a
// virtual address down to the coverage boundary of its containing entry.
func (s *Spec) IndexShift(level int) uint8 { return s.indexShift[level] }

// IsFinalMapping reports whether pte, read at level, terminates the walk:
// either it is the last walkable level (always a base-page leaf) or a
// large-page-capable level whose large-page bit is set.
func (s *Spec) IsFinalMapping(pte uint64, level int) bool {
	if level == s.levels-1 {
		return true
	}
	return s.ValidFinalPageSteps[level] && s.LargePageBit(pte)
}

// CheckEntry reports whether pte is present/valid to use, whether to
// descend further or to treat it as a terminal mapping.
func (s *Spec) CheckEntry(pte uint64) bool { return s.PresentBit(pte) }

// NextTableAddress extracts the physical base address of the next-level
// page table a non-final PTE points to.
func (s *Spec) NextTableAddress(pte uint64) addr.Address {
	return addr.Address(pte) & s.pteAddrMask
}

// GetPhysPage composes the physical address a final PTE maps vaddr to,
// along with the page's size and permission flags, combining pte's own
// writeable/no-execute bits with whatever was inherited from ancestor
// levels.
func (s *Spec) GetPhysPage(pte uint64, vaddr addr.Address, level int, inherited Flags) addr.PhysicalAddress {
	shift := s.indexShift[level]
	frameMask := addr.BitMask(shift, s.AddressSpaceBits-1)
	offsetMask := addr.BitMask(0, shift-1)

	phys := (addr.Address(pte) & frameMask) | (vaddr & offsetMask)

	writeable := s.WriteableBit(pte, inherited.Writeable)
	nx := s.NxBit(pte, inherited.NoExec)

	pt := addr.PageUnknown
	if writeable {
		pt |= addr.PageWriteable
	} else {
		pt |= addr.PageReadOnly
	}
	if nx {
		pt |= addr.PageNoExec
	}
	return addr.NewPhysicalPage(phys, pt, s.pageSize[level])
}

// InheritedFlags folds one level's own bits into the flags state passed
// down to the next level, using the architecture's own combination rule.
func (s *Spec) InheritedFlags(pte uint64, parent Flags) Flags {
	return Flags{
		Writeable: s.WriteableBit(pte, parent.Writeable),
		NoExec:    s.NxBit(pte, parent.NoExec),
	}
}

// CanonicalBounds returns the exclusive end of the lower canonical half and
// the inclusive start of the upper canonical half of the virtual address
// space. A virtual address is valid only if it is below lowerEnd or at/above
// upperStart; everything in between falls in the non-canonical hole created
// by sign-extending an address narrower than the full machine word.
func (s *Spec) CanonicalBounds() (lowerEnd, upperStart addr.Address) {
	if s.vbits >= 64 {
		return addr.Address(^uint64(0)), addr.NULL
	}
	lowerEnd = addr.Address(uint64(1) << (s.vbits - 1))
	upperStart = addr.Address(^uint64(0)) - (lowerEnd - 1)
	return lowerEnd, upperStart
}

// IsCanonical reports whether v falls in either canonical half.
func (s *Spec) IsCanonical(v addr.Address) bool {
	lowerEnd, upperStart := s.CanonicalBounds()
	return v < lowerEnd || v >= upperStart
}
