package mmuspec

// Concrete architecture definitions. Bit positions for x86-64 and AArch64
// follow the public Intel SDM / Arm ARM page-table-entry layouts; the
// RISC-V bit positions follow the standard Sv39/Sv48 PteV/PteR/PteW/PteX
// layout.

const (
	x86PresentBit   = 1 << 0
	x86WriteableBit = 1 << 1
	x86LargePageBit = 1 << 7
	x86NxBit        = 1 << 63
)

// X8664 describes standard 4-level (non-PAE... well, identical layout to
// PAE) x86-64 paging: PML4 -> PDPT -> PD -> PT, with 1G/2M large pages.
var X8664 = NewSpec(Def{
	Name:                 "x86_64",
	VirtualAddressSplits: []uint8{9, 9, 9, 9, 12},
	ValidFinalPageSteps:  []bool{false, true, true, true},
	AddressSpaceBits:     52,
	PTAlignBits:          12,
	Endian:               LittleEndian,
	PteSize:              8,
	PresentBit:           func(pte uint64) bool { return pte&x86PresentBit != 0 },
	WriteableBit: func(pte uint64, inherited bool) bool {
		return inherited && pte&x86WriteableBit != 0
	},
	NxBit: func(pte uint64, inherited bool) bool {
		return inherited || pte&x86NxBit != 0
	},
	LargePageBit: func(pte uint64) bool { return pte&x86LargePageBit != 0 },
})

// X8632 describes legacy 2-level 32-bit paging (PD -> PT), no NX support.
var X8632 = NewSpec(Def{
	Name:                 "x86_32",
	VirtualAddressSplits: []uint8{10, 10, 12},
	ValidFinalPageSteps:  []bool{true, true},
	AddressSpaceBits:     32,
	PTAlignBits:          12,
	Endian:               LittleEndian,
	PteSize:              4,
	PresentBit:           func(pte uint64) bool { return pte&x86PresentBit != 0 },
	WriteableBit: func(pte uint64, inherited bool) bool {
		return inherited && pte&x86WriteableBit != 0
	},
	NxBit:        func(pte uint64, inherited bool) bool { return inherited },
	LargePageBit: func(pte uint64) bool { return pte&x86LargePageBit != 0 },
})

const (
	aarch64PresentBit = 1 << 0
	aarch64TableBit   = 1 << 1
	aarch64ROBit      = 1 << 7  // AP[2]
	aarch64UXNBit     = 1 << 54
)

// AArch64_4K describes 4-level, 4K-granule AArch64 paging with 48-bit
// virtual addresses.
var AArch64_4K = NewSpec(Def{
	Name:                 "aarch64_4k",
	VirtualAddressSplits: []uint8{9, 9, 9, 9, 12},
	ValidFinalPageSteps:  []bool{false, true, true, true},
	AddressSpaceBits:     48,
	PTAlignBits:          12,
	Endian:               LittleEndian,
	PteSize:              8,
	PresentBit:           func(pte uint64) bool { return pte&aarch64PresentBit != 0 },
	WriteableBit: func(pte uint64, inherited bool) bool {
		return inherited && pte&aarch64ROBit == 0
	},
	NxBit: func(pte uint64, inherited bool) bool {
		return inherited || pte&aarch64UXNBit != 0
	},
	// A block (as opposed to table) descriptor has bit 1 clear; it
	// terminates the walk early at any level that permits blocks.
	LargePageBit: func(pte uint64) bool { return pte&aarch64TableBit == 0 },
})

const (
	riscvPteV = 1 << 0
	riscvPteR = 1 << 1
	riscvPteW = 1 << 2
	riscvPteX = 1 << 3
)

// RISCV64Sv39 describes the 3-level Sv39 page table format.
var RISCV64Sv39 = NewSpec(Def{
	Name:                 "riscv64_sv39",
	VirtualAddressSplits: []uint8{9, 9, 9, 12},
	ValidFinalPageSteps:  []bool{true, true, true},
	AddressSpaceBits:     56,
	PTAlignBits:          12,
	Endian:               LittleEndian,
	PteSize:              8,
	PresentBit:           func(pte uint64) bool { return pte&riscvPteV != 0 },
	// R/W/X permission bits are leaf-only in RISC-V; there is no
	// ancestor inheritance to combine with.
	WriteableBit: func(pte uint64, _ bool) bool { return pte&riscvPteW != 0 },
	NxBit:        func(pte uint64, _ bool) bool { return pte&riscvPteX == 0 },
	// Any of R/W/X set marks a leaf PTE; all clear means it points to
	// the next-level table.
	LargePageBit: func(pte uint64) bool { return pte&(riscvPteR|riscvPteW|riscvPteX) != 0 },
})

// RISCV64Sv48 describes the 4-level Sv48 page table format.
var RISCV64Sv48 = NewSpec(Def{
	Name:                 "riscv64_sv48",
	VirtualAddressSplits: []uint8{9, 9, 9, 9, 12},
	ValidFinalPageSteps:  []bool{true, true, true, true},
	AddressSpaceBits:     56,
	PTAlignBits:          12,
	Endian:               LittleEndian,
	PteSize:              8,
	PresentBit:           func(pte uint64) bool { return pte&riscvPteV != 0 },
	WriteableBit:         func(pte uint64, _ bool) bool { return pte&riscvPteW != 0 },
	NxBit:                func(pte uint64, _ bool) bool { return pte&riscvPteX == 0 },
	LargePageBit:         func(pte uint64) bool { return pte&(riscvPteR|riscvPteW|riscvPteX) != 0 },
})
