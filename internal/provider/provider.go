// Package provider defines the physical-memory transport the translation
// pipeline sits on top of, plus two reference implementations: a
// process_vm_readv/writev bridge to a live process, and a flat-file/block
// device backed provider for crash dumps.
package provider

import (
	"context"

	"github.com/tinyrange/cc/internal/addr"
)

// Op is one physical-memory operation: fill or drain Buf at Addr. Meta is
// an opaque caller correlation tag; Type, when known, lets a cache or
// connector apply page-type-specific policy (e.g. never cache page-table
// frames across a validator tick that just invalidated them).
type Op struct {
	Addr addr.Address
	Meta addr.Address
	Type addr.PageType
	Buf  []byte
}

// Callback reports the outcome of one Op. err is nil on success. Returning
// false cancels the remainder of the batch the callback was invoked from.
type Callback func(op Op, err error) bool

// Metadata describes a provider's address space and I/O characteristics.
type Metadata struct {
	MaxAddress      addr.Address
	RealSize        uint64
	Readonly        bool
	IdealBatchSize  int
}

// PhysicalMemory is the one interface the core pipeline requires of its
// backing transport: scatter reads and writes that report per-operation
// success or failure, plus static metadata. A connector (QEMU bridge, crash
// dump, hypervisor socket) implements this and nothing more.
type PhysicalMemory interface {
	ReadRaw(ctx context.Context, ops []Op, onSuccess, onFailure Callback) error
	WriteRaw(ctx context.Context, ops []Op, onSuccess, onFailure Callback) error
	Metadata() Metadata
}
