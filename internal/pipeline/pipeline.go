// Package pipeline assembles the memory map, page cache, and MMU translator
// into the two capabilities callers actually need: raw physical-address
// I/O through the map and cache, and virtual-address I/O that additionally
// walks a page table.
package pipeline

import (
	"context"
	"fmt"

	"github.com/tinyrange/cc/internal/addr"
	"github.com/tinyrange/cc/internal/memmap"
	"github.com/tinyrange/cc/internal/mmuspec"
	"github.com/tinyrange/cc/internal/pagecache"
	"github.com/tinyrange/cc/internal/provider"
	"github.com/tinyrange/cc/internal/translate"
	"github.com/tinyrange/cc/internal/vmierr"
)

// backingAdapter makes a provider.PhysicalMemory satisfy pagecache.Provider
// (and, by the same shape, translate.PhysReader) once addresses have
// already been rewritten by the memory map: the cache and translator never
// see a linear address, only whatever the map resolved it to.
type backingAdapter struct {
	backing provider.PhysicalMemory
}

func (b backingAdapter) ReadRaw(ctx context.Context, ops []pagecache.ReadOp, onSuccess func(pagecache.ReadOp) bool, onFailure func(pagecache.ReadOp, error) bool) error {
	pops := make([]provider.Op, len(ops))
	for i, o := range ops {
		pops[i] = provider.Op{Addr: o.Addr, Meta: o.Meta, Type: o.Type, Buf: o.Buf}
	}
	return b.backing.ReadRaw(ctx, pops,
		func(op provider.Op, err error) bool {
			return onSuccess(pagecache.ReadOp{Addr: op.Addr, Meta: op.Meta, Type: op.Type, Buf: op.Buf})
		},
		func(op provider.Op, err error) bool {
			return onFailure(pagecache.ReadOp{Addr: op.Addr, Meta: op.Meta, Type: op.Type, Buf: op.Buf}, err)
		},
	)
}

func (b backingAdapter) WriteRaw(ctx context.Context, ops []pagecache.WriteOp, onSuccess func(pagecache.WriteOp) bool, onFailure func(pagecache.WriteOp, error) bool) error {
	pops := make([]provider.Op, len(ops))
	for i, o := range ops {
		pops[i] = provider.Op{Addr: o.Addr, Meta: o.Meta, Type: o.Type, Buf: o.Buf}
	}
	return b.backing.WriteRaw(ctx, pops,
		func(op provider.Op, err error) bool {
			return onSuccess(pagecache.WriteOp{Addr: op.Addr, Meta: op.Meta, Type: op.Type, Buf: op.Buf})
		},
		func(op provider.Op, err error) bool {
			return onFailure(pagecache.WriteOp{Addr: op.Addr, Meta: op.Meta, Type: op.Type, Buf: op.Buf}, err)
		},
	)
}

// Pipeline is one connector session: a backing provider, its linear-to-real
// memory map, a page cache in front of it, and an MMU translator driving
// the cache for both page-table reads and resolved data reads. Like every
// other piece of the core, a Pipeline is not safe for concurrent use from
// multiple goroutines; run one per session and parallelize across sessions.
type Pipeline struct {
	backing provider.PhysicalMemory
	mm      *memmap.Map[memmap.Region]
	cache   *pagecache.Cache
	tr      *translate.Translator
}

// New assembles a Pipeline. spec may be nil if the caller only ever uses
// the physical (non-virtual) operations.
func New(backing provider.PhysicalMemory, mm *memmap.Map[memmap.Region], cache *pagecache.Cache, spec *mmuspec.Spec, translateBatch int) *Pipeline {
	p := &Pipeline{backing: backing, mm: mm, cache: cache}
	if spec != nil {
		p.tr = translate.New(spec, p.backingProvider(), translateBatch)
	}
	return p
}

func (p *Pipeline) backingProvider() backingAdapter {
	return backingAdapter{backing: p.backing}
}

// ReadOp/WriteOp are the caller-facing physical I/O shapes: an address
// (linear, pre-map) paired with a buffer and caller correlation tag.
type ReadOp struct {
	Addr addr.Address
	Meta addr.Address
	Type addr.PageType
	Buf  []byte
}

type WriteOp struct {
	Addr addr.Address
	Meta addr.Address
	Type addr.PageType
	Buf  []byte
}

// byteTally accumulates the succeeded/failed byte counts for one batch, so
// the iterator can tell a caller whether the batch fully succeeded, fully
// failed, or only partially succeeded.
type byteTally struct {
	succeeded int
	failed    int
}

func (t *byteTally) addSuccess(n int) { t.succeeded += n }
func (t *byteTally) addFailure(n int) { t.failed += n }

// result turns the tally into the batch-level return value. Callers already
// learn of every failure through the onFailure callback; the return value
// only needs to distinguish a batch that failed outright (nil, unchanged
// from before this byte accounting existed) from one that was a genuine mix
// of successes and failures, which gets a *vmierr.PartialError so the
// caller can tell a fully opaque failure from a usable partial result.
func (t *byteTally) result() error {
	if t.failed == 0 || t.succeeded == 0 {
		return nil
	}
	return &vmierr.PartialError{SucceededBytes: t.succeeded, FailedBytes: t.failed}
}

// ReadRawIter feeds ops through the memory map (rewriting each linear
// address into its backing real address, or reporting a gap as failure)
// and then through the page cache. See pagecache.Cache.CachedRead for the
// batching and ordering contract. The returned error is nil on full success
// or full failure (callers already learn of every failure through
// onFailure) and a *vmierr.PartialError (see vmierr.IsPartial) when the
// batch was a genuine mix of both.
func (p *Pipeline) ReadRawIter(ctx context.Context, ops []ReadOp, onSuccess, onFailure provider.Callback) error {
	var mapped []pagecache.ReadOp
	canceled := false
	var tally byteTally

	for _, op := range ops {
		if canceled {
			break
		}
		ok := p.mm.MapIter(op.Addr, op.Meta, addr.Bytes(op.Buf),
			func(real, meta addr.Address, buf addr.Splittable) bool {
				mapped = append(mapped, pagecache.ReadOp{Addr: real, Meta: meta, Type: op.Type, Buf: []byte(buf.(addr.Bytes))})
				return true
			},
			func(meta addr.Address, buf addr.Splittable) bool {
				tally.addFailure(int(buf.Len()))
				return onFailure(provider.Op{Addr: op.Addr, Meta: meta, Buf: []byte(buf.(addr.Bytes))}, vmierr.ErrOutOfMemoryRange)
			},
		)
		if !ok {
			canceled = true
		}
	}
	if canceled || len(mapped) == 0 {
		return tally.result()
	}
	err := p.cache.CachedRead(ctx, p.backingProvider(), mapped,
		func(op pagecache.ReadOp) bool {
			tally.addSuccess(len(op.Buf))
			return onSuccess(provider.Op{Addr: op.Addr, Meta: op.Meta, Type: op.Type, Buf: op.Buf}, nil)
		},
		func(op pagecache.ReadOp, err error) bool {
			tally.addFailure(len(op.Buf))
			return onFailure(provider.Op{Addr: op.Addr, Meta: op.Meta, Type: op.Type, Buf: op.Buf}, err)
		},
	)
	if err != nil {
		return err
	}
	return tally.result()
}

// WriteRawIter is ReadRawIter's write-side counterpart: map, then
// write-through the cache. Its return value follows the same contract as
// ReadRawIter.
func (p *Pipeline) WriteRawIter(ctx context.Context, ops []WriteOp, onSuccess, onFailure provider.Callback) error {
	var mapped []pagecache.WriteOp
	canceled := false
	var tally byteTally

	for _, op := range ops {
		if canceled {
			break
		}
		ok := p.mm.MapIter(op.Addr, op.Meta, addr.ConstBytes(op.Buf),
			func(real, meta addr.Address, buf addr.Splittable) bool {
				mapped = append(mapped, pagecache.WriteOp{Addr: real, Meta: meta, Type: op.Type, Buf: []byte(buf.(addr.ConstBytes))})
				return true
			},
			func(meta addr.Address, buf addr.Splittable) bool {
				tally.addFailure(int(buf.Len()))
				return onFailure(provider.Op{Addr: op.Addr, Meta: meta, Buf: []byte(buf.(addr.ConstBytes))}, vmierr.ErrOutOfMemoryRange)
			},
		)
		if !ok {
			canceled = true
		}
	}
	if canceled || len(mapped) == 0 {
		return tally.result()
	}
	err := p.cache.CachedWrite(ctx, p.backingProvider(), mapped,
		func(op pagecache.WriteOp) bool {
			tally.addSuccess(len(op.Buf))
			return onSuccess(provider.Op{Addr: op.Addr, Meta: op.Meta, Type: op.Type, Buf: op.Buf}, nil)
		},
		func(op pagecache.WriteOp, err error) bool {
			tally.addFailure(len(op.Buf))
			return onFailure(provider.Op{Addr: op.Addr, Meta: op.Meta, Type: op.Type, Buf: op.Buf}, err)
		},
	)
	if err != nil {
		return err
	}
	return tally.result()
}

// VirtToPhysOp is one virtual-address translation or read/write request.
type VirtToPhysOp struct {
	Addr addr.Address
	Meta addr.Address
	Buf  []byte
}

// VirtToPhysIter walks dtb for every op's virtual address and reports the
// resolved physical address without performing any physical I/O, the pure
// translation capability (C5) exposed through the pipeline.
func (p *Pipeline) VirtToPhysIter(ctx context.Context, dtb addr.Address, ops []VirtToPhysOp,
	onSuccess func(pa addr.PhysicalAddress, meta addr.Address, length uint64) bool,
	onFailure func(meta addr.Address, length uint64, err error) bool,
) error {
	if p.tr == nil {
		return fmt.Errorf("pipeline: no MMU spec configured")
	}
	tops := make([]translate.Op, len(ops))
	for i, op := range ops {
		tops[i] = translate.Op{Addr: op.Addr, Meta: op.Meta, Buf: addr.Count(len(op.Buf))}
	}
	return p.tr.VirtToPhysIter(ctx, dtb, tops,
		func(pa addr.PhysicalAddress, meta addr.Address, buf addr.Splittable) bool {
			return onSuccess(pa, meta, buf.Len())
		},
		func(meta addr.Address, buf addr.Splittable, err error) bool {
			return onFailure(meta, buf.Len(), err)
		},
	)
}

// ReadVirtIter translates every op's virtual address through dtb and reads
// the resolved physical bytes into op.Buf, composing the translator and the
// physical read pipeline in one call: the combined "read by virtual
// address" operation callers normally want. Its return value follows the
// same full success/full failure/*vmierr.PartialError contract as
// ReadRawIter, combining translation failures with the physical read's.
func (p *Pipeline) ReadVirtIter(ctx context.Context, dtb addr.Address, ops []VirtToPhysOp, onSuccess, onFailure provider.Callback) error {
	if p.tr == nil {
		return fmt.Errorf("pipeline: no MMU spec configured")
	}
	tops := make([]translate.Op, len(ops))
	for i, op := range ops {
		tops[i] = translate.Op{Addr: op.Addr, Meta: op.Meta, Buf: addr.Bytes(op.Buf)}
	}

	var reads []ReadOp
	var tally byteTally
	err := p.tr.VirtToPhysIter(ctx, dtb, tops,
		func(pa addr.PhysicalAddress, meta addr.Address, buf addr.Splittable) bool {
			b := []byte(buf.(addr.Bytes))
			reads = append(reads, ReadOp{Addr: pa.Address, Meta: meta, Type: pa.Page.Type, Buf: b})
			return true
		},
		func(meta addr.Address, buf addr.Splittable, translateErr error) bool {
			b := []byte(buf.(addr.Bytes))
			tally.addFailure(len(b))
			return onFailure(provider.Op{Meta: meta, Buf: b}, translateErr)
		},
	)
	if err != nil {
		return err
	}
	if len(reads) == 0 {
		return tally.result()
	}
	readErr := p.ReadRawIter(ctx, reads, onSuccess, onFailure)
	if pe, ok := vmierr.IsPartial(readErr); ok {
		tally.addSuccess(pe.SucceededBytes)
		tally.addFailure(pe.FailedBytes)
	} else if readErr != nil {
		for _, r := range reads {
			tally.addFailure(len(r.Buf))
		}
	} else {
		for _, r := range reads {
			tally.addSuccess(len(r.Buf))
		}
	}
	return tally.result()
}

// WriteVirtIter is ReadVirtIter's write-side counterpart.
func (p *Pipeline) WriteVirtIter(ctx context.Context, dtb addr.Address, ops []VirtToPhysOp, onSuccess, onFailure provider.Callback) error {
	if p.tr == nil {
		return fmt.Errorf("pipeline: no MMU spec configured")
	}
	tops := make([]translate.Op, len(ops))
	for i, op := range ops {
		tops[i] = translate.Op{Addr: op.Addr, Meta: op.Meta, Buf: addr.ConstBytes(op.Buf)}
	}

	var writes []WriteOp
	var tally byteTally
	err := p.tr.VirtToPhysIter(ctx, dtb, tops,
		func(pa addr.PhysicalAddress, meta addr.Address, buf addr.Splittable) bool {
			b := []byte(buf.(addr.ConstBytes))
			writes = append(writes, WriteOp{Addr: pa.Address, Meta: meta, Type: pa.Page.Type, Buf: b})
			return true
		},
		func(meta addr.Address, buf addr.Splittable, translateErr error) bool {
			b := []byte(buf.(addr.ConstBytes))
			tally.addFailure(len(b))
			return onFailure(provider.Op{Meta: meta, Buf: b}, translateErr)
		},
	)
	if err != nil {
		return err
	}
	if len(writes) == 0 {
		return tally.result()
	}
	writeErr := p.WriteRawIter(ctx, writes, onSuccess, onFailure)
	if pe, ok := vmierr.IsPartial(writeErr); ok {
		tally.addSuccess(pe.SucceededBytes)
		tally.addFailure(pe.FailedBytes)
	} else if writeErr != nil {
		for _, w := range writes {
			tally.addFailure(len(w.Buf))
		}
	} else {
		for _, w := range writes {
			tally.addSuccess(len(w.Buf))
		}
	}
	return tally.result()
}

// InvalidatePage drops a cached physical page, e.g. after a connector
// observes the guest remapped or freed it.
func (p *Pipeline) InvalidatePage(a addr.Address, pt addr.PageType) {
	p.cache.InvalidatePage(a, pt)
}
