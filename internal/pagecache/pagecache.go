// Package pagecache implements a fixed-capacity, direct-mapped cache of
// physical pages sitting in front of a physical-memory provider: a
// TLB-style lookup table indexed by a masked address, with entries
// invalidated and refilled rather than grown, driving a per-slot
// validity-state machine and a batched scatter-fill on miss.
package pagecache

import (
	"context"
	"fmt"

	"github.com/tinyrange/cc/internal/addr"
)

// ReadOp is one physical read: fill Buf with the bytes at Addr. Meta is an
// opaque caller tag echoed back on the matching success/failure callback so
// callers can correlate results that may arrive out of submission order.
type ReadOp struct {
	Addr  addr.Address
	Meta  addr.Address
	Type  addr.PageType
	Buf   []byte
}

// WriteOp is one physical write: store Buf at Addr.
type WriteOp struct {
	Addr addr.Address
	Meta addr.Address
	Type addr.PageType
	Buf  []byte
}

// Provider is the backing physical-memory transport the cache batches
// reads and writes against. The one blocking point in the whole pipeline is
// the call into a Provider.
type Provider interface {
	ReadRaw(ctx context.Context, ops []ReadOp, onSuccess func(ReadOp) bool, onFailure func(ReadOp, error) bool) error
	WriteRaw(ctx context.Context, ops []WriteOp, onSuccess func(WriteOp) bool, onFailure func(WriteOp, error) bool) error
}

type slotState int

const (
	stateInvalid slotState = iota
	stateValidatable
	stateToBeValidated
	stateValid
)

// Cache is a direct-mapped cache of `entries` physical pages, each
// `pageSize` bytes. It is not safe for concurrent use: like the rest of the
// pipeline it is driven synchronously by a single caller per session
// (see the concurrency notes in SPEC_FULL.md); parallelism comes from
// running independent Cache instances, not from locking this one.
type Cache struct {
	pageSize  uint64
	entries   int
	cacheable addr.PageType
	watermark int

	arena   []byte
	tag     []addr.Address // page resident at slot i, or addr.INVALID
	pending []addr.Address // page whose refill is in flight at slot i, or addr.INVALID

	validator Validator
}

// New builds a Cache with the given page size and entry count. cacheable is
// the page-type mask eligible for caching; an operation whose PageType is
// addr.PageUnknown (the common case: most reads don't carry page-type
// provenance) is always treated as cacheable.
func New(pageSize uint64, entries int, cacheable addr.PageType, validator Validator) *Cache {
	if pageSize == 0 || entries <= 0 {
		panic("pagecache: pageSize and entries must be positive")
	}
	c := &Cache{
		pageSize:  pageSize,
		entries:   entries,
		cacheable: cacheable,
		watermark: 64,
		arena:     make([]byte, uint64(entries)*pageSize),
		tag:       make([]addr.Address, entries),
		pending:   make([]addr.Address, entries),
		validator: validator,
	}
	for i := range c.tag {
		c.tag[i] = addr.INVALID
		c.pending[i] = addr.INVALID
	}
	validator.Allocate(entries)
	return c
}

func (c *Cache) index(page addr.Address) int {
	return int((uint64(page) / c.pageSize) % uint64(c.entries))
}

func (c *Cache) pageSlice(slot int) []byte {
	base := uint64(slot) * c.pageSize
	return c.arena[base : base+c.pageSize]
}

func (c *Cache) cacheablePage(pt addr.PageType) bool {
	if pt == addr.PageUnknown {
		return true
	}
	return pt.Contains(c.cacheable)
}

func (c *Cache) classify(page addr.Address) (slotState, int) {
	slot := c.index(page)
	if c.pending[slot] == page {
		return stateToBeValidated, slot
	}
	if c.tag[slot] == page {
		if c.validator.IsValid(slot) {
			return stateValid, slot
		}
		return stateValidatable, slot
	}
	return stateInvalid, slot
}

// InvalidatePage drops the entry for addr's page if its type intersects the
// cache's cacheable mask (or carries no type information at all).
func (c *Cache) InvalidatePage(a addr.Address, pt addr.PageType) {
	if !c.cacheablePage(pt) {
		return
	}
	page := a.AlignedTo(c.pageSize)
	slot := c.index(page)
	if c.tag[slot] == page {
		c.tag[slot] = addr.INVALID
		c.validator.Invalidate(slot)
	}
}

// readChunk is one page-bounded slice of a caller ReadOp.
type readChunk struct {
	addr addr.Address
	meta addr.Address
	typ  addr.PageType
	dst  []byte
}

func (c *Cache) splitRead(op ReadOp) []readChunk {
	var out []readChunk
	a := op.Addr
	buf := op.Buf
	for len(buf) > 0 {
		page := a.AlignedTo(c.pageSize)
		offset := uint64(a - page)
		n := c.pageSize - offset
		if uint64(len(buf)) < n {
			n = uint64(len(buf))
		}
		out = append(out, readChunk{addr: a, meta: op.Meta, typ: op.Type, dst: buf[:n]})
		buf = buf[n:]
		a += addr.Address(n)
	}
	return out
}

type pendingCopy struct {
	slot int
	page addr.Address
	off  uint64
	chunk readChunk
}

type refillClaim struct {
	slot int
	page addr.Address
}

// CachedRead serves ops from resident valid pages and batches the rest
// (plus any non-cacheable ranges) into scatter reads against p, flushing
// whenever any internal list reaches the batch watermark or input is
// exhausted. Success/failure callbacks fire once per chunk, in no
// guaranteed order relative to the original ops; use Meta to correlate.
// Returning false from either callback cancels the remainder of the batch.
func (c *Cache) CachedRead(ctx context.Context, p Provider, ops []ReadOp,
	onSuccess func(ReadOp) bool, onFailure func(ReadOp, error) bool) error {

	c.validator.Tick()

	var uncached []readChunk
	var refills []refillClaim
	var pending []pendingCopy
	claimed := map[int]addr.Address{}
	canceled := false

	// abortBatch fails every chunk still in flight and releases the cache
	// slots this batch claimed, so a hard provider error never leaves a
	// refill slot stuck in stateToBeValidated forever.
	abortBatch := func(rerr error) {
		for _, ch := range uncached {
			onFailure(ReadOp{Addr: ch.addr, Meta: ch.meta, Type: ch.typ, Buf: ch.dst}, rerr)
		}
		uncached = nil
		for _, r := range refills {
			c.pending[r.slot] = addr.INVALID
		}
		refills = nil
		for _, pc := range pending {
			c.pending[pc.slot] = addr.INVALID
			onFailure(ReadOp{Addr: pc.chunk.addr, Meta: pc.chunk.meta, Type: pc.chunk.typ, Buf: pc.chunk.dst}, rerr)
		}
		pending = nil
		for slot := range claimed {
			c.pending[slot] = addr.INVALID
		}
		claimed = map[int]addr.Address{}
	}

	flush := func() error {
		if canceled {
			uncached, refills, pending = nil, nil, nil
			claimed = map[int]addr.Address{}
			return nil
		}
		if len(uncached) > 0 {
			rops := make([]ReadOp, len(uncached))
			byAddr := make(map[addr.Address]readChunk, len(uncached))
			for i, ch := range uncached {
				rops[i] = ReadOp{Addr: ch.addr, Meta: ch.meta, Type: ch.typ, Buf: ch.dst}
				byAddr[ch.addr] = ch
			}
			err := p.ReadRaw(ctx, rops,
				func(op ReadOp) bool {
					if !onSuccess(op) {
						canceled = true
						return false
					}
					return true
				},
				func(op ReadOp, rerr error) bool {
					if !onFailure(op, rerr) {
						canceled = true
						return false
					}
					return true
				},
			)
			if err != nil {
				abortBatch(err)
				return err
			}
			uncached = uncached[:0]
		}

		if len(refills) > 0 {
			rops := make([]ReadOp, len(refills))
			for i, r := range refills {
				rops[i] = ReadOp{Addr: r.page, Buf: c.pageSlice(r.slot)}
			}
			type result struct {
				page addr.Address
				err  error
			}
			results := make(map[int]result, len(refills))
			err := p.ReadRaw(ctx, rops,
				func(op ReadOp) bool {
					slot := c.index(op.Addr)
					results[slot] = result{page: op.Addr}
					c.tag[slot] = op.Addr
					c.pending[slot] = addr.INVALID
					c.validator.MarkValid(slot)
					return true
				},
				func(op ReadOp, rerr error) bool {
					slot := c.index(op.Addr)
					results[slot] = result{page: op.Addr, err: rerr}
					c.pending[slot] = addr.INVALID
					return true
				},
			)
			if err != nil {
				abortBatch(err)
				return err
			}
			refills = refills[:0]

			remaining := pending[:0]
			for _, pc := range pending {
				if canceled {
					break
				}
				res, done := results[pc.slot]
				if !done || res.page != pc.page {
					remaining = append(remaining, pc)
					continue
				}
				op := ReadOp{Addr: pc.chunk.addr, Meta: pc.chunk.meta, Type: pc.chunk.typ, Buf: pc.chunk.dst}
				if res.err != nil {
					if !onFailure(op, res.err) {
						canceled = true
					}
					continue
				}
				copy(pc.chunk.dst, c.pageSlice(pc.slot)[pc.off:pc.off+uint64(len(pc.chunk.dst))])
				if !onSuccess(op) {
					canceled = true
				}
			}
			pending = remaining
		}
		claimed = map[int]addr.Address{}
		return nil
	}

	for _, op := range ops {
		if canceled {
			break
		}
		for _, ch := range c.splitRead(op) {
			if canceled {
				break
			}
			page := ch.addr.AlignedTo(c.pageSize)
			off := uint64(ch.addr - page)
			state, slot := c.classify(page)

			switch state {
			case stateValid:
				copy(ch.dst, c.pageSlice(slot)[off:off+uint64(len(ch.dst))])
				if !onSuccess(ReadOp{Addr: ch.addr, Meta: ch.meta, Type: ch.typ, Buf: ch.dst}) {
					canceled = true
				}

			case stateValidatable, stateToBeValidated:
				pending = append(pending, pendingCopy{slot: slot, page: page, off: off, chunk: ch})
				if state == stateValidatable {
					if cp, ok := claimed[slot]; ok && cp != page {
						uncached = append(uncached, ch)
						pending = pending[:len(pending)-1]
						break
					}
					claimed[slot] = page
					c.pending[slot] = page
					refills = append(refills, refillClaim{slot: slot, page: page})
				}

			case stateInvalid:
				if !c.cacheablePage(ch.typ) {
					uncached = append(uncached, ch)
					break
				}
				if cp, ok := claimed[slot]; ok && cp != page {
					uncached = append(uncached, ch)
					break
				}
				claimed[slot] = page
				c.pending[slot] = page
				refills = append(refills, refillClaim{slot: slot, page: page})
				pending = append(pending, pendingCopy{slot: slot, page: page, off: off, chunk: ch})
			}

			if len(uncached) >= c.watermark || len(refills) >= c.watermark || len(pending) >= c.watermark {
				if err := flush(); err != nil {
					return fmt.Errorf("pagecache: refill batch: %w", err)
				}
			}
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("pagecache: refill batch: %w", err)
	}
	return nil
}

type writeChunk struct {
	addr addr.Address
	meta addr.Address
	typ  addr.PageType
	src  []byte
}

func (c *Cache) splitWrite(op WriteOp) []writeChunk {
	var out []writeChunk
	a := op.Addr
	buf := op.Buf
	for len(buf) > 0 {
		page := a.AlignedTo(c.pageSize)
		offset := uint64(a - page)
		n := c.pageSize - offset
		if uint64(len(buf)) < n {
			n = uint64(len(buf))
		}
		out = append(out, writeChunk{addr: a, meta: op.Meta, typ: op.Type, src: buf[:n]})
		buf = buf[n:]
		a += addr.Address(n)
	}
	return out
}

// CachedWrite chunks ops at page boundaries, write-through updating any
// resident valid cacheable page in place, and forwards every chunk to p
// regardless of cache state (the cache never serves writes from memory
// alone; it only keeps its own copy from going stale).
func (c *Cache) CachedWrite(ctx context.Context, p Provider, ops []WriteOp,
	onSuccess func(WriteOp) bool, onFailure func(WriteOp, error) bool) error {

	c.validator.Tick()

	var direct []WriteOp
	canceled := false

	flush := func() error {
		if canceled || len(direct) == 0 {
			direct = direct[:0]
			return nil
		}
		err := p.WriteRaw(ctx, direct,
			func(op WriteOp) bool {
				if !onSuccess(op) {
					canceled = true
					return false
				}
				return true
			},
			func(op WriteOp, rerr error) bool {
				if !onFailure(op, rerr) {
					canceled = true
					return false
				}
				return true
			},
		)
		direct = direct[:0]
		return err
	}

	for _, op := range ops {
		if canceled {
			break
		}
		for _, ch := range c.splitWrite(op) {
			page := ch.addr.AlignedTo(c.pageSize)
			off := uint64(ch.addr - page)
			state, slot := c.classify(page)
			if state == stateValid && c.cacheablePage(ch.typ) {
				copy(c.pageSlice(slot)[off:off+uint64(len(ch.src))], ch.src)
			}
			direct = append(direct, WriteOp{Addr: ch.addr, Meta: ch.meta, Type: ch.typ, Buf: ch.src})
			if len(direct) >= c.watermark {
				if err := flush(); err != nil {
					return fmt.Errorf("pagecache: write batch: %w", err)
				}
			}
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("pagecache: write batch: %w", err)
	}
	return nil
}
