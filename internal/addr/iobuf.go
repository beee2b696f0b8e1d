package addr

// Splittable is any payload the pipeline moves through the memory map, page
// cache, and translator: a mutable read buffer, a read-only write buffer, or
// a bare byte count for translate-only probes that never touch data. Every
// stage works over this interface so it can batch real I/O and
// vtop-only lookups through the same code path.
type Splittable interface {
	// Len returns the number of bytes this value spans.
	Len() uint64
	// Split divides the value at byte offset `at`, returning the left and
	// right portions. If at == 0, left is nil. If at >= Len(), right is
	// nil. The two results never overlap and their lengths sum to Len().
	Split(at uint64) (left, right Splittable)
}

// Bytes is a Splittable wrapping a mutable byte slice, used for reads.
type Bytes []byte

func (b Bytes) Len() uint64 { return uint64(len(b)) }

func (b Bytes) Split(at uint64) (Splittable, Splittable) {
	if at == 0 {
		return nil, b
	}
	if at >= uint64(len(b)) {
		return b, nil
	}
	return b[:at], b[at:]
}

// ConstBytes is a Splittable wrapping a read-only byte slice, used for
// writes (the source data is never mutated by the pipeline).
type ConstBytes []byte

func (b ConstBytes) Len() uint64 { return uint64(len(b)) }

func (b ConstBytes) Split(at uint64) (Splittable, Splittable) {
	if at == 0 {
		return nil, b
	}
	if at >= uint64(len(b)) {
		return b, nil
	}
	return b[:at], b[at:]
}

// Count is a Splittable carrying only a byte length, with no backing data.
// It lets a caller ask "what does this range translate to" without
// supplying (or receiving) any bytes.
type Count uint64

func (c Count) Len() uint64 { return uint64(c) }

func (c Count) Split(at uint64) (Splittable, Splittable) {
	if at == 0 {
		return nil, c
	}
	if at >= uint64(c) {
		return c, nil
	}
	return Count(at), Count(uint64(c) - at)
}
