package ml

import (
	"sort"
	"sync"

	"github.com/dreamer-doppler/doppler/dopplererr"
)

// sizeClasses buckets allocations geometrically, so a pool of a few
// dozen buffers covers the wide range of projection/KV-cache/attention
// buffer sizes a transformer forward pass allocates.
var sizeClasses = []int{
	4 << 10, 16 << 10, 64 << 10, 256 << 10,
	1 << 20, 4 << 20, 16 << 20, 64 << 20, 256 << 20,
}

func classFor(sizeBytes int) int {
	i := sort.SearchInts(sizeClasses, sizeBytes)
	if i == len(sizeClasses) {
		return sizeBytes // oversize: no bucket, allocate fresh and never pool it
	}
	return sizeClasses[i]
}

// Buffer is a pooled allocation; its Dtype is nil until the first
// write fixes it (spec.md §4.6: "dtype tag is set at first write").
type Buffer struct {
	bytes []byte
	usage BufferUsage
	label string
	class int

	mu      sync.Mutex
	dtype   *DType
}

func (b *Buffer) Bytes() []byte { return b.bytes }
func (b *Buffer) Label() string { return b.label }

// SetDType fixes the buffer's dtype tag on first write; subsequent
// calls with a different dtype are rejected unless the caller performs
// an explicit dtype rewrite via Retag.
func (b *Buffer) SetDType(dt DType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dtype == nil {
		b.dtype = &dt
		return nil
	}
	if *b.dtype != dt {
		return dopplererr.New(dopplererr.KindDtypeMismatch, "buffer dtype tag mismatch").
			With("have", b.dtype.String()).With("want", dt.String()).With("label", b.label)
	}
	return nil
}

// Retag explicitly overrides the fixed dtype tag, the only sanctioned
// way to hand a released F16 buffer back out as F32 (spec.md §4.6).
func (b *Buffer) Retag(dt DType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dtype = &dt
}

// Pool is the size-classed buffer allocator of spec.md §4.6.
type Pool struct {
	mu      sync.Mutex
	buckets map[int][]*Buffer
}

func NewPool() *Pool {
	return &Pool{buckets: make(map[int][]*Buffer)}
}

// Acquire returns a buffer of at least sizeBytes, reusing a released
// one from the matching size class when available.
func (p *Pool) Acquire(sizeBytes int, usage BufferUsage, label string) *Buffer {
	class := classFor(sizeBytes)

	p.mu.Lock()
	bucket := p.buckets[class]
	if len(bucket) > 0 {
		buf := bucket[len(bucket)-1]
		p.buckets[class] = bucket[:len(bucket)-1]
		p.mu.Unlock()
		buf.bytes = buf.bytes[:sizeBytes]
		buf.usage = usage
		buf.label = label
		return buf
	}
	p.mu.Unlock()

	return &Buffer{bytes: make([]byte, sizeBytes, class), usage: usage, label: label, class: class}
}

// Release returns buf to its size class for reuse, unless it was an
// oversize allocation (class == len(bytes), no bucket to return to).
func (p *Pool) Release(buf *Buffer) {
	isOversize := true
	for _, c := range sizeClasses {
		if c == buf.class {
			isOversize = false
			break
		}
	}
	if isOversize {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.buckets[buf.class] = append(p.buckets[buf.class], buf)
}
