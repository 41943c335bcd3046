package kvcache

import (
	"sync"

	"github.com/dreamer-doppler/doppler/dopplererr"
	"github.com/dreamer-doppler/doppler/ml"
)

// Contiguous is the contiguous KV-cache variant of spec.md §4.8: each
// layer pre-allocates [maxSeqLen, numKVHeads*headDim] storage for keys
// and values. Built over a cell table (SPEC_FULL.md §C.1) rather than
// a bare flat buffer so CopyPrefix/Remove/CanResume (§C.2) can reason
// about which physical rows are still live for a given sequence.
type Contiguous struct {
	cfg Config

	mu         sync.Mutex
	cells      []cacheCell
	cellRanges map[int]cellRange
	keys       [][]float32 // per layer, flat [maxSeqLen*rowWidth]
	values     [][]float32
	seqLen     []int // per layer, current observable length for defaultSeq
}

type cellRange struct{ min, max int }

// NewContiguous allocates a Contiguous cache for cfg.
func NewContiguous(cfg Config) *Contiguous {
	rowWidth := cfg.rowWidth()
	keys := make([][]float32, cfg.NumLayers)
	values := make([][]float32, cfg.NumLayers)
	for i := range keys {
		keys[i] = make([]float32, cfg.MaxSeqLen*rowWidth)
		values[i] = make([]float32, cfg.MaxSeqLen*rowWidth)
	}
	return &Contiguous{
		cfg:        cfg,
		cells:      make([]cacheCell, cfg.MaxSeqLen),
		cellRanges: make(map[int]cellRange),
		keys:       keys,
		values:     values,
		seqLen:     make([]int, cfg.NumLayers),
	}
}

func (c *Contiguous) Update(layer int, keys, values ml.Tensor, startPos int) error {
	return c.UpdateFromGPU(layer, keys, values, startPos, keys.Shape()[0])
}

func (c *Contiguous) UpdateFromGPU(layer int, keys, values ml.Tensor, startPos, numTokens int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if startPos+numTokens > c.cfg.MaxSeqLen {
		return dopplererr.New(dopplererr.KindCacheOverflow, "contiguous cache write exceeds maxSeqLen").
			With("layer", layer).With("startPos", startPos).With("numTokens", numTokens).With("maxSeqLen", c.cfg.MaxSeqLen)
	}
	if keys.DType() != values.DType() {
		return dopplererr.New(dopplererr.KindDtypeMismatch, "key/value dtype mismatch").With("layer", layer)
	}

	rowWidth := c.cfg.rowWidth()
	kSrc := keys.Floats()
	vSrc := values.Floats()
	if len(kSrc) != numTokens*rowWidth || len(vSrc) != numTokens*rowWidth {
		return dopplererr.New(dopplererr.KindDtypeMismatch, "key/value row width mismatch with cache layout").
			With("layer", layer)
	}

	copy(c.keys[layer][startPos*rowWidth:], kSrc)
	copy(c.values[layer][startPos*rowWidth:], vSrc)

	for i := 0; i < numTokens; i++ {
		idx := startPos + i
		c.cells[idx] = cacheCell{pos: idx, sequences: []int{defaultSeq}}
	}
	r, ok := c.cellRanges[defaultSeq]
	if !ok {
		r = cellRange{min: startPos, max: startPos + numTokens - 1}
	} else {
		r.min = min(r.min, startPos)
		r.max = max(r.max, startPos+numTokens-1)
	}
	c.cellRanges[defaultSeq] = r

	if end := startPos + numTokens; end > c.seqLen[layer] {
		c.seqLen[layer] = end
	}
	return nil
}

func (c *Contiguous) Get(ctx ml.Context, layer int) (ml.Tensor, ml.Tensor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rowWidth := c.cfg.rowWidth()
	n := c.seqLen[layer]
	k := ctx.FromFloats(append([]float32(nil), c.keys[layer][:n*rowWidth]...), n, rowWidth)
	v := ctx.FromFloats(append([]float32(nil), c.values[layer][:n*rowWidth]...), n, rowWidth)
	return k, v, nil
}

func (c *Contiguous) SeqLen(layer int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seqLen[layer]
}

func (c *Contiguous) Truncate(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.seqLen {
		if c.seqLen[i] > n {
			c.seqLen[i] = n
		}
	}
	if r, ok := c.cellRanges[defaultSeq]; ok {
		r.max = min(r.max, n-1)
		c.cellRanges[defaultSeq] = r
	}
	for i := n; i < len(c.cells); i++ {
		c.cells[i].dropSeq(defaultSeq)
	}
	return nil
}

// CopyPrefix copies the first n positions of srcSeq's cells into
// dstSeq, the prompt-prefix-reuse supplement of SPEC_FULL.md §C.2
// (grounded on the teacher's kvcache.Causal.CopyPrefix). Only cell
// bookkeeping is copied; physical key/value bytes are shared because
// this engine keeps one sequence's bytes at a time.
func (c *Contiguous) CopyPrefix(srcSeq, dstSeq, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := cellRange{min: 1 << 30, max: -1}
	for i := range c.cells {
		if c.cells[i].hasSeq(dstSeq) {
			c.cells[i].dropSeq(dstSeq)
		}
		if c.cells[i].hasSeq(srcSeq) && c.cells[i].pos < n {
			c.cells[i].sequences = append(c.cells[i].sequences, dstSeq)
			r.min = min(r.min, i)
			r.max = max(r.max, i)
		}
	}
	c.cellRanges[dstSeq] = r
}

// CanResume reports whether seq's cached prefix still covers pos,
// i.e. whether a new generate() call can reuse the cache instead of
// re-running prefill from scratch (SPEC_FULL.md §C.2).
func (c *Contiguous) CanResume(seq int, pos int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.cellRanges[seq]
	if !ok {
		return false
	}
	first, last := 1<<30, -1
	for i := r.min; i <= r.max; i++ {
		if c.cells[i].hasSeq(seq) {
			first = min(first, c.cells[i].pos)
			last = max(last, c.cells[i].pos)
		}
	}
	return last != -1 && pos <= last+1 && pos >= first
}

// Remove deletes seq's cells in [beginIndex, endIndex) (SPEC_FULL.md
// §C.2, grounded on the teacher's kvcache.Causal.Remove), used for
// multi-turn chat truncation without a full cache rebuild.
func (c *Contiguous) Remove(seq, beginIndex, endIndex int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := cellRange{min: 1 << 30, max: -1}
	for i := range c.cells {
		if !c.cells[i].hasSeq(seq) {
			continue
		}
		if c.cells[i].pos >= beginIndex && c.cells[i].pos < endIndex {
			c.cells[i].dropSeq(seq)
			continue
		}
		r.min = min(r.min, i)
		r.max = max(r.max, i)
	}
	if r.max == -1 {
		delete(c.cellRanges, seq)
	} else {
		c.cellRanges[seq] = r
	}
	return nil
}

func (c *Contiguous) Close() {}

var _ Cache = (*Contiguous)(nil)
