package kvcache

import (
	"sync"

	"github.com/dreamer-doppler/doppler/dopplererr"
	"github.com/dreamer-doppler/doppler/ml"
)

// DefaultPageSize is the page granularity spec.md §4.8 names for the
// paged variant.
const DefaultPageSize = 256

// Paged is the paged KV-cache variant of spec.md §4.8: pages of
// pageSize tokens are allocated lazily as writes reach them. There is
// no shift-on-overflow; a write past the configured page budget is a
// CacheOverflow.
type Paged struct {
	cfg      Config
	pageSize int
	numPages int

	mu     sync.Mutex
	keys   []map[int][]float32 // keys[layer][pageIdx] -> flat [pageSize*rowWidth], allocated on first touch
	values []map[int][]float32
	seqLen []int
}

// NewPaged allocates a Paged cache for cfg with the given page size
// (DefaultPageSize if pageSize <= 0).
func NewPaged(cfg Config, pageSize int) *Paged {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	numPages := (cfg.MaxSeqLen + pageSize - 1) / pageSize

	keys := make([]map[int][]float32, cfg.NumLayers)
	values := make([]map[int][]float32, cfg.NumLayers)
	for i := range keys {
		keys[i] = make(map[int][]float32)
		values[i] = make(map[int][]float32)
	}

	return &Paged{
		cfg:      cfg,
		pageSize: pageSize,
		numPages: numPages,
		keys:     keys,
		values:   values,
		seqLen:   make([]int, cfg.NumLayers),
	}
}

func (p *Paged) Update(layer int, keys, values ml.Tensor, startPos int) error {
	return p.UpdateFromGPU(layer, keys, values, startPos, keys.Shape()[0])
}

func (p *Paged) UpdateFromGPU(layer int, keys, values ml.Tensor, startPos, numTokens int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if startPos+numTokens > p.numPages*p.pageSize {
		return dopplererr.New(dopplererr.KindCacheOverflow, "paged cache write exceeds page budget").
			With("layer", layer).With("startPos", startPos).With("numTokens", numTokens)
	}
	if keys.DType() != values.DType() {
		return dopplererr.New(dopplererr.KindDtypeMismatch, "key/value dtype mismatch").With("layer", layer)
	}

	rowWidth := p.cfg.rowWidth()
	kSrc := keys.Floats()
	vSrc := values.Floats()

	for i := 0; i < numTokens; i++ {
		absPos := startPos + i
		pageIdx := absPos / p.pageSize
		offsetInPage := (absPos % p.pageSize) * rowWidth

		kPage, ok := p.keys[layer][pageIdx]
		if !ok {
			kPage = make([]float32, p.pageSize*rowWidth)
			p.keys[layer][pageIdx] = kPage
		}
		vPage, ok := p.values[layer][pageIdx]
		if !ok {
			vPage = make([]float32, p.pageSize*rowWidth)
			p.values[layer][pageIdx] = vPage
		}

		copy(kPage[offsetInPage:offsetInPage+rowWidth], kSrc[i*rowWidth:(i+1)*rowWidth])
		copy(vPage[offsetInPage:offsetInPage+rowWidth], vSrc[i*rowWidth:(i+1)*rowWidth])
	}

	if end := startPos + numTokens; end > p.seqLen[layer] {
		p.seqLen[layer] = end
	}
	return nil
}

func (p *Paged) Get(ctx ml.Context, layer int) (ml.Tensor, ml.Tensor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rowWidth := p.cfg.rowWidth()
	n := p.seqLen[layer]
	kFlat := make([]float32, n*rowWidth)
	vFlat := make([]float32, n*rowWidth)

	for i := 0; i < n; i++ {
		pageIdx := i / p.pageSize
		off := (i % p.pageSize) * rowWidth
		if page, ok := p.keys[layer][pageIdx]; ok {
			copy(kFlat[i*rowWidth:(i+1)*rowWidth], page[off:off+rowWidth])
		}
		if page, ok := p.values[layer][pageIdx]; ok {
			copy(vFlat[i*rowWidth:(i+1)*rowWidth], page[off:off+rowWidth])
		}
	}

	return ctx.FromFloats(kFlat, n, rowWidth), ctx.FromFloats(vFlat, n, rowWidth), nil
}

func (p *Paged) SeqLen(layer int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seqLen[layer]
}

func (p *Paged) Truncate(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.seqLen {
		if p.seqLen[i] > n {
			p.seqLen[i] = n
		}
	}
	return nil
}

func (p *Paged) Close() {}

var _ Cache = (*Paged)(nil)
