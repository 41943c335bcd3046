package kvcache

import "github.com/dreamer-doppler/doppler/ml"

// Hybrid dispatches each layer to either a contiguous or sliding-window
// backing store, per spec.md §4.10's GPT-OSS row ("hybrid (sliding for
// sliding layers)") and §9's Open Question on the manifest's layerTypes
// array. isSliding is indexed by layer; a nil array means every layer
// is full attention (absent layerTypes, per spec.md §9).
type Hybrid struct {
	full    *Contiguous
	sliding *SlidingWindow
	isSliding []bool
}

// NewHybrid builds a Hybrid cache backed by a Contiguous store for
// full-attention layers and a SlidingWindow store (shared across all
// sliding layers, since they share the same window size) for the rest.
func NewHybrid(cfg Config, windowSize int, isSliding []bool) *Hybrid {
	return &Hybrid{
		full:      NewContiguous(cfg),
		sliding:   NewSlidingWindow(cfg, windowSize),
		isSliding: isSliding,
	}
}

func (h *Hybrid) layerIsSliding(layer int) bool {
	return layer < len(h.isSliding) && h.isSliding[layer]
}

func (h *Hybrid) Update(layer int, keys, values ml.Tensor, startPos int) error {
	if h.layerIsSliding(layer) {
		return h.sliding.Update(layer, keys, values, startPos)
	}
	return h.full.Update(layer, keys, values, startPos)
}

func (h *Hybrid) UpdateFromGPU(layer int, keys, values ml.Tensor, startPos, numTokens int) error {
	if h.layerIsSliding(layer) {
		return h.sliding.UpdateFromGPU(layer, keys, values, startPos, numTokens)
	}
	return h.full.UpdateFromGPU(layer, keys, values, startPos, numTokens)
}

func (h *Hybrid) Get(ctx ml.Context, layer int) (ml.Tensor, ml.Tensor, error) {
	if h.layerIsSliding(layer) {
		return h.sliding.Get(ctx, layer)
	}
	return h.full.Get(ctx, layer)
}

func (h *Hybrid) SeqLen(layer int) int {
	if h.layerIsSliding(layer) {
		return h.sliding.SeqLen(layer)
	}
	return h.full.SeqLen(layer)
}

func (h *Hybrid) Truncate(n int) error {
	if err := h.full.Truncate(n); err != nil {
		return err
	}
	return h.sliding.Truncate(n)
}

func (h *Hybrid) Close() {
	h.full.Close()
	h.sliding.Close()
}

var _ Cache = (*Hybrid)(nil)
