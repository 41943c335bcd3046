// Package kvcache implements the per-layer key/value storage described
// in spec.md §4.8: contiguous, paged, and sliding-window variants
// sharing one Update/Get contract, plus the rollback/prefix-reuse
// supplement from SPEC_FULL.md §C.1-2.
//
// Grounded on the teacher's kvcache.Causal (constructors.go,
// forward.go, sequence_ops.go): we keep its cell-table idea (a
// cacheCell carries a position and the set of sequences resident at
// that slot, so CopyPrefix/Remove/CanResume can reason about which
// rows are still live) but drop the multi-sequence batch scheduling
// the teacher needs for server-side request batching, since one
// Doppler pipeline drives exactly one sequence at a time (spec.md
// §5: "there is one producer of GPU commands per pipeline").
//
// Unlike the teacher's ml.Tensor-resident cache, storage here is a
// flat []float32 the kvcache package owns directly rather than a
// chain of ml.Context-recorded copy ops: spec.md §4.8 describes cache
// writes as "buffer-to-buffer copy at byte offset", which on our
// functional (expression-returns-new-tensor) ml.Tensor contract is
// most naturally modeled as a raw memory write the layer executor's
// surrounding ml.Context never needs to see. Reads materialize a
// fresh ml.Tensor via ctx.FromFloats for the attention kernel to
// consume.
package kvcache

import (
	"github.com/dreamer-doppler/doppler/dopplererr"
	"github.com/dreamer-doppler/doppler/ml"
)

// defaultSeq is the sequence id used when a pipeline drives a single
// sequence, which is the only mode spec.md's pipeline API describes.
const defaultSeq = 0

// Config is the shape every cache variant is built from.
type Config struct {
	NumLayers  int
	NumKVHeads int
	HeadDim    int
	MaxSeqLen  int
}

func (c Config) rowWidth() int { return c.NumKVHeads * c.HeadDim }

// Cache is the shared surface spec.md §4.8 describes: update writes
// newly computed keys/values for a layer at a position, get reads back
// a contiguous range for the attention kernel to consume.
type Cache interface {
	// Update stores keys/values (each shaped [numTokens, numKVHeads*headDim])
	// for layer at position startPos (spec.md §4.8).
	Update(layer int, keys, values ml.Tensor, startPos int) error

	// UpdateFromGPU is the same operation spelled out with an explicit
	// token count, matching spec.md §4.8's zero-readback entry point;
	// on this engine's CPU-resident tensors the two are identical.
	UpdateFromGPU(layer int, keys, values ml.Tensor, startPos, numTokens int) error

	// Get reads back keys/values for layer over [0, seqLen(layer)) as
	// ml.Tensor values freshly materialized in ctx.
	Get(ctx ml.Context, layer int) (keys, values ml.Tensor, err error)

	// SeqLen reports the observable sequence length for layer (spec.md
	// §3's KV-cache layer shape; for sliding-window this is
	// min(windowSize, totalTokensSeen)).
	SeqLen(layer int) int

	// Truncate sets every layer's seqLen to min(seqLen, n) without
	// zeroing physical bytes (spec.md §4.8).
	Truncate(n int) error

	Close()
}

// cacheCell mirrors the teacher's cacheCell: one physical slot's
// logical position and the sequences resident there.
type cacheCell struct {
	pos       int
	sequences []int
}

func (c cacheCell) hasSeq(seq int) bool {
	for _, s := range c.sequences {
		if s == seq {
			return true
		}
	}
	return false
}

func (c *cacheCell) dropSeq(seq int) {
	out := c.sequences[:0]
	for _, s := range c.sequences {
		if s != seq {
			out = append(out, s)
		}
	}
	c.sequences = out
}
