package layer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamer-doppler/doppler/kvcache"
	"github.com/dreamer-doppler/doppler/manifest"
	"github.com/dreamer-doppler/doppler/ml"
	"github.com/dreamer-doppler/doppler/ml/cpu"
	"github.com/dreamer-doppler/doppler/modelconfig"
	"github.com/dreamer-doppler/doppler/store"
	"github.com/dreamer-doppler/doppler/weights"
)

// tinyManifest builds a one-layer, F32, non-MoE manifest with every
// tensor packed into a single shard at sequential offsets, small enough
// to trace by hand (hiddenSize=4, numHeads=numKVHeads=2, headDim=2,
// intermediateSize=4).
func tinyManifest(t *testing.T, mem *store.Mem) *manifest.Manifest {
	t.Helper()

	tensors := map[string][]float32{
		"layers.0.attn_norm.weight":   {1, 1, 1, 1},
		"layers.0.attn_q.weight":      identity(4),
		"layers.0.attn_k.weight":      identity(4),
		"layers.0.attn_v.weight":      identity(4),
		"layers.0.attn_output.weight": identity(4),
		"layers.0.ffn_norm.weight":    {1, 1, 1, 1},
		"layers.0.ffn_gate.weight":    identity(4),
		"layers.0.ffn_up.weight":      identity(4),
		"layers.0.ffn_down.weight":    identity(4),
	}
	shapes := map[string][]int{
		"layers.0.attn_norm.weight":   {4},
		"layers.0.attn_q.weight":      {4, 4},
		"layers.0.attn_k.weight":      {4, 4},
		"layers.0.attn_v.weight":      {4, 4},
		"layers.0.attn_output.weight": {4, 4},
		"layers.0.ffn_norm.weight":    {4},
		"layers.0.ffn_gate.weight":    {4, 4},
		"layers.0.ffn_up.weight":      {4, 4},
		"layers.0.ffn_down.weight":    {4, 4},
	}

	var blob []byte
	descs := make(map[string]manifest.TensorDescriptor)
	for name, vals := range tensors {
		offset := int64(len(blob))
		blob = append(blob, floatsToBytes(vals)...)
		descs[name] = manifest.TensorDescriptor{
			Shard:  0,
			Offset: offset,
			Size:   int64(len(vals)) * 4,
			Shape:  shapes[name],
		}
	}

	require.NoError(t, mem.Open("tiny"))
	require.NoError(t, mem.WriteShard("tiny", 0, blob, manifest.HashSHA256, ""))

	return &manifest.Manifest{
		Version:      1,
		ModelID:      "tiny",
		Architecture: "tiny",
		Quantization: manifest.QuantF32,
		Shards: []manifest.ShardDescriptor{
			{Index: 0, Size: int64(len(blob)), Offset: 0},
		},
		Tensors:   descs,
		TotalSize: int64(len(blob)),
	}
}

func identity(n int) []float32 {
	out := make([]float32, n*n)
	for i := 0; i < n; i++ {
		out[i*n+i] = 1
	}
	return out
}

func floatsToBytes(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		bits := math.Float32bits(v)
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}

func TestExecutorForwardDensePreservesShape(t *testing.T) {
	ctx := cpu.NewBackendContextForTest()
	mem := store.NewMem()
	m := tinyManifest(t, mem)
	loader := weights.New(mem, m, "tiny", 0)

	cfg := &modelconfig.Config{
		NumLayers:        1,
		HiddenSize:       4,
		IntermediateSize: 4,
		NumHeads:         2,
		NumKVHeads:       2,
		HeadDim:          2,
		RMSNormEps:       1e-5,
		RopeTheta:        10000,
		Activation:       "silu",
	}
	cache := kvcache.NewContiguous(kvcache.Config{
		NumLayers: 1,
		NumKVHeads: cfg.NumKVHeads,
		HeadDim:    cfg.HeadDim,
		MaxSeqLen:  8,
	})

	exec := New(cfg, loader, cache)

	tokens := 2
	hidden := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6, 7, 8}, tokens, cfg.HiddenSize)
	positions := ctx.FromFloats([]float32{0, 1}, tokens, 1)

	out, err := exec.Forward(ctx, 0, hidden, positions, 0)
	require.NoError(t, err)
	require.Equal(t, []int{tokens, cfg.HiddenSize}, out.Shape())
	require.Equal(t, 2, cache.SeqLen(0))
}

// TestExecutorForwardWithAttentionSinksPreservesShape exercises the
// optional per-head attn_sinks.weight tensor (spec.md §4.7's streaming
// attention sinks): when present it must be picked up and threaded
// through to the attention kernel without changing the block's output
// shape or erroring as a missing-tensor case.
func TestExecutorForwardWithAttentionSinksPreservesShape(t *testing.T) {
	ctx := cpu.NewBackendContextForTest()
	mem := store.NewMem()
	m := tinyManifest(t, mem)

	sinkName := "layers.0.attn_sinks.weight"
	sinkVals := []float32{0.1, -0.2}
	addTensor(t, mem, m, sinkName, sinkVals, []int{2})

	loader := weights.New(mem, m, "tiny", 0)

	cfg := &modelconfig.Config{
		NumLayers:        1,
		HiddenSize:       4,
		IntermediateSize: 4,
		NumHeads:         2,
		NumKVHeads:       2,
		HeadDim:          2,
		RMSNormEps:       1e-5,
		RopeTheta:        10000,
		Activation:       "silu",
	}
	cache := kvcache.NewContiguous(kvcache.Config{
		NumLayers:  1,
		NumKVHeads: cfg.NumKVHeads,
		HeadDim:    cfg.HeadDim,
		MaxSeqLen:  8,
	})

	exec := New(cfg, loader, cache)

	tokens := 2
	hidden := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6, 7, 8}, tokens, cfg.HiddenSize)
	positions := ctx.FromFloats([]float32{0, 1}, tokens, 1)

	out, err := exec.Forward(ctx, 0, hidden, positions, 0)
	require.NoError(t, err)
	require.Equal(t, []int{tokens, cfg.HiddenSize}, out.Shape())
}

// addTensor appends a tensor's raw bytes to mem's shard 0 backing the
// manifest built by tinyManifest, registering its descriptor so
// weights.Loader can resolve it by name.
func addTensor(t *testing.T, mem *store.Mem, m *manifest.Manifest, name string, vals []float32, shape []int) {
	t.Helper()

	existing, err := mem.LoadShard("tiny", 0, false, manifest.HashSHA256, "")
	require.NoError(t, err)

	offset := int64(len(existing))
	raw := append(existing, floatsToBytes(vals)...)
	require.NoError(t, mem.WriteShard("tiny", 0, raw, manifest.HashSHA256, ""))

	m.Tensors[name] = manifest.TensorDescriptor{
		Shard:  0,
		Offset: offset,
		Size:   int64(len(vals)) * 4,
		Shape:  shape,
	}
	m.Shards[0].Size = int64(len(raw))
	m.TotalSize = int64(len(raw))
}
