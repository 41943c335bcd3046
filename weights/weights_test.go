package weights

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamer-doppler/doppler/manifest"
	"github.com/dreamer-doppler/doppler/ml/cpu"
	"github.com/dreamer-doppler/doppler/store"
)

func buildF32Store(t *testing.T, values map[string][]float32, shape map[string][]int) (*manifest.Manifest, store.Store) {
	t.Helper()
	st := store.NewMem()
	require.NoError(t, st.Open("m1"))

	m := &manifest.Manifest{
		Quantization:  manifest.QuantF32,
		HashAlgorithm: manifest.HashSHA256,
		Tensors:       map[string]manifest.TensorDescriptor{},
	}

	var blob []byte
	for name, vals := range values {
		raw := make([]byte, len(vals)*4)
		for i, v := range vals {
			bits := math.Float32bits(v)
			raw[i*4] = byte(bits)
			raw[i*4+1] = byte(bits >> 8)
			raw[i*4+2] = byte(bits >> 16)
			raw[i*4+3] = byte(bits >> 24)
		}
		m.Tensors[name] = manifest.TensorDescriptor{
			Shard: 0, Offset: int64(len(blob)), Size: int64(len(raw)), Shape: shape[name], DType: "F32",
		}
		blob = append(blob, raw...)
	}

	m.Shards = []manifest.ShardDescriptor{{Index: 0, Size: int64(len(blob)), Offset: 0}}
	require.NoError(t, st.WriteShard("m1", 0, blob, manifest.HashSHA256, ""))
	return m, st
}

func TestLoadResolvesSingleShardTensor(t *testing.T) {
	m, st := buildF32Store(t, map[string][]float32{
		"layers.0.attn_q.weight": {1, 2, 3, 4},
	}, map[string][]int{
		"layers.0.attn_q.weight": {2, 2},
	})

	loader := New(st, m, "m1", 0)
	ctx := cpu.NewBackendContextForTest()
	tensor, err := loader.Load(ctx, "layers.0.attn_q.weight")
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4}, tensor.Floats())

	// Second load hits the cache; same tensor instance returned.
	again, err := loader.Load(ctx, "layers.0.attn_q.weight")
	require.NoError(t, err)
	require.Same(t, tensor, again)
}

func TestGroupLayersSeparatesGlobals(t *testing.T) {
	m, st := buildF32Store(t, map[string][]float32{
		"layers.0.attn_q.weight": {1},
		"layers.1.attn_q.weight": {1},
		"token_embd.weight":      {1},
	}, map[string][]int{
		"layers.0.attn_q.weight": {1},
		"layers.1.attn_q.weight": {1},
		"token_embd.weight":      {1},
	})

	loader := New(st, m, "m1", 0)
	layers, globals := loader.GroupLayers()
	require.Len(t, layers, 2)
	require.Contains(t, layers[0], "attn_q.weight")
	require.Contains(t, globals, "token_embd.weight")
}

func TestLoadExpertEvictsLRU(t *testing.T) {
	m, st := buildF32Store(t, map[string][]float32{
		"e0": {1}, "e1": {2}, "e2": {3},
	}, map[string][]int{
		"e0": {1}, "e1": {1}, "e2": {1},
	})

	loader := New(st, m, "m1", 2)
	ctx := cpu.NewBackendContextForTest()

	_, err := loader.LoadExpert(ctx, 0, 0, "e0")
	require.NoError(t, err)
	_, err = loader.LoadExpert(ctx, 0, 1, "e1")
	require.NoError(t, err)
	_, err = loader.LoadExpert(ctx, 0, 2, "e2")
	require.NoError(t, err)

	require.Equal(t, 2, loader.expertLRU.Len())
	_, ok := loader.expertLRU.Get("0/0/e0")
	require.False(t, ok, "oldest expert should have been evicted")
}

func TestLoadMissingTensorErrors(t *testing.T) {
	m, st := buildF32Store(t, map[string][]float32{}, map[string][]int{})
	loader := New(st, m, "m1", 0)
	ctx := cpu.NewBackendContextForTest()
	_, err := loader.Load(ctx, "nonexistent")
	require.Error(t, err)
}
