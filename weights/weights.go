// Package weights resolves manifest.TensorDescriptor entries into
// device tensors, dequantizing from the manifest's declared storage
// format on the way in. Grounded on the teacher's fs/ggml Tensors/Layer
// grouping (ggml_tensor.go: Items/GroupLayers/Layer.Size), adapted from
// a single in-memory GGUF blob to shard-backed spans resolved through
// store.Store, since Doppler's weights live across many fixed-size
// shard files rather than one contiguous file.
package weights

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/dreamer-doppler/doppler/dopplererr"
	"github.com/dreamer-doppler/doppler/manifest"
	"github.com/dreamer-doppler/doppler/ml"
	"github.com/dreamer-doppler/doppler/quant"
	"github.com/dreamer-doppler/doppler/store"
)

// Loader materializes tensors on demand from a manifest's shard
// layout, dequantizing and caching the result as ml.Tensor values.
type Loader struct {
	store   store.Store
	m       *manifest.Manifest
	modelID string

	mu    sync.Mutex
	cache map[string]ml.Tensor

	// expertLRU bounds how many MoE experts stay materialized at once
	// (spec.md §4.9's lazy per-layer expert loading supplement). Ordered
	// so the least-recently-used entry evicts first.
	expertLRU    *orderedmap.OrderedMap[string, ml.Tensor]
	expertBudget int
}

// New builds a Loader for modelID's manifest m, reading shard bytes
// from st. expertBudget bounds resident MoE experts (0 disables the cache).
func New(st store.Store, m *manifest.Manifest, modelID string, expertBudget int) *Loader {
	return &Loader{
		store:        st,
		m:            m,
		modelID:      modelID,
		cache:        make(map[string]ml.Tensor),
		expertLRU:    orderedmap.New[string, ml.Tensor](),
		expertBudget: expertBudget,
	}
}

// Layer groups flattened tensor names under one transformer block
// index, mirroring the teacher's Tensors.GroupLayers grouping of
// "blk.N.*" names into a per-layer map.
type Layer map[string]string

// GroupLayers partitions the manifest's tensor names by leading
// "layers.N." (or "blk.N.") prefix, returning per-layer name sets plus
// any non-layer (embedding/output/norm) names separately.
func (l *Loader) GroupLayers() (layers map[int]Layer, globals []string) {
	layers = make(map[int]Layer)
	for name := range l.m.Tensors {
		idx, rest, ok := splitLayerPrefix(name)
		if !ok {
			globals = append(globals, name)
			continue
		}
		if layers[idx] == nil {
			layers[idx] = make(Layer)
		}
		layers[idx][rest] = name
	}
	sort.Strings(globals)
	return layers, globals
}

func splitLayerPrefix(name string) (int, string, bool) {
	for _, prefix := range []string{"layers.", "blk."} {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := name[len(prefix):]
		dot := strings.IndexByte(rest, '.')
		if dot < 0 {
			continue
		}
		n, err := strconv.Atoi(rest[:dot])
		if err != nil {
			continue
		}
		return n, rest[dot+1:], true
	}
	return 0, "", false
}

// Load resolves, dequantizes, and caches the named tensor, reading its
// bytes from one shard or concatenating across spans for multi-shard
// tensors (spec.md §4.1).
func (l *Loader) Load(ctx ml.Context, name string) (ml.Tensor, error) {
	l.mu.Lock()
	if t, ok := l.cache[name]; ok {
		l.mu.Unlock()
		return t, nil
	}
	l.mu.Unlock()

	desc, ok := l.m.Tensors[name]
	if !ok {
		return nil, dopplererr.New(dopplererr.KindTensorMissing, "tensor not present in manifest").With("tensor", name)
	}

	raw, err := l.readBytes(desc)
	if err != nil {
		return nil, err
	}

	floats, err := dequantize(l.m.Quantization, raw, numel(desc.Shape))
	if err != nil {
		return nil, dopplererr.Wrap(dopplererr.KindConfig, "dequantizing tensor", err).With("tensor", name)
	}

	t := ctx.FromFloats(floats, desc.Shape...)
	l.mu.Lock()
	l.cache[name] = t
	l.mu.Unlock()
	return t, nil
}

// LoadExpert resolves one MoE expert tensor through the bounded LRU,
// evicting the oldest entry when expertBudget is exceeded (SPEC_FULL.md
// supplement; spec.md §4.9 names the expert shard map but leaves
// residency policy to the implementation).
func (l *Loader) LoadExpert(ctx ml.Context, layer, expert int, name string) (ml.Tensor, error) {
	if l.expertBudget <= 0 {
		return l.Load(ctx, name)
	}

	key := strconv.Itoa(layer) + "/" + strconv.Itoa(expert) + "/" + name

	l.mu.Lock()
	if t, ok := l.expertLRU.Get(key); ok {
		l.expertLRU.Delete(key)
		l.expertLRU.Set(key, t)
		l.mu.Unlock()
		return t, nil
	}
	l.mu.Unlock()

	t, err := l.Load(ctx, name)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	// Expert tensors are held by the LRU only, so eviction releases them.
	delete(l.cache, name)
	l.expertLRU.Set(key, t)
	for l.expertLRU.Len() > l.expertBudget {
		oldest := l.expertLRU.Oldest()
		if oldest == nil {
			break
		}
		l.expertLRU.Delete(oldest.Key)
	}
	l.mu.Unlock()
	return t, nil
}

func (l *Loader) readBytes(desc manifest.TensorDescriptor) ([]byte, error) {
	if !desc.Multishard() {
		shard, err := l.store.LoadShard(l.modelID, desc.Shard, true, l.m.HashAlgorithm, l.m.Shards[desc.Shard].Hash)
		if err != nil {
			return nil, err
		}
		return shard[desc.Offset : desc.Offset+desc.Size], nil
	}

	out := make([]byte, 0, desc.Size)
	for _, span := range desc.Spans {
		shard, err := l.store.LoadShard(l.modelID, span.ShardIndex, true, l.m.HashAlgorithm, l.m.Shards[span.ShardIndex].Hash)
		if err != nil {
			return nil, err
		}
		out = append(out, shard[span.Offset:span.Offset+span.Size]...)
	}
	return out, nil
}

func dequantize(q manifest.Quantization, raw []byte, n int) ([]float32, error) {
	switch q {
	case manifest.QuantQ4_K_M:
		return quant.DequantizeQ4KM(raw, n)
	case manifest.QuantMXFP4:
		return quant.DequantizeMXFP4(raw, n)
	case manifest.QuantF16:
		return quant.DequantizeF16(raw, n)
	case manifest.QuantF32:
		return quant.DequantizeF32(raw, n)
	default:
		return nil, dopplererr.New(dopplererr.KindConfig, "unsupported quantization").With("quantization", string(q))
	}
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}
