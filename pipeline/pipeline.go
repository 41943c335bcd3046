// Package pipeline implements spec.md §4.11's model pipeline: holds a
// model's config, weights, and KV-cache, runs prefill and decode,
// projects to logits, and drives the sampler to produce a token
// stream. Grounded on the teacher's runner/llamarunner request loop
// (Server.Completion's prefill-then-decode staging) and
// model.Model.Forward's embed/layers/output-norm/lm_head shape,
// adapted from the teacher's GGML scheduler graph to direct calls
// against this engine's layer.Executor and kvcache.Cache.
package pipeline

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/dreamer-doppler/doppler/device"
	"github.com/dreamer-doppler/doppler/dopplererr"
	"github.com/dreamer-doppler/doppler/kvcache"
	"github.com/dreamer-doppler/doppler/layer"
	"github.com/dreamer-doppler/doppler/manifest"
	"github.com/dreamer-doppler/doppler/ml"
	_ "github.com/dreamer-doppler/doppler/ml/cpu" // registers the "cpu" backend Create uses
	"github.com/dreamer-doppler/doppler/modelconfig"
	"github.com/dreamer-doppler/doppler/sampler"
	"github.com/dreamer-doppler/doppler/store"
	"github.com/dreamer-doppler/doppler/tokenizer"
	"github.com/dreamer-doppler/doppler/weights"
)

const (
	embeddingTensor = "token_embd.weight"
	outputNormTensor = "output_norm.weight"
	lmHeadTensor    = "output.weight"

	// defaultExpertBudget bounds resident MoE experts when the caller
	// does not override it (weights.Loader's LRU, spec.md §4.9).
	defaultExpertBudget = 8
	// defaultPageSize is the Paged cache's page size in tokens.
	defaultPageSize = 256
)

// CacheKind selects which kvcache.Cache implementation backs a
// pipeline, independent of modelconfig.Config's architecture-derived
// defaults (callers may want Paged for memory-constrained tiers).
type CacheKind int

const (
	CacheAuto CacheKind = iota
	CacheContiguous
	CachePaged
	CacheSliding
)

// Options configures createPipeline beyond what the manifest and
// capabilities alone determine.
type Options struct {
	CacheKind    CacheKind
	ExpertBudget int
	Tokenizer    []byte // raw tokenizer bundle bytes, store.LoadTokenizer's result
}

// Pipeline is one loaded model's live inference state: weights,
// KV-cache, and current sequence position (spec.md §3: "a pipeline is
// created when a model is loaded into GPU memory").
type Pipeline struct {
	cfg      *modelconfig.Config
	backend  ml.Backend
	loader   *weights.Loader
	cache    kvcache.Cache
	executor *layer.Executor
	tok      tokenizer.Tokenizer

	seqLen int
	rng    *rand.Rand
}

// Create materializes weights and a KV-cache for m, per spec.md
// §4.11's createPipeline(manifest, capabilities, shardLoader).
func Create(m *manifest.Manifest, caps device.Capabilities, st store.Store, opts Options) (*Pipeline, error) {
	cfg, err := modelconfig.Derive(m)
	if err != nil {
		return nil, err
	}
	if m.TotalSize > caps.Tier.MaxModelBytes() {
		return nil, dopplererr.New(dopplererr.KindConfig, "model exceeds device tier's max size").
			With("totalSize", m.TotalSize).With("tierMaxBytes", caps.Tier.MaxModelBytes())
	}

	backendName := "cpu"
	backend, err := ml.NewBackend(backendName, caps)
	if err != nil {
		return nil, err
	}

	expertBudget := opts.ExpertBudget
	if expertBudget == 0 {
		expertBudget = defaultExpertBudget
	}
	loader := weights.New(st, m, m.ModelID, expertBudget)

	cache := buildCache(cfg, opts.CacheKind)
	executor := layer.New(cfg, loader, cache)

	p := &Pipeline{
		cfg:      cfg,
		backend:  backend,
		loader:   loader,
		cache:    cache,
		executor: executor,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if len(opts.Tokenizer) > 0 {
		tok, err := tokenizer.Load(opts.Tokenizer)
		if err != nil {
			return nil, err
		}
		p.tok = tok
	}

	return p, nil
}

func buildCache(cfg *modelconfig.Config, kind CacheKind) kvcache.Cache {
	kvCfg := kvcache.Config{
		NumLayers:  cfg.NumLayers,
		NumKVHeads: cfg.NumKVHeads,
		HeadDim:    cfg.HeadDim,
		MaxSeqLen:  cfg.MaxSeqLen,
	}

	switch kind {
	case CachePaged:
		return kvcache.NewPaged(kvCfg, defaultPageSize)
	case CacheSliding:
		return kvcache.NewSlidingWindow(kvCfg, cfg.SlidingWindow)
	case CacheContiguous:
		return kvcache.NewContiguous(kvCfg)
	}

	if cfg.LayerAttention != nil && mixedAttention(cfg.LayerAttention) {
		isSliding := make([]bool, len(cfg.LayerAttention))
		for i, a := range cfg.LayerAttention {
			isSliding[i] = a == modelconfig.AttentionSliding
		}
		return kvcache.NewHybrid(kvCfg, cfg.SlidingWindow, isSliding)
	}
	if cfg.SlidingWindow > 0 && allSliding(cfg.LayerAttention) {
		return kvcache.NewSlidingWindow(kvCfg, cfg.SlidingWindow)
	}
	return kvcache.NewContiguous(kvCfg)
}

func mixedAttention(layers []modelconfig.AttentionType) bool {
	sawFull, sawSliding := false, false
	for _, a := range layers {
		if a == modelconfig.AttentionSliding {
			sawSliding = true
		} else {
			sawFull = true
		}
	}
	return sawFull && sawSliding
}

func allSliding(layers []modelconfig.AttentionType) bool {
	if len(layers) == 0 {
		return false
	}
	for _, a := range layers {
		if a != modelconfig.AttentionSliding {
			return false
		}
	}
	return true
}

// Unload releases the pipeline's backend and KV-cache resources
// (spec.md §3: "destroyed by unload").
func (p *Pipeline) Unload() {
	p.cache.Close()
	p.backend.Close()
}

// SeqLen reports the number of tokens currently written into the cache.
func (p *Pipeline) SeqLen() int { return p.seqLen }

// Tokenizer returns the pipeline's tokenizer adapter, for callers
// (e.g. cmd/dopplerctl) that need to decode a generated token stream
// back into text themselves.
func (p *Pipeline) Tokenizer() tokenizer.Tokenizer { return p.tok }

// Prefill embeds tokenIds, runs every layer with startPos=0, and
// projects the last row through lmHead to produce logits (spec.md
// §4.11). onProgress, if non-nil, is called once per completed layer.
func (p *Pipeline) Prefill(tokenIds []int32, onProgress func(done, total int)) ([]float32, error) {
	if len(tokenIds) == 0 {
		return nil, dopplererr.New(dopplererr.KindConfig, "prefill requires at least one token")
	}
	return p.forwardAndProject(tokenIds, 0, onProgress)
}

// Decode runs a single-token step at the cache's current position,
// projects logits, and returns them; the caller (generate, or its own
// loop) is responsible for sampling.
func (p *Pipeline) Decode(lastToken int32) ([]float32, error) {
	return p.forwardAndProject([]int32{lastToken}, p.seqLen, nil)
}

func (p *Pipeline) forwardAndProject(tokenIds []int32, startPos int, onProgress func(done, total int)) ([]float32, error) {
	ctx := p.backend.NewContext()
	defer func() {
		_ = ctx.Submit(context.Background())
	}()

	embedW, err := p.loader.Load(ctx, embeddingTensor)
	if err != nil {
		return nil, err
	}
	idxTensor := ctx.FromInts(tokenIds, len(tokenIds))
	hidden := embedW.Rows(ctx, idxTensor)
	if p.cfg.ScaleEmbeddings {
		hidden = hidden.Scale(ctx, scaleFactor(p.cfg.HiddenSize))
	}

	positions := make([]float32, len(tokenIds))
	for i := range positions {
		positions[i] = float32(startPos + i)
	}
	posTensor := ctx.FromFloats(positions, len(tokenIds), 1)

	for idx := 0; idx < p.cfg.NumLayers; idx++ {
		hidden, err = p.executor.Forward(ctx, idx, hidden, posTensor, startPos)
		if err != nil {
			return nil, err
		}
		if onProgress != nil {
			onProgress(idx+1, p.cfg.NumLayers)
		}
	}

	normW, err := p.loader.Load(ctx, outputNormTensor)
	if err != nil {
		return nil, err
	}
	normed := hidden.RMSNorm(ctx, normW, p.cfg.RMSNormEps, p.cfg.RMSNormWeightOffset)

	lastRow := normed.View(ctx, (len(tokenIds)-1)*p.cfg.HiddenSize, 1, p.cfg.HiddenSize)

	lmHeadName := lmHeadTensor
	if p.cfg.TieWordEmbeddings {
		lmHeadName = embeddingTensor
	}
	lmHeadW, err := p.loader.Load(ctx, lmHeadName)
	if err != nil {
		return nil, err
	}
	logits := lastRow.Matmul(ctx, lmHeadW, true)

	p.seqLen = startPos + len(tokenIds)
	return logits.Floats(), nil
}

func scaleFactor(hiddenSize int) float64 {
	return math.Sqrt(float64(hiddenSize))
}
