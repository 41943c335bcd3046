// Package layer implements the per-block transformer executor of
// spec.md §4.10: norm -> QKV -> (Gemma QK-norm) -> RoPE -> attention ->
// output projection -> residual -> norm -> FFN (dense or MoE) ->
// residual, with the architecture-specific switches spec.md's table
// names dispatched through a modelconfig.ArchVariant tag rather than
// scattered boolean flags (spec.md §9).
//
// Grounded on the teacher's per-architecture TextLayer.Forward methods
// (model/models/*/text_layer.go, model/models/deepseek2/mlp.go for the
// MoE router), reshaped from the teacher's gguf-tag-driven struct
// fields to explicit weights.Loader lookups by name, since this
// engine's manifest format has no struct-tag binding layer.
package layer

import (
	"github.com/dreamer-doppler/doppler/dopplererr"
	"github.com/dreamer-doppler/doppler/kvcache"
	"github.com/dreamer-doppler/doppler/ml"
	"github.com/dreamer-doppler/doppler/modelconfig"
	"github.com/dreamer-doppler/doppler/weights"
)

// Executor runs one transformer block at a time against a shared
// weights.Loader and kvcache.Cache, both owned by the pipeline.
type Executor struct {
	cfg    *modelconfig.Config
	loader *weights.Loader
	cache  kvcache.Cache
}

// New builds an Executor for cfg, reading weights through loader and
// reading/writing layer through cache.
func New(cfg *modelconfig.Config, loader *weights.Loader, cache kvcache.Cache) *Executor {
	return &Executor{cfg: cfg, loader: loader, cache: cache}
}

func (e *Executor) load(ctx ml.Context, name string) (ml.Tensor, error) {
	return e.loader.Load(ctx, name)
}

// loadOptional returns (nil, nil) when the tensor is simply absent
// (dense models have no QNorm/sandwich-norm weights), and a real error
// for anything else.
func (e *Executor) loadOptional(ctx ml.Context, name string) (ml.Tensor, error) {
	t, err := e.load(ctx, name)
	if err != nil {
		if dopplererr.Is(err, dopplererr.KindTensorMissing) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// Forward executes layer idx's block over hiddenStates (shape
// [T, hiddenSize]) at absolute position startPos, returning the
// updated residual stream (spec.md §4.10 steps 1-11).
func (e *Executor) Forward(ctx ml.Context, idx int, hiddenStates, positions ml.Tensor, startPos int) (ml.Tensor, error) {
	n := namesForLayer(idx)
	cfg := e.cfg

	attnNormW, err := e.load(ctx, n.AttnNorm)
	if err != nil {
		return nil, err
	}
	x1 := hiddenStates.RMSNorm(ctx, attnNormW, cfg.RMSNormEps, cfg.RMSNormWeightOffset)

	wq, err := e.load(ctx, n.Q)
	if err != nil {
		return nil, err
	}
	wk, err := e.load(ctx, n.K)
	if err != nil {
		return nil, err
	}
	wv, err := e.load(ctx, n.V)
	if err != nil {
		return nil, err
	}
	wo, err := e.load(ctx, n.O)
	if err != nil {
		return nil, err
	}

	q := x1.Matmul(ctx, wq, true)
	k := x1.Matmul(ctx, wk, true)
	v := x1.Matmul(ctx, wv, true)

	tokens := hiddenStates.Shape()[0]

	if qNormW, err := e.loadOptional(ctx, n.QNorm); err != nil {
		return nil, err
	} else if qNormW != nil {
		q = perHeadRMSNorm(ctx, q, qNormW, tokens, cfg.NumHeads, cfg.HeadDim, cfg.RMSNormEps, cfg.RMSNormWeightOffset)
	}
	if kNormW, err := e.loadOptional(ctx, n.KNorm); err != nil {
		return nil, err
	} else if kNormW != nil {
		k = perHeadRMSNorm(ctx, k, kNormW, tokens, cfg.NumKVHeads, cfg.HeadDim, cfg.RMSNormEps, cfg.RMSNormWeightOffset)
	}

	ropeMode := ml.RopeStandard
	if cfg.RopeScalingType == "yarn" {
		ropeMode = ml.RopeYARN
	}
	q = q.RoPE(ctx, positions, cfg.HeadDim, cfg.RopeTheta, ropeMode, cfg.RopeScalingFactor)
	k = k.RoPE(ctx, positions, cfg.HeadDim, cfg.RopeTheta, ropeMode, cfg.RopeScalingFactor)

	if err := e.cache.UpdateFromGPU(idx, k, v, startPos, tokens); err != nil {
		return nil, err
	}
	kAll, vAll, err := e.cache.Get(ctx, idx)
	if err != nil {
		return nil, err
	}

	sinks, err := e.loadOptional(ctx, n.AttnSinks)
	if err != nil {
		return nil, err
	}

	variant, slidingWindow := attentionVariant(cfg, idx)
	attn := q.Attention(ctx, kAll, vAll, cfg.NumHeads, cfg.NumKVHeads, cfg.HeadDim, variant, slidingWindow, sinks, startPos)

	o := attn.Matmul(ctx, wo, true)
	if cfg.SandwichNorm {
		if postAttnW, err := e.loadOptional(ctx, n.PostAttnNorm); err != nil {
			return nil, err
		} else if postAttnW != nil {
			o = o.RMSNorm(ctx, postAttnW, cfg.RMSNormEps, cfg.RMSNormWeightOffset)
		}
	}
	x := hiddenStates.Add(ctx, o)

	ffnNormW, err := e.load(ctx, n.FFNNorm)
	if err != nil {
		return nil, err
	}
	x2 := x.RMSNorm(ctx, ffnNormW, cfg.RMSNormEps, cfg.RMSNormWeightOffset)

	var ffnOut ml.Tensor
	if cfg.MoE != nil {
		ffnOut, err = e.moeFFN(ctx, idx, n, x2)
	} else {
		ffnOut, err = e.denseFFN(ctx, n, x2)
	}
	if err != nil {
		return nil, err
	}

	if cfg.SandwichNorm {
		if postFFNW, err := e.loadOptional(ctx, n.PostFFNNorm); err != nil {
			return nil, err
		} else if postFFNW != nil {
			ffnOut = ffnOut.RMSNorm(ctx, postFFNW, cfg.RMSNormEps, cfg.RMSNormWeightOffset)
		}
	}
	return x.Add(ctx, ffnOut), nil
}

func (e *Executor) denseFFN(ctx ml.Context, n names, x2 ml.Tensor) (ml.Tensor, error) {
	gateW, err := e.load(ctx, n.Gate)
	if err != nil {
		return nil, err
	}
	upW, err := e.load(ctx, n.Up)
	if err != nil {
		return nil, err
	}
	downW, err := e.load(ctx, n.Down)
	if err != nil {
		return nil, err
	}

	gate := x2.Matmul(ctx, gateW, true)
	up := x2.Matmul(ctx, upW, true)
	act := activation(ctx, gate, e.cfg.Activation)
	h := act.Mul(ctx, up)
	return h.Matmul(ctx, downW, true), nil
}

func activation(ctx ml.Context, t ml.Tensor, kind string) ml.Tensor {
	if kind == "gelu" {
		return t.GELU(ctx)
	}
	return t.SILU(ctx)
}

// perHeadRMSNorm reshapes [tokens, numHeads*headDim] to
// [tokens*numHeads, headDim] so weight (shape [headDim]) normalizes
// each head independently (spec.md §4.10 step 3, Gemma QK-norm), then
// reshapes back.
func perHeadRMSNorm(ctx ml.Context, t, weight ml.Tensor, tokens, numHeads, headDim int, eps float32, weightOffset bool) ml.Tensor {
	reshaped := t.Reshape(ctx, tokens*numHeads, headDim)
	normed := reshaped.RMSNorm(ctx, weight, eps, weightOffset)
	return normed.Reshape(ctx, tokens, numHeads*headDim)
}

// attentionVariant picks layer idx's attention kernel. A nil
// cfg.LayerAttention means the manifest declared no per-layer
// layerTypes array, which spec.md §9's Open Question resolves as "all
// full attention" regardless of cfg.SlidingWindow (modelconfig.Config
// derives SlidingWindow from the manifest's window-width field
// independently of whether any layer actually uses it).
func attentionVariant(cfg *modelconfig.Config, idx int) (ml.AttentionVariant, int) {
	if cfg.LayerAttention == nil {
		return ml.AttentionCausal, 0
	}
	if idx < len(cfg.LayerAttention) && cfg.LayerAttention[idx] == modelconfig.AttentionSliding {
		return ml.AttentionSlidingWindow, cfg.SlidingWindow
	}
	return ml.AttentionCausal, 0
}
