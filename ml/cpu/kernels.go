package cpu

import (
	"math"

	"github.com/dreamer-doppler/doppler/ml"
)

// RoPE applies rotary position embedding pairwise over the head
// dimension (spec.md §4.10 step 3). t has shape [tokens, numHeads*headDim].
// YaRN scaling divides the effective position by scalingFactor before
// computing rotation angles, extending usable context length.
func (t *Tensor) RoPE(_ ml.Context, positions ml.Tensor, headDim int, theta float64, mode ml.RopeMode, scalingFactor float64) ml.Tensor {
	pos := asCPU(positions)
	totalFeatures := t.shape[len(t.shape)-1]
	numHeads := totalFeatures / headDim
	tokens := numel(t.shape) / totalFeatures

	out := newTensor(t.shape, t.label+".rope")
	copy(out.data, t.data)

	half := headDim / 2
	for tok := 0; tok < tokens; tok++ {
		p := float64(pos.data[tok])
		if mode == ml.RopeYARN && scalingFactor > 0 {
			p /= scalingFactor
		}
		for h := 0; h < numHeads; h++ {
			base := tok*totalFeatures + h*headDim
			for i := 0; i < half; i++ {
				freq := 1.0 / math.Pow(theta, float64(2*i)/float64(headDim))
				angle := p * freq
				sinv, cosv := math.Sincos(angle)
				x0 := float64(t.data[base+i])
				x1 := float64(t.data[base+i+half])
				out.data[base+i] = float32(x0*cosv - x1*sinv)
				out.data[base+i+half] = float32(x0*sinv + x1*cosv)
			}
		}
	}
	return out
}

// Attention computes per-head scaled-dot-product attention with a
// blocked online-softmax accumulation (the streaming formulation that
// avoids materializing the full [tokens, ctxLen] score matrix before
// normalizing), applying a causal, sliding-window, or sinks mask
// (spec.md §4.10 step 5). Grouped-query heads share one KV head by
// integer division (numHeads/numKVHeads). startPos is the absolute
// sequence position of query row 0: key/value may carry the full
// accumulated cache history (ctxLen == currentSeqLen) while this
// tensor carries only the current call's query batch, so the causal
// and sliding-window bounds are computed against startPos+tok, the
// query's absolute position, not the batch-relative row index tok
// (spec.md §4.7).
func (t *Tensor) Attention(_ ml.Context, key, value ml.Tensor, numHeads, numKVHeads, headDim int, variant ml.AttentionVariant, slidingWindow int, sinks ml.Tensor, startPos int) ml.Tensor {
	k := asCPU(key)
	v := asCPU(value)
	totalQFeatures := numHeads * headDim
	tokens := numel(t.shape) / totalQFeatures
	ctxLen := numel(k.shape) / (numKVHeads * headDim)
	groupSize := numHeads / numKVHeads

	var sinkVals []float32
	if sinks != nil {
		sinkVals = asCPU(sinks).data
	}

	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	out := newTensor([]int{tokens, totalQFeatures}, t.label+".attn")

	for tok := 0; tok < tokens; tok++ {
		queryPos := startPos + tok
		for h := 0; h < numHeads; h++ {
			kvHead := h / groupSize
			qOff := tok*totalQFeatures + h*headDim
			q := t.data[qOff : qOff+headDim]

			maxCtx := min(ctxLen, queryPos+1)
			windowStart := 0
			if variant == ml.AttentionSlidingWindow && slidingWindow > 0 {
				windowStart = max(0, maxCtx-slidingWindow)
			}

			// Online softmax: track running max/sum while accumulating
			// the weighted value sum, so no [ctxLen] score buffer is
			// ever fully materialized for long contexts.
			runningMax := float32(math.Inf(-1))
			runningSum := float32(0)
			acc := make([]float32, headDim)

			if len(sinkVals) > 0 {
				s := sinkVals[h]
				runningMax = s
				runningSum = 1
			}

			for c := windowStart; c < maxCtx; c++ {
				kOff := c*numKVHeads*headDim + kvHead*headDim
				score := dotF32(q, k.data[kOff:kOff+headDim]) * scale

				if score > runningMax {
					factor := float32(math.Exp(float64(runningMax - score)))
					runningSum *= factor
					for i := range acc {
						acc[i] *= factor
					}
					runningMax = score
				}
				w := float32(math.Exp(float64(score - runningMax)))
				runningSum += w

				vOff := c*numKVHeads*headDim + kvHead*headDim
				vRow := v.data[vOff : vOff+headDim]
				for i := range acc {
					acc[i] += w * vRow[i]
				}
			}

			if runningSum == 0 {
				runningSum = 1
			}
			outOff := tok*totalQFeatures + h*headDim
			for i := 0; i < headDim; i++ {
				out.data[outOff+i] = acc[i] / runningSum
			}
		}
	}
	return out
}

func dotF32(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
