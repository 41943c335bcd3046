package layer

import (
	"github.com/dreamer-doppler/doppler/ml"
)

// moeFFN implements spec.md §4.10's MoE path: router logits, softmax,
// top-k selection with renormalized weights, then a per-token weighted
// sum of the selected experts' dense FFNs. Experts are resolved
// through loader.LoadExpert so only the experts a token actually
// selects get materialized (spec.md §4.9's lazy per-expert loading).
//
// Grounded on the teacher's deepseek2 sparse MoE MLP (mlp.go:
// Router.Forward -> scores -> TopK -> optional renormalization), with
// the batched gather-by-expert-id Ollama uses for its tensor-graph
// backend replaced by an explicit per-token Go loop, since this
// engine's CPU Tensor has no graph-level expert-routing primitive.
func (e *Executor) moeFFN(ctx ml.Context, idx int, n names, x2 ml.Tensor) (ml.Tensor, error) {
	cfg := e.cfg.MoE
	tokens := x2.Shape()[0]
	hiddenSize := x2.Shape()[1]

	routerW, err := e.load(ctx, n.Router)
	if err != nil {
		return nil, err
	}
	routerLogits := x2.Matmul(ctx, routerW, true)

	if cfg.RouterHasBias {
		if bias, err := e.loadOptional(ctx, n.RouterBias); err != nil {
			return nil, err
		} else if bias != nil {
			routerLogits = routerLogits.Add(ctx, bias)
		}
	}

	probs := routerLogits.Softmax(ctx)
	topVals, topIdx := probs.TopK(ctx, cfg.NumExpertsPerToken)
	weights := renormalize(topVals.Floats(), tokens, cfg.NumExpertsPerToken)
	indices := topIdx.Floats()

	out := make([]float32, tokens*hiddenSize)
	x2Flat := x2.Floats()

	for t := 0; t < tokens; t++ {
		row := ctx.FromFloats(append([]float32(nil), x2Flat[t*hiddenSize:(t+1)*hiddenSize]...), 1, hiddenSize)

		for j := 0; j < cfg.NumExpertsPerToken; j++ {
			expertIdx := int(indices[t*cfg.NumExpertsPerToken+j])
			w := weights[t*cfg.NumExpertsPerToken+j]

			en := expertNames(idx, expertIdx)
			gateW, err := e.loader.LoadExpert(ctx, idx, expertIdx, en.Gate)
			if err != nil {
				return nil, err
			}
			upW, err := e.loader.LoadExpert(ctx, idx, expertIdx, en.Up)
			if err != nil {
				return nil, err
			}
			downW, err := e.loader.LoadExpert(ctx, idx, expertIdx, en.Down)
			if err != nil {
				return nil, err
			}

			gate := row.Matmul(ctx, gateW, true)
			up := row.Matmul(ctx, upW, true)
			act := activation(ctx, gate, e.cfg.Activation)
			h := act.Mul(ctx, up)
			down := h.Matmul(ctx, downW, true)
			scaled := down.Scale(ctx, float64(w))

			dst := out[t*hiddenSize : (t+1)*hiddenSize]
			for i, v := range scaled.Floats() {
				dst[i] += v
			}
		}
	}

	return ctx.FromFloats(out, tokens, hiddenSize), nil
}

// renormalize divides each token's top-k weights by their sum, the
// "renormalized weights" spec.md §4.7's router contract names.
func renormalize(vals []float32, tokens, k int) []float32 {
	out := make([]float32, len(vals))
	for t := 0; t < tokens; t++ {
		row := vals[t*k : (t+1)*k]
		var sum float32
		for _, v := range row {
			sum += v
		}
		if sum == 0 {
			sum = 1
		}
		for i, v := range row {
			out[t*k+i] = v / sum
		}
	}
	return out
}
