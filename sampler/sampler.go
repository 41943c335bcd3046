// Package sampler implements spec.md §4.12's token sampler: repetition
// penalty, temperature, top-k, nucleus (top-p), and greedy fallback.
// Grounded on the teacher's llama sampling chain (llama/llama_sampling.go's
// penalty -> temperature -> top-k -> top-p pipeline order), reimplemented
// directly over host float32 logits since this engine's only GPU->CPU
// sync point is the logit readback itself (spec.md §4.11).
//
// Grammar/GBNF-based structured decoding is not implemented here; it is
// an explicit non-goal of spec.md §4.12's sampler contract.
package sampler

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/dreamer-doppler/doppler/dopplererr"
)

// repetitionWindow bounds how many previous tokens the repetition
// penalty looks at (spec.md §4.12: "over the last 100 previous tokens").
const repetitionWindow = 100

// Options configures one sampling decision.
type Options struct {
	Temperature       float64
	TopK              int
	TopP              float64
	RepetitionPenalty float64
	PreviousTokens    []int32
}

// Diagnostics reports auxiliary statistics about the sampled
// distribution, not part of spec.md's externally observable contract
// but useful for the tokenizer/httpapi layers to log (SPEC_FULL.md
// table B: gonum/stat entropy diagnostics).
type Diagnostics struct {
	Entropy float64
}

// Sample draws one token id from logits per the pipeline described in
// spec.md §4.12. rng must be non-nil; callers own its seeding so runs
// can be made reproducible.
func Sample(logits []float32, opts Options, rng *rand.Rand) (int32, Diagnostics, error) {
	if len(logits) == 0 {
		return 0, Diagnostics{}, dopplererr.New(dopplererr.KindConfig, "empty logits")
	}
	if rng == nil {
		return 0, Diagnostics{}, dopplererr.New(dopplererr.KindConfig, "nil rng")
	}

	if opts.Temperature == 0 {
		return int32(argmax(logits)), Diagnostics{}, nil
	}

	work := make([]float64, len(logits))
	for i, v := range logits {
		work[i] = float64(v)
	}

	applyRepetitionPenalty(work, opts.PreviousTokens, opts.RepetitionPenalty)

	for i := range work {
		work[i] /= opts.Temperature
	}

	probs := softmax(work)

	kept := topKIndices(probs, opts.TopK)
	kept = nucleusTruncate(probs, kept, opts.TopP)

	renormalize(probs, kept)

	diag := Diagnostics{Entropy: stat.Entropy(denseFrom(probs, kept))}

	idx := draw(probs, kept, rng)
	return int32(idx), diag, nil
}

func argmax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}

// applyRepetitionPenalty divides (penalty > 0) or multiplies
// (penalty < 0) the logits of any token seen in the last
// repetitionWindow previous tokens, per spec.md §4.12.
func applyRepetitionPenalty(logits []float64, previous []int32, penalty float64) {
	if penalty == 0 {
		return
	}
	start := 0
	if len(previous) > repetitionWindow {
		start = len(previous) - repetitionWindow
	}
	seen := make(map[int32]bool)
	for _, tok := range previous[start:] {
		seen[tok] = true
	}
	for tok := range seen {
		if int(tok) < 0 || int(tok) >= len(logits) {
			continue
		}
		if penalty > 0 {
			logits[tok] /= penalty
		} else {
			logits[tok] *= -penalty
		}
	}
}

func softmax(logits []float64) []float64 {
	max := logits[0]
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(v - max)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// topKIndices returns the indices of the k highest-probability
// entries, sorted descending by probability. k <= 0 means "all".
func topKIndices(probs []float64, k int) []int {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })
	if k > 0 && k < len(idx) {
		idx = idx[:k]
	}
	return idx
}

// nucleusTruncate keeps the smallest descending-sorted prefix of kept
// whose cumulative probability is >= topP (spec.md §4.12). topP <= 0
// disables nucleus filtering.
func nucleusTruncate(probs []float64, kept []int, topP float64) []int {
	if topP <= 0 || topP >= 1 {
		return kept
	}
	var cum float64
	for i, idx := range kept {
		cum += probs[idx]
		if cum >= topP {
			return kept[:i+1]
		}
	}
	return kept
}

func renormalize(probs []float64, kept []int) {
	var sum float64
	for _, idx := range kept {
		sum += probs[idx]
	}
	if sum == 0 {
		return
	}
	for _, idx := range kept {
		probs[idx] /= sum
	}
}

func denseFrom(probs []float64, kept []int) []float64 {
	out := make([]float64, len(kept))
	for i, idx := range kept {
		out[i] = probs[idx]
	}
	return out
}

func draw(probs []float64, kept []int, rng *rand.Rand) int {
	r := rng.Float64()
	var cum float64
	for _, idx := range kept {
		cum += probs[idx]
		if r <= cum {
			return idx
		}
	}
	return kept[len(kept)-1]
}
