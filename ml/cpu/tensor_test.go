package cpu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamer-doppler/doppler/ml"
)

func newCtx() *Context { return newContext(ml.NewPool()) }

func TestMatmul(t *testing.T) {
	ctx := newCtx()
	a := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := ctx.FromFloats([]float32{1, 0, 0, 1, 1, 1}, 2, 3) // will be transposed
	out := a.Matmul(ctx, b, true)
	require.Equal(t, []int{2, 2}, out.Shape())
	require.Equal(t, []float32{1, 6, 4, 15}, out.Floats())
}

func TestRMSNormGemmaSandwich(t *testing.T) {
	ctx := newCtx()
	x := ctx.FromFloats([]float32{1, 2, 3, 4}, 1, 4)
	zeroWeight := ctx.FromFloats([]float32{0, 0, 0, 0}, 4)
	unitWeight := ctx.FromFloats([]float32{1, 1, 1, 1}, 4)

	// weight all zero + gemma sandwich (1+w)=1 should equal plain
	// rmsnorm with an all-ones weight.
	sandwich := x.RMSNorm(ctx, zeroWeight, 1e-6, true)
	plain := x.RMSNorm(ctx, unitWeight, 1e-6, false)
	require.InDeltaSlice(t, plain.Floats(), sandwich.Floats(), 1e-5)
}

func TestSoftmaxSumsToOne(t *testing.T) {
	ctx := newCtx()
	x := ctx.FromFloats([]float32{1, 2, 3, 4}, 1, 4)
	out := x.Softmax(ctx)
	var sum float32
	for _, v := range out.Floats() {
		sum += v
	}
	require.InDelta(t, 1.0, sum, 1e-5)
}

func TestTopKReturnsLargest(t *testing.T) {
	ctx := newCtx()
	x := ctx.FromFloats([]float32{0.1, 0.9, 0.3, 0.5}, 1, 4)
	vals, idx := x.TopK(ctx, 2)
	require.Equal(t, []float32{0.9, 0.5}, vals.Floats())
	require.Equal(t, []float32{1, 3}, idx.Floats())
}

func TestSILUMatchesFormula(t *testing.T) {
	ctx := newCtx()
	x := ctx.FromFloats([]float32{0, 1, -1}, 3)
	out := x.SILU(ctx)
	expected := []float32{
		0,
		1 / (1 + float32(math.Exp(-1))),
		-1 / (1 + float32(math.Exp(1))),
	}
	require.InDeltaSlice(t, expected, out.Floats(), 1e-5)
}

func TestPermuteRoundTrip(t *testing.T) {
	ctx := newCtx()
	x := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	permuted := x.Permute(ctx, 1, 0)
	require.Equal(t, []int{3, 2}, permuted.Shape())
	require.Equal(t, []float32{1, 4, 2, 5, 3, 6}, permuted.Floats())
}

func TestRoPEPreservesNorm(t *testing.T) {
	ctx := newCtx()
	q := ctx.FromFloats([]float32{1, 0, 0, 1}, 1, 4) // 1 token, headDim=4
	positions := ctx.FromInts([]int32{5}, 1)
	out := q.RoPE(ctx, positions, 4, 10000, ml.RopeStandard, 0)

	var normBefore, normAfter float32
	for _, v := range q.Floats() {
		normBefore += v * v
	}
	for _, v := range out.Floats() {
		normAfter += v * v
	}
	require.InDelta(t, normBefore, normAfter, 1e-4, "rotation must preserve vector norm")
}

func TestAttentionCausalMaskBlocksFuture(t *testing.T) {
	ctx := newCtx()
	// 2 tokens, 1 head, headDim=2
	q := ctx.FromFloats([]float32{1, 0, 1, 0}, 2, 2)
	k := ctx.FromFloats([]float32{1, 0, 100, 0}, 2, 2)
	v := ctx.FromFloats([]float32{1, 1, 99, 99}, 2, 2)

	out := q.Attention(ctx, k, v, 1, 1, 2, ml.AttentionCausal, 0, nil, 0)
	floats := out.Floats()
	// token 0 can only attend to itself -> output should equal v[0]
	require.InDeltaSlice(t, []float32{1, 1}, floats[0:2], 1e-3)
}

// TestAttentionStartPosOffsetsCausalMask pins a decode-style call: a
// single query row (tokens=1) against a key/value cache holding two
// rows of history, with startPos=1 so the query's absolute position is
// 1, not 0. If startPos were ignored and the row index (always 0 for a
// single-token batch) were treated as the absolute position, the query
// would incorrectly see only key row 0 instead of both.
func TestAttentionStartPosOffsetsCausalMask(t *testing.T) {
	ctx := newCtx()
	q := ctx.FromFloats([]float32{1, 0}, 1, 2)
	k := ctx.FromFloats([]float32{1, 0, 1, 0}, 2, 2)
	v := ctx.FromFloats([]float32{1, 1, 99, 99}, 2, 2)

	out := q.Attention(ctx, k, v, 1, 1, 2, ml.AttentionCausal, 0, nil, 1)
	floats := out.Floats()
	// query at absolute position 1 attends equally to both cached rows
	// (identical scores), so the output is their average.
	require.InDeltaSlice(t, []float32{50, 50}, floats[0:2], 1e-2)
}

func TestConcatLastDim(t *testing.T) {
	ctx := newCtx()
	a := ctx.FromFloats([]float32{1, 2}, 1, 2)
	b := ctx.FromFloats([]float32{3, 4, 5}, 1, 3)
	out := a.Concat(ctx, b, 1)
	require.Equal(t, []float32{1, 2, 3, 4, 5}, out.Floats())
}

func TestRowsGathersEmbeddings(t *testing.T) {
	ctx := newCtx()
	table := ctx.FromFloats([]float32{10, 11, 20, 21, 30, 31}, 3, 2)
	idx := ctx.FromInts([]int32{2, 0}, 2)
	out := table.Rows(ctx, idx)
	require.Equal(t, []float32{30, 31, 10, 11}, out.Floats())
}
