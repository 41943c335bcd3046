package kvcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamer-doppler/doppler/ml"
	"github.com/dreamer-doppler/doppler/ml/cpu"
)

func testConfig() Config {
	return Config{NumLayers: 2, NumKVHeads: 2, HeadDim: 4, MaxSeqLen: 16}
}

func rows(ctx ml.Context, n, rowWidth int, start float32) ml.Tensor {
	data := make([]float32, n*rowWidth)
	for i := range data {
		data[i] = start + float32(i)
	}
	return ctx.FromFloats(data, n, rowWidth)
}

func TestContiguousAppendEquivalence(t *testing.T) {
	ctx := cpu.NewBackendContextForTest()
	cfg := testConfig()

	prefillAll := NewContiguous(cfg)
	k := rows(ctx, 2, cfg.rowWidth(), 0)
	v := rows(ctx, 2, cfg.rowWidth(), 100)
	require.NoError(t, prefillAll.Update(0, k, v, 0))

	incremental := NewContiguous(cfg)
	k0 := rows(ctx, 1, cfg.rowWidth(), 0)
	v0 := rows(ctx, 1, cfg.rowWidth(), 100)
	require.NoError(t, incremental.Update(0, k0, v0, 0))
	k1 := rows(ctx, 1, cfg.rowWidth(), cfg.rowWidth())
	v1 := rows(ctx, 1, cfg.rowWidth(), 100+float32(cfg.rowWidth()))
	require.NoError(t, incremental.Update(0, k1, v1, 1))

	kAll, vAll, err := prefillAll.Get(ctx, 0)
	require.NoError(t, err)
	kInc, vInc, err := incremental.Get(ctx, 0)
	require.NoError(t, err)

	require.Equal(t, kAll.Floats(), kInc.Floats())
	require.Equal(t, vAll.Floats(), vInc.Floats())
}

func TestContiguousCacheOverflow(t *testing.T) {
	ctx := cpu.NewBackendContextForTest()
	cfg := testConfig()
	c := NewContiguous(cfg)
	k := rows(ctx, 1, cfg.rowWidth(), 0)
	v := rows(ctx, 1, cfg.rowWidth(), 0)
	err := c.Update(0, k, v, cfg.MaxSeqLen)
	require.Error(t, err)
}

func TestContiguousTruncate(t *testing.T) {
	ctx := cpu.NewBackendContextForTest()
	cfg := testConfig()
	c := NewContiguous(cfg)
	k := rows(ctx, 4, cfg.rowWidth(), 0)
	v := rows(ctx, 4, cfg.rowWidth(), 0)
	require.NoError(t, c.Update(0, k, v, 0))
	require.Equal(t, 4, c.SeqLen(0))
	require.NoError(t, c.Truncate(2))
	require.Equal(t, 2, c.SeqLen(0))
}

func TestSlidingWindowOverflow(t *testing.T) {
	ctx := cpu.NewBackendContextForTest()
	cfg := Config{NumLayers: 1, NumKVHeads: 1, HeadDim: 2, MaxSeqLen: 100}
	windowSize := 4
	s := NewSlidingWindow(cfg, windowSize)

	for pos := 0; pos < 10; pos++ {
		k := rows(ctx, 1, cfg.rowWidth(), float32(pos))
		v := rows(ctx, 1, cfg.rowWidth(), float32(pos)+0.5)
		require.NoError(t, s.Update(0, k, v, pos))
	}

	require.Equal(t, windowSize, s.SeqLen(0))
	require.Equal(t, 10, s.TotalTokensSeen())

	kOut, _, err := s.Get(ctx, 0)
	require.NoError(t, err)
	// Only the last 4 positions (tokens 6,7,8,9; rowWidth=2 so each
	// token contributes [pos, pos+1]) should remain, oldest first.
	require.Equal(t, []float32{6, 7, 7, 8, 8, 9, 9, 10}, kOut.Floats())
}

func TestPagedOverflowRejected(t *testing.T) {
	ctx := cpu.NewBackendContextForTest()
	cfg := Config{NumLayers: 1, NumKVHeads: 1, HeadDim: 2, MaxSeqLen: 8}
	p := NewPaged(cfg, 4)
	k := rows(ctx, 1, cfg.rowWidth(), 0)
	v := rows(ctx, 1, cfg.rowWidth(), 0)
	err := p.Update(0, k, v, 1<<20)
	require.Error(t, err)
}

func TestContiguousCanResumeAndRemove(t *testing.T) {
	ctx := cpu.NewBackendContextForTest()
	cfg := testConfig()
	c := NewContiguous(cfg)
	k := rows(ctx, 4, cfg.rowWidth(), 0)
	v := rows(ctx, 4, cfg.rowWidth(), 0)
	require.NoError(t, c.Update(0, k, v, 0))

	require.True(t, c.CanResume(defaultSeq, 4))
	require.False(t, c.CanResume(defaultSeq, 10))

	require.NoError(t, c.Remove(defaultSeq, 2, 4))
	require.False(t, c.CanResume(defaultSeq, 4))
}
