package ml

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecorderSubmitRunsQueuedDispatches(t *testing.T) {
	pool := NewPool()
	r := NewRecorder(pool)
	require.NoError(t, r.Record("rmsnorm"))
	require.NoError(t, r.Record("matmul"))

	var ran []string
	err := r.Submit(func(ds []dispatch) error {
		for _, d := range ds {
			ran = append(ran, d.kernel)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"rmsnorm", "matmul"}, ran)
}

func TestRecorderDoubleSubmitErrors(t *testing.T) {
	pool := NewPool()
	r := NewRecorder(pool)
	require.NoError(t, r.Submit(func([]dispatch) error { return nil }))
	err := r.Submit(func([]dispatch) error { return nil })
	require.Error(t, err)
}

func TestRecorderUsedAfterSubmitErrors(t *testing.T) {
	pool := NewPool()
	r := NewRecorder(pool)
	require.NoError(t, r.Submit(func([]dispatch) error { return nil }))
	require.Error(t, r.Record("noop"))
}

func TestRecorderAbortReleasesUniforms(t *testing.T) {
	pool := NewPool()
	r := NewRecorder(pool)
	u, err := r.CreateUniformBuffer(64, "scale")
	require.NoError(t, err)
	require.NoError(t, r.Abort())

	buf := pool.Acquire(64, UsageUniform, "reused")
	require.Same(t, u, buf, "aborted recorder's uniform buffer should be back in the pool")
	require.Equal(t, "reused", buf.Label())
}
