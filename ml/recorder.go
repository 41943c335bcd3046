package ml

import (
	"sync"

	"github.com/dreamer-doppler/doppler/dopplererr"
)

// dispatch is one recorded kernel invocation; concrete backends
// interpret Kernel/Args however their execution model requires.
type dispatch struct {
	kernel string
	args   []any
}

// Recorder accumulates kernel dispatches and transient uniform
// buffers into a single queue submission (spec.md §4.6): several norms
// or projections within one forward layer cost one submission, not
// dozens. A recorder is single-use: Submit or Abort ends its life, and
// calling either again, or recording after either, is an error.
type Recorder struct {
	pool *Pool

	mu        sync.Mutex
	dispatches []dispatch
	uniforms   []*Buffer
	done       bool
}

func NewRecorder(pool *Pool) *Recorder {
	return &Recorder{pool: pool}
}

func (r *Recorder) Record(kernel string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return dopplererr.New(dopplererr.KindConfig, "recorder used after submit/abort")
	}
	r.dispatches = append(r.dispatches, dispatch{kernel: kernel, args: args})
	return nil
}

// CreateUniformBuffer records a temp buffer whose lifetime ends at the
// next Submit.
func (r *Recorder) CreateUniformBuffer(bytes int, label string) (*Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil, dopplererr.New(dopplererr.KindConfig, "recorder used after submit/abort")
	}
	buf := r.pool.Acquire(bytes, UsageUniform, label)
	r.uniforms = append(r.uniforms, buf)
	return buf, nil
}

// Submit executes the queued dispatches (delegated to run, which a
// concrete backend supplies) and releases transient uniform buffers.
func (r *Recorder) Submit(run func([]dispatch) error) error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return dopplererr.New(dopplererr.KindConfig, "double submit")
	}
	r.done = true
	dispatches := r.dispatches
	uniforms := r.uniforms
	r.mu.Unlock()

	err := run(dispatches)
	for _, u := range uniforms {
		r.pool.Release(u)
	}
	return err
}

// Abort discards queued dispatches without executing them, releasing
// any transient uniform buffers already created.
func (r *Recorder) Abort() error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return dopplererr.New(dopplererr.KindConfig, "abort after submit/abort")
	}
	r.done = true
	uniforms := r.uniforms
	r.mu.Unlock()

	for _, u := range uniforms {
		r.pool.Release(u)
	}
	return nil
}
