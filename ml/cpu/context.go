package cpu

import (
	gocontext "context"
	"math"

	pdtensor "github.com/pdevine/tensor"

	"github.com/dreamer-doppler/doppler/device"
	"github.com/dreamer-doppler/doppler/dopplererr"
	"github.com/dreamer-doppler/doppler/envconfig"
	"github.com/dreamer-doppler/doppler/ml"
)

// Context is the CPU Context: every Tensor method already executes
// eagerly (there is no device command queue to batch against), so
// Submit/Abort exist purely to satisfy the single-use recorder
// contract other backends rely on (spec.md §4.6).
type Context struct {
	pool *ml.Pool
	done bool
}

func newContext(pool *ml.Pool) *Context {
	return &Context{pool: pool}
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(shape, "empty")
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := newTensor(shape, "literal")
	copy(t.data, s)
	return t
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := newTensor(shape, "literal.i32")
	for i, v := range s {
		t.data[i] = float32(v)
	}
	return t
}

func (c *Context) CreateUniformBuffer(bytes int, label string) ml.Tensor {
	buf := c.pool.Acquire(bytes, ml.UsageUniform, label)
	return &Tensor{data: make([]float32, bytes/4), shape: []int{bytes / 4}, label: label + "|" + buf.Label()}
}

func (c *Context) Submit(_ gocontext.Context) error {
	if c.done {
		return dopplererr.New(dopplererr.KindConfig, "context used after submit/abort")
	}
	c.done = true
	return nil
}

func (c *Context) Abort() error {
	if c.done {
		return dopplererr.New(dopplererr.KindConfig, "context used after submit/abort")
	}
	c.done = true
	return nil
}

func (c *Context) Close() {}

// CheckFinite walks a tensor's values with the pdevine/tensor NaN/Inf
// detector, a debug-only shadow path (spec.md testable property #7)
// run when DOPPLER_TRACE is set rather than on every forward pass.
func CheckFinite(t ml.Tensor) error {
	if !envconfig.Trace() {
		return nil
	}
	data := append([]float32(nil), t.Floats()...)
	shadow := pdtensor.New(pdtensor.WithShape(len(data)), pdtensor.WithBacking(data))
	backing, ok := shadow.Data().([]float32)
	if !ok {
		return dopplererr.New(dopplererr.KindNumerical, "unexpected shadow tensor backing type").With("label", t.Label())
	}
	for _, f := range backing {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return dopplererr.New(dopplererr.KindNumerical, "non-finite value in tensor").With("label", t.Label())
		}
	}
	return nil
}

var _ ml.Context = (*Context)(nil)

// Backend is the CPU ml.Backend implementation, registered under
// "cpu" and used whenever device.Capabilities.Tier == TierConstrained
// or no GPU adapter is available.
type Backend struct {
	pool *ml.Pool
	caps device.Capabilities
}

func NewBackend(caps device.Capabilities) (ml.Backend, error) {
	return &Backend{pool: ml.NewPool(), caps: caps}, nil
}

func (b *Backend) Close()                       {}
func (b *Backend) NewContext() ml.Context       { return newContext(b.pool) }
func (b *Backend) Device() device.Capabilities  { return b.caps }

func init() {
	ml.RegisterBackend("cpu", NewBackend)
}

// NewBackendContextForTest builds a bare CPU Context backed by a fresh
// pool, for use by other packages' tests that need a working ml.Context
// without going through device probing or backend registration.
func NewBackendContextForTest() ml.Context {
	return newContext(ml.NewPool())
}

var _ ml.Backend = (*Backend)(nil)
