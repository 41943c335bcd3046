// Package cpu is the pure-Go fallback Backend for ml.Backend (spec.md
// §4.6/§4.7/§4.10), used on tier-3 devices with no usable GPU adapter
// and as the reference implementation exercised by every layer/kernel
// test in this module. Grounded on the teacher's ggml CPU execution
// path in spirit (kernel names and the Context/Tensor contract come
// from ml/context.go), reimplemented in Go rather than bound via cgo
// since this engine has no native kernel library to call into.
package cpu

import (
	"math"

	"gorgonia.org/vecf32"

	"github.com/dreamer-doppler/doppler/ml"
)

// Tensor is a CPU-resident float32 tensor. Quantized storage dtypes
// are dequantized to F32 by the weight loader before a Tensor is
// constructed; the CPU backend itself only ever computes in F32.
type Tensor struct {
	data  []float32
	shape []int
	label string
}

func newTensor(shape []int, label string) *Tensor {
	n := numel(shape)
	return &Tensor{data: make([]float32, n), shape: append([]int(nil), shape...), label: label}
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func (t *Tensor) Shape() []int   { return t.shape }
func (t *Tensor) DType() ml.DType { return ml.DTypeF32 }
func (t *Tensor) Label() string  { return t.label }

func (t *Tensor) Bytes() []byte {
	out := make([]byte, len(t.data)*4)
	for i, v := range t.data {
		bits := math.Float32bits(v)
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}

func (t *Tensor) Floats() []float32 { return t.data }

func asCPU(t ml.Tensor) *Tensor {
	ct, ok := t.(*Tensor)
	if !ok {
		panic("cpu: tensor from a different backend")
	}
	return ct
}

func (t *Tensor) Add(_ ml.Context, t2 ml.Tensor) ml.Tensor {
	b := asCPU(t2)
	out := newTensor(t.shape, t.label+"+"+b.label)
	if len(t.data) == len(b.data) {
		copy(out.data, t.data)
		vecf32.Add(out.data, b.data)
		return out
	}
	broadcastBinary(out.data, t.data, b.data, func(x, y float32) float32 { return x + y })
	return out
}

func (t *Tensor) Mul(_ ml.Context, t2 ml.Tensor) ml.Tensor {
	b := asCPU(t2)
	out := newTensor(t.shape, t.label+"*"+b.label)
	if len(t.data) == len(b.data) {
		copy(out.data, t.data)
		vecf32.Mul(out.data, b.data)
		return out
	}
	broadcastBinary(out.data, t.data, b.data, func(x, y float32) float32 { return x * y })
	return out
}

// broadcastBinary applies op elementwise, repeating b's last dimension
// if it is shorter than a's (e.g. a per-feature weight against a
// [tokens, features] activation), the broadcast shape every norm/gate
// in spec.md §4.10 needs.
func broadcastBinary(dst, a, b []float32, op func(x, y float32) float32) {
	n := len(b)
	for i := range a {
		dst[i] = op(a[i], b[i%n])
	}
}

func (t *Tensor) Scale(_ ml.Context, s float64) ml.Tensor {
	out := newTensor(t.shape, t.label+".scale")
	copy(out.data, t.data)
	vecf32.Scale(out.data, float32(s))
	return out
}

// Matmul computes [m,k] x [k,n] -> [m,n] (or [m,k] x [n,k]^T when
// transposeB is set, the layout weight matrices are stored in).
func (t *Tensor) Matmul(_ ml.Context, t2 ml.Tensor, transposeB bool) ml.Tensor {
	b := asCPU(t2)
	if len(t.shape) != 2 || len(b.shape) != 2 {
		panic("cpu: Matmul requires 2D tensors")
	}
	m, k := t.shape[0], t.shape[1]
	var n int
	if transposeB {
		n = b.shape[0]
		if b.shape[1] != k {
			panic("cpu: Matmul inner dim mismatch")
		}
	} else {
		n = b.shape[1]
		if b.shape[0] != k {
			panic("cpu: Matmul inner dim mismatch")
		}
	}

	out := newTensor([]int{m, n}, t.label+"x"+b.label)
	for i := 0; i < m; i++ {
		row := t.data[i*k : i*k+k]
		for j := 0; j < n; j++ {
			var col []float32
			if transposeB {
				col = b.data[j*k : j*k+k]
			} else {
				col = make([]float32, k)
				for kk := 0; kk < k; kk++ {
					col[kk] = b.data[kk*n+j]
				}
			}
			out.data[i*n+j] = vecf32.Dot(row, col)
		}
	}
	return out
}

// RMSNorm normalizes each row by its RMS then scales by weight; the
// Gemma family uses (1+weight) instead of weight (spec.md §4.5/§4.10).
func (t *Tensor) RMSNorm(_ ml.Context, weight ml.Tensor, eps float32, gemmaSandwich bool) ml.Tensor {
	w := asCPU(weight)
	features := t.shape[len(t.shape)-1]
	rows := numel(t.shape) / features

	out := newTensor(t.shape, t.label+".rmsnorm")
	for r := 0; r < rows; r++ {
		row := t.data[r*features : (r+1)*features]
		var ss float32
		for _, v := range row {
			ss += v * v
		}
		scale := float32(1.0 / math.Sqrt(float64(ss/float32(features))+float64(eps)))
		dstRow := out.data[r*features : (r+1)*features]
		for i, v := range row {
			wv := w.data[i]
			if gemmaSandwich {
				wv = 1 + wv
			}
			dstRow[i] = v * scale * wv
		}
	}
	return out
}

func (t *Tensor) Softmax(_ ml.Context) ml.Tensor {
	features := t.shape[len(t.shape)-1]
	rows := numel(t.shape) / features
	out := newTensor(t.shape, t.label+".softmax")
	for r := 0; r < rows; r++ {
		row := t.data[r*features : (r+1)*features]
		dst := out.data[r*features : (r+1)*features]
		softmaxRow(dst, row)
	}
	return out
}

func softmaxRow(dst, src []float32) {
	max := src[0]
	for _, v := range src[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range src {
		e := float32(math.Exp(float64(v - max)))
		dst[i] = e
		sum += e
	}
	if sum == 0 {
		sum = 1
	}
	for i := range dst {
		dst[i] /= sum
	}
}

// TopK returns the k largest values and their indices per row
// (spec.md §4.10 MoE router step, §4.12 sampler top-k).
func (t *Tensor) TopK(_ ml.Context, k int) (ml.Tensor, ml.Tensor) {
	features := t.shape[len(t.shape)-1]
	rows := numel(t.shape) / features
	if k > features {
		k = features
	}

	valShape := append([]int(nil), t.shape[:len(t.shape)-1]...)
	valShape = append(valShape, k)
	vals := newTensor(valShape, t.label+".topk.values")
	idxT := &Tensor{data: nil, shape: valShape, label: t.label + ".topk.indices"}
	idx := make([]float32, rows*k)

	for r := 0; r < rows; r++ {
		row := t.data[r*features : (r+1)*features]
		type pair struct {
			v float32
			i int
		}
		pairs := make([]pair, features)
		for i, v := range row {
			pairs[i] = pair{v, i}
		}
		for a := 0; a < k; a++ {
			best := a
			for b := a + 1; b < features; b++ {
				if pairs[b].v > pairs[best].v {
					best = b
				}
			}
			pairs[a], pairs[best] = pairs[best], pairs[a]
			vals.data[r*k+a] = pairs[a].v
			idx[r*k+a] = float32(pairs[a].i)
		}
	}
	idxT.data = idx
	return vals, idxT
}

func (t *Tensor) SILU(_ ml.Context) ml.Tensor {
	out := newTensor(t.shape, t.label+".silu")
	for i, v := range t.data {
		out.data[i] = v / (1 + float32(math.Exp(float64(-v))))
	}
	return out
}

func (t *Tensor) GELU(_ ml.Context) ml.Tensor {
	out := newTensor(t.shape, t.label+".gelu")
	const c = 0.7978845608028654 // sqrt(2/pi)
	for i, v := range t.data {
		x := float64(v)
		out.data[i] = float32(0.5 * x * (1 + math.Tanh(c*(x+0.044715*x*x*x))))
	}
	return out
}

func (t *Tensor) Reshape(_ ml.Context, shape ...int) ml.Tensor {
	if numel(shape) != len(t.data) {
		panic("cpu: Reshape element count mismatch")
	}
	return &Tensor{data: t.data, shape: append([]int(nil), shape...), label: t.label + ".reshape"}
}

// Permute reorders axes; order[i] names which source axis supplies
// the i-th destination axis, matching the teacher's Permute contract.
func (t *Tensor) Permute(_ ml.Context, order ...int) ml.Tensor {
	if len(order) != len(t.shape) {
		panic("cpu: Permute order length mismatch")
	}
	newShape := make([]int, len(order))
	for i, ax := range order {
		newShape[i] = t.shape[ax]
	}
	srcStrides := stridesOf(t.shape)
	dstStrides := stridesOf(newShape)

	out := newTensor(newShape, t.label+".permute")
	idx := make([]int, len(newShape))
	for i := range out.data {
		rem := i
		for d := 0; d < len(newShape); d++ {
			idx[d] = rem / dstStrides[d]
			rem %= dstStrides[d]
		}
		srcOffset := 0
		for d, ax := range order {
			srcOffset += idx[d] * srcStrides[ax]
		}
		out.data[i] = t.data[srcOffset]
	}
	return out
}

func stridesOf(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

func (t *Tensor) Contiguous(_ ml.Context) ml.Tensor {
	out := newTensor(t.shape, t.label+".contig")
	copy(out.data, t.data)
	return out
}

func (t *Tensor) View(_ ml.Context, offset int, shape ...int) ml.Tensor {
	n := numel(shape)
	return &Tensor{data: t.data[offset : offset+n], shape: append([]int(nil), shape...), label: t.label + ".view"}
}

func (t *Tensor) Concat(_ ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	b := asCPU(t2)
	if dim != len(t.shape)-1 {
		panic("cpu: Concat only supports the last dimension")
	}
	aFeat := t.shape[len(t.shape)-1]
	bFeat := b.shape[len(b.shape)-1]
	rows := numel(t.shape) / aFeat

	newShape := append([]int(nil), t.shape...)
	newShape[len(newShape)-1] = aFeat + bFeat
	out := newTensor(newShape, t.label+".concat")
	for r := 0; r < rows; r++ {
		copy(out.data[r*(aFeat+bFeat):], t.data[r*aFeat:(r+1)*aFeat])
		copy(out.data[r*(aFeat+bFeat)+aFeat:], b.data[r*bFeat:(r+1)*bFeat])
	}
	return out
}

// Rows gathers rows of t by integer indices stored in idx (the
// embedding-table lookup, spec.md §4.10 step 1).
func (t *Tensor) Rows(_ ml.Context, idx ml.Tensor) ml.Tensor {
	ix := asCPU(idx)
	features := t.shape[len(t.shape)-1]
	out := newTensor([]int{len(ix.data), features}, t.label+".rows")
	for i, f := range ix.data {
		row := int(f)
		copy(out.data[i*features:(i+1)*features], t.data[row*features:(row+1)*features])
	}
	return out
}

var _ ml.Tensor = (*Tensor)(nil)
