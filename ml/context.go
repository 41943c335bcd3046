package ml

import "context"

// Tensor is a device-resident multi-dimensional array. Every
// transformation method takes the owning Context explicitly, the same
// calling convention the teacher's ml.Tensor uses, so a single tensor
// value is never tied to an implicit global context.
type Tensor interface {
	Shape() []int
	DType() DType
	Label() string

	Bytes() []byte
	Floats() []float32

	Add(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor

	Matmul(ctx Context, t2 Tensor, transposeB bool) Tensor

	RMSNorm(ctx Context, weight Tensor, eps float32, gemmaSandwich bool) Tensor
	Softmax(ctx Context) Tensor
	TopK(ctx Context, k int) (values, indices Tensor)

	SILU(ctx Context) Tensor
	GELU(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, order ...int) Tensor
	Contiguous(ctx Context) Tensor
	View(ctx Context, offset int, shape ...int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor

	// Rows gathers rows of this tensor by integer index tensor idx,
	// the embedding-table lookup primitive (spec.md §4.10 step 1).
	Rows(ctx Context, idx Tensor) Tensor

	// RoPE returns a copy of this tensor with rotary position embedding
	// applied over the head dimension, given one position per row
	// (spec.md §4.10 step 3).
	RoPE(ctx Context, positions Tensor, headDim int, theta float64, mode RopeMode, scalingFactor float64) Tensor

	// Attention computes fused scaled-dot-product attention of this
	// tensor (queries, shape [tokens, numHeads*headDim]) against key
	// and value (shape [ctxLen, numKVHeads*headDim]), applying the
	// masking pattern variant selects and optional attention sinks
	// (spec.md §4.10 step 5). startPos is the absolute sequence
	// position of query row 0 (0 during prefill, currentSeqLen during
	// decode); the causal and sliding-window masks compare key
	// positions against startPos+row, not against the row index alone,
	// since key/value may carry the full accumulated cache history
	// while this tensor carries only the current call's query batch
	// (spec.md §4.7: "offset by an absolute startPos").
	Attention(ctx Context, key, value Tensor, numHeads, numKVHeads, headDim int, variant AttentionVariant, slidingWindow int, sinks Tensor, startPos int) Tensor
}

// Context is a scoped tensor-creation and dispatch surface, one per
// forward pass or per layer (spec.md §4.6's "recorder" maps onto the
// concrete backend's Context implementation).
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	// CreateUniformBuffer records a transient uniform buffer whose
	// lifetime ends at the next Submit (spec.md §4.6).
	CreateUniformBuffer(bytes int, label string) Tensor

	// Submit flushes all dispatches recorded since the last Submit (or
	// context creation) as a single queue submission. Calling Submit or
	// Abort twice is an error (spec.md §4.6 "double-submit is an error").
	Submit(ctx context.Context) error
	Abort() error

	Close()
}

// RopeMode distinguishes the standard rotary embedding from the YaRN
// context-extension variant (spec.md §4.10 step 3).
type RopeMode int

const (
	RopeStandard RopeMode = iota
	RopeYARN
)

// AttentionVariant selects the masking pattern for fused attention
// (spec.md §4.10 step 5): causal, sliding-window, or attention sinks.
type AttentionVariant int

const (
	AttentionCausal AttentionVariant = iota
	AttentionSlidingWindow
	AttentionSinks
)
