// Package ml defines the device-agnostic tensor/context/backend
// abstraction the rest of the engine programs against (spec.md §4.6,
// §4.7, §4.10). Grounded on the teacher's ml package (Backend,
// Context, Tensor interfaces in ml/backend.go and ml/context.go),
// narrowed to the operation set the spec's quantized transformer
// executor actually needs: matmul, norm, rope, attention, gating,
// softmax/top-k, and the buffer-pool/command-recorder contracts of
// spec.md §4.6. A concrete CPU backend lives in ml/cpu.
package ml

// DType identifies a tensor's element storage format.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeQ4KM
	DTypeMXFP4
	DTypeI32
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeQ4KM:
		return "q4_k_m"
	case DTypeMXFP4:
		return "mxfp4"
	case DTypeI32:
		return "i32"
	default:
		return "other"
	}
}

// BufferUsage tags what a pooled buffer is used for (spec.md §4.6). The
// pool records it on the buffer; its size-class buckets do not depend
// on it.
type BufferUsage int

const (
	UsageStorage BufferUsage = iota
	UsageUniform
	UsageStaging
)
