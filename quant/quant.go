// Package quant implements the bit-exact block layouts for Q4_K_M and
// MXFP4 weight storage described in spec.md §3/§6.4, and dequantizes
// them to float32. These are read-only: the engine accepts these
// dtypes on disk and weights.Loader dequantizes each tensor to float32
// when it loads it; nothing is requantized.
package quant

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"

	"github.com/dreamer-doppler/doppler/dopplererr"
)

// Q4KMBlockSize is the number of elements packed into one Q4_K_M super-block.
const Q4KMBlockSize = 256

// Q4KMBlockBytes is the on-disk size of one Q4_K_M super-block.
const Q4KMBlockBytes = 144

const (
	q4kmSubBlockSize  = 32
	q4kmNumSubBlocks  = Q4KMBlockSize / q4kmSubBlockSize // 8
	q4kmScalesBytes   = 12
	q4kmQuantsBytes   = 128
)

// getScaleMinK4 unpacks the 6-bit scale and min codes for sub-block j
// (0..7) from the 12-byte packed scales array, following the same bit
// layout as the reference Q4_K super-block encoding.
func getScaleMinK4(j int, q []byte) (scale, min uint8) {
	if j < 4 {
		scale = q[j] & 63
		min = q[j+4] & 63
	} else {
		scale = (q[j+4] & 0xF) | ((q[j-4] >> 6) << 4)
		min = (q[j+4] >> 4) | ((q[j] >> 6) << 4)
	}
	return
}

// DequantizeQ4KMBlock decodes one 144-byte super-block into 256 float32s.
func DequantizeQ4KMBlock(block []byte, out []float32) error {
	if len(block) < Q4KMBlockBytes {
		return dopplererr.New(dopplererr.KindIntegrity, "Q4_K_M block truncated")
	}
	if len(out) < Q4KMBlockSize {
		return dopplererr.New(dopplererr.KindConfig, "Q4_K_M output buffer too small")
	}

	d := float16.Frombits(binary.LittleEndian.Uint16(block[0:2])).Float32()
	dmin := float16.Frombits(binary.LittleEndian.Uint16(block[2:4])).Float32()
	scalesPacked := block[4 : 4+q4kmScalesBytes]
	qs := block[4+q4kmScalesBytes : 4+q4kmScalesBytes+q4kmQuantsBytes]

	oi := 0
	qoff := 0
	for half := 0; half < q4kmNumSubBlocks; half += 2 {
		sc1, m1 := getScaleMinK4(half, scalesPacked)
		sc2, m2 := getScaleMinK4(half+1, scalesPacked)

		scale1 := d * float32(sc1)
		minOff1 := -(dmin * float32(m1))
		scale2 := d * float32(sc2)
		minOff2 := -(dmin * float32(m2))

		q := qs[qoff : qoff+q4kmSubBlockSize]
		for l := 0; l < q4kmSubBlockSize; l++ {
			out[oi] = scale1*float32(q[l]&0xF) + minOff1
			oi++
		}
		for l := 0; l < q4kmSubBlockSize; l++ {
			out[oi] = scale2*float32(q[l]>>4) + minOff2
			oi++
		}
		qoff += q4kmSubBlockSize
	}

	return nil
}

// DequantizeQ4KM dequantizes a tensor's worth of Q4_K_M-packed bytes.
// n is the logical element count; data must hold ceil(n/256) blocks.
func DequantizeQ4KM(data []byte, n int) ([]float32, error) {
	numBlocks := (n + Q4KMBlockSize - 1) / Q4KMBlockSize
	if len(data) < numBlocks*Q4KMBlockBytes {
		return nil, dopplererr.New(dopplererr.KindIntegrity, "Q4_K_M tensor truncated")
	}

	out := make([]float32, numBlocks*Q4KMBlockSize)
	scratch := make([]float32, Q4KMBlockSize)
	for b := 0; b < numBlocks; b++ {
		if err := DequantizeQ4KMBlock(data[b*Q4KMBlockBytes:(b+1)*Q4KMBlockBytes], scratch); err != nil {
			return nil, err
		}
		copy(out[b*Q4KMBlockSize:], scratch)
	}
	return out[:n], nil
}

// MXFP4BlockSize is the number of elements in one MXFP4 micro-block.
const MXFP4BlockSize = 32

// MXFP4BlockBytes is the on-disk size of one MXFP4 micro-block: one
// shared E8M0 exponent-scale byte plus 16 bytes of packed 4-bit
// mantissa codes (two 4-bit E2M1 codes per byte).
const MXFP4BlockBytes = 1 + MXFP4BlockSize/2

// mxfp4Values is the OCP MX E2M1 element lookup table indexed by the
// raw 4-bit code (sign in bit 3, magnitude in bits 2:0).
var mxfp4Values = [16]float32{
	0, 0.5, 1, 1.5, 2, 3, 4, 6,
	-0, -0.5, -1, -1.5, -2, -3, -4, -6,
}

// DequantizeMXFP4Block decodes one 17-byte micro-block into 32 float32s.
func DequantizeMXFP4Block(block []byte, out []float32) error {
	if len(block) < MXFP4BlockBytes {
		return dopplererr.New(dopplererr.KindIntegrity, "MXFP4 block truncated")
	}
	if len(out) < MXFP4BlockSize {
		return dopplererr.New(dopplererr.KindConfig, "MXFP4 output buffer too small")
	}

	// E8M0: unsigned power-of-two exponent, bias 127.
	scale := exp2(int(block[0]) - 127)

	qs := block[1:MXFP4BlockBytes]
	for i := 0; i < MXFP4BlockSize/2; i++ {
		lo := qs[i] & 0xF
		hi := qs[i] >> 4
		out[2*i] = scale * mxfp4Values[lo]
		out[2*i+1] = scale * mxfp4Values[hi]
	}
	return nil
}

// DequantizeMXFP4 dequantizes a tensor's worth of MXFP4-packed bytes.
func DequantizeMXFP4(data []byte, n int) ([]float32, error) {
	numBlocks := (n + MXFP4BlockSize - 1) / MXFP4BlockSize
	if len(data) < numBlocks*MXFP4BlockBytes {
		return nil, dopplererr.New(dopplererr.KindIntegrity, "MXFP4 tensor truncated")
	}

	out := make([]float32, numBlocks*MXFP4BlockSize)
	scratch := make([]float32, MXFP4BlockSize)
	for b := 0; b < numBlocks; b++ {
		if err := DequantizeMXFP4Block(data[b*MXFP4BlockBytes:(b+1)*MXFP4BlockBytes], scratch); err != nil {
			return nil, err
		}
		copy(out[b*MXFP4BlockSize:], scratch)
	}
	return out[:n], nil
}

func exp2(e int) float32 {
	// Computes 2^e by repeated doubling or halving; e = 128 (scale byte
	// 255) overflows to +Inf.
	if e >= 0 {
		v := float32(1)
		for i := 0; i < e; i++ {
			v *= 2
		}
		return v
	}
	v := float32(1)
	for i := 0; i < -e; i++ {
		v /= 2
	}
	return v
}

// DequantizeF16 converts a raw F16 byte buffer to float32.
func DequantizeF16(data []byte, n int) ([]float32, error) {
	if len(data) < n*2 {
		return nil, dopplererr.New(dopplererr.KindIntegrity, "F16 tensor truncated")
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint16(data[i*2 : i*2+2])
		out[i] = float16.Frombits(bits).Float32()
	}
	return out, nil
}

// EncodeF16 converts float32 values to a raw F16 byte buffer, used by
// the debug shadow path and by tests constructing synthetic tensors.
func EncodeF16(values []float32) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		bits := float16.Fromfloat32(v).Bits()
		binary.LittleEndian.PutUint16(out[i*2:], bits)
	}
	return out
}

// DequantizeF32 reads a raw little-endian F32 byte buffer; present for
// uniformity with the other storage dtypes even though no conversion
// is needed.
func DequantizeF32(data []byte, n int) ([]float32, error) {
	if len(data) < n*4 {
		return nil, dopplererr.New(dopplererr.KindIntegrity, "F32 tensor truncated")
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}
