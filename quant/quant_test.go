package quant

import (
	"math"
	"math/rand"
	"testing"

	"github.com/x448/float16"
	"github.com/stretchr/testify/require"
)

// buildQ4KMBlock packs 256 synthetic values through the same bit layout
// DequantizeQ4KMBlock reads, so we can round-trip without needing a real
// quantizer (quantization itself is out of scope; the engine only reads).
func buildQ4KMBlock(d, dmin float32, scales, mins [8]uint8, codes [256]uint8) []byte {
	block := make([]byte, Q4KMBlockBytes)
	dbits := float16.Fromfloat32(d).Bits()
	dminbits := float16.Fromfloat32(dmin).Bits()
	block[0] = byte(dbits)
	block[1] = byte(dbits >> 8)
	block[2] = byte(dminbits)
	block[3] = byte(dminbits >> 8)

	packed := block[4:16]
	for j := 0; j < 4; j++ {
		packed[j] = scales[j] & 63
		packed[j+4] = mins[j] & 63
	}
	for j := 4; j < 8; j++ {
		packed[j+4] = (scales[j] & 0xF) | ((mins[j] & 0xF) << 4)
		packed[j-4] |= (scales[j] >> 4) << 6
		packed[j] |= (mins[j] >> 4) << 6
	}

	qs := block[16:144]
	for sub := 0; sub < 8; sub += 2 {
		for l := 0; l < 32; l++ {
			lo := codes[sub*32+l] & 0xF
			hi := codes[(sub+1)*32+l] & 0xF
			qs[(sub/2)*32+l] = lo | (hi << 4)
		}
	}
	return block
}

func TestDequantizeQ4KMBlockShapeAndRange(t *testing.T) {
	var scales, mins [8]uint8
	var codes [256]uint8
	rng := rand.New(rand.NewSource(1))
	for i := range scales {
		scales[i] = uint8(rng.Intn(64))
		mins[i] = uint8(rng.Intn(64))
	}
	for i := range codes {
		codes[i] = uint8(rng.Intn(16))
	}

	block := buildQ4KMBlock(2.0, 0.5, scales, mins, codes)
	out := make([]float32, Q4KMBlockSize)
	require.NoError(t, DequantizeQ4KMBlock(block, out))

	for _, v := range out {
		require.False(t, math.IsNaN(float64(v)))
		require.False(t, math.IsInf(float64(v), 0))
	}
}

func TestDequantizeQ4KMTruncatedErrors(t *testing.T) {
	_, err := DequantizeQ4KM(make([]byte, 10), 256)
	require.Error(t, err)
}

func TestDequantizeMXFP4BlockZeroScale(t *testing.T) {
	block := make([]byte, MXFP4BlockBytes)
	block[0] = 127 // scale = 2^0 = 1
	for i := range block[1:] {
		block[1+i] = 0x21 // codes 1 and 2 -> 0.5 and 1.0
	}
	out := make([]float32, MXFP4BlockSize)
	require.NoError(t, DequantizeMXFP4Block(block, out))
	require.Equal(t, float32(0.5), out[0])
	require.Equal(t, float32(1), out[1])
}

func TestDequantizeF16RoundTrip(t *testing.T) {
	values := []float32{0, 1, -1, 0.5, 3.25, -100}
	raw := EncodeF16(values)
	out, err := DequantizeF16(raw, len(values))
	require.NoError(t, err)
	for i, v := range values {
		require.InDelta(t, v, out[i], 1e-3)
	}
}

func TestDequantizeF16TruncatedErrors(t *testing.T) {
	_, err := DequantizeF16(make([]byte, 2), 5)
	require.Error(t, err)
}

func TestDequantizeF32RoundTrip(t *testing.T) {
	values := []float32{0, 1, -1, 0.5, 3.25, -100}
	raw := make([]byte, len(values)*4)
	for i, v := range values {
		bits := math.Float32bits(v)
		raw[i*4] = byte(bits)
		raw[i*4+1] = byte(bits >> 8)
		raw[i*4+2] = byte(bits >> 16)
		raw[i*4+3] = byte(bits >> 24)
	}
	out, err := DequantizeF32(raw, len(values))
	require.NoError(t, err)
	require.Equal(t, values, out)
}
