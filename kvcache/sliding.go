package kvcache

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/smallnest/ringbuffer"

	"github.com/dreamer-doppler/doppler/dopplererr"
	"github.com/dreamer-doppler/doppler/ml"
)

// SlidingWindow is the ring-buffer KV-cache variant of spec.md §4.8:
// each layer keeps only the last windowSize tokens. writePos = startPos
// mod windowSize; a write spanning the wrap point is split into two
// copies. Observable seqLen is min(windowSize, totalTokensSeen).
//
// The correctness-critical ring arithmetic is a flat []float32 the
// package indexes directly (spec.md's "ring buffer" here means
// wraparound *position* semantics, not a byte-stream abstraction).
// Alongside it, each layer keeps a github.com/smallnest/ringbuffer
// byte ring recording the window's most recent bytes on every update;
// it is a write-mostly audit trail used only by Snapshot (for
// best-effort rollback diagnostics), never on the read path that
// attention depends on, so an unexpected ring-library write failure
// (ring momentarily full between resets) degrades the snapshot, not
// correctness.
type SlidingWindow struct {
	cfg        Config
	windowSize int

	mu               sync.Mutex
	keys             [][]float32 // per layer, flat [windowSize*rowWidth]
	values           [][]float32
	totalTokensSeen  int
	auditRings       []*ringbuffer.RingBuffer
}

// NewSlidingWindow allocates a SlidingWindow cache for cfg with the
// given window size.
func NewSlidingWindow(cfg Config, windowSize int) *SlidingWindow {
	rowWidth := cfg.rowWidth()
	keys := make([][]float32, cfg.NumLayers)
	values := make([][]float32, cfg.NumLayers)
	rings := make([]*ringbuffer.RingBuffer, cfg.NumLayers)
	for i := range keys {
		keys[i] = make([]float32, windowSize*rowWidth)
		values[i] = make([]float32, windowSize*rowWidth)
		rings[i] = ringbuffer.New(windowSize * rowWidth * 4)
	}
	return &SlidingWindow{
		cfg:        cfg,
		windowSize: windowSize,
		keys:       keys,
		values:     values,
		auditRings: rings,
	}
}

func (s *SlidingWindow) Update(layer int, keys, values ml.Tensor, startPos int) error {
	return s.UpdateFromGPU(layer, keys, values, startPos, keys.Shape()[0])
}

func (s *SlidingWindow) UpdateFromGPU(layer int, keys, values ml.Tensor, startPos, numTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keys.DType() != values.DType() {
		return dopplererr.New(dopplererr.KindDtypeMismatch, "key/value dtype mismatch").With("layer", layer)
	}

	rowWidth := s.cfg.rowWidth()
	kSrc := keys.Floats()
	vSrc := values.Floats()
	if len(kSrc) != numTokens*rowWidth {
		return dopplererr.New(dopplererr.KindDtypeMismatch, "key row width mismatch with cache layout").With("layer", layer)
	}

	// Of a write longer than the window, only its last windowSize rows
	// can survive, so the leading rows are dropped before copying.
	if numTokens > s.windowSize {
		skip := numTokens - s.windowSize
		kSrc = kSrc[skip*rowWidth:]
		vSrc = vSrc[skip*rowWidth:]
		startPos += skip
		numTokens = s.windowSize
	}

	writePos := startPos % s.windowSize
	if writePos+numTokens <= s.windowSize {
		copy(s.keys[layer][writePos*rowWidth:], kSrc)
		copy(s.values[layer][writePos*rowWidth:], vSrc)
	} else {
		firstLen := s.windowSize - writePos
		copy(s.keys[layer][writePos*rowWidth:], kSrc[:firstLen*rowWidth])
		copy(s.keys[layer][:], kSrc[firstLen*rowWidth:])
		copy(s.values[layer][writePos*rowWidth:], vSrc[:firstLen*rowWidth])
		copy(s.values[layer][:], vSrc[firstLen*rowWidth:])
	}

	s.recordAudit(layer, kSrc, vSrc)

	if layer == 0 {
		s.totalTokensSeen = max(s.totalTokensSeen, startPos+numTokens)
	}
	return nil
}

// recordAudit appends the freshly written rows' bytes to layer's audit
// ring, resetting it first whenever its free space is smaller than this
// write's bytes; see the SlidingWindow doc comment.
func (s *SlidingWindow) recordAudit(layer int, kSrc, vSrc []float32) {
	rb := s.auditRings[layer]
	buf := make([]byte, (len(kSrc)+len(vSrc))*4)
	for i, f := range kSrc {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	base := len(kSrc) * 4
	for i, f := range vSrc {
		binary.LittleEndian.PutUint32(buf[base+i*4:], math.Float32bits(f))
	}
	if rb.Free() < len(buf) {
		rb.Reset()
	}
	rb.Write(buf)
}

// Snapshot returns the raw bytes of layer's most recent audit trail,
// a best-effort diagnostic of what was last written into the window
// (SPEC_FULL.md §C.2's rollback supplement); not used by Get.
func (s *SlidingWindow) Snapshot(layer int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.auditRings[layer].Bytes()...)
}

func (s *SlidingWindow) Get(ctx ml.Context, layer int) (ml.Tensor, ml.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rowWidth := s.cfg.rowWidth()
	n := s.SeqLenLocked()
	if s.totalTokensSeen <= s.windowSize {
		k := append([]float32(nil), s.keys[layer][:n*rowWidth]...)
		v := append([]float32(nil), s.values[layer][:n*rowWidth]...)
		return ctx.FromFloats(k, n, rowWidth), ctx.FromFloats(v, n, rowWidth), nil
	}

	// Window has wrapped: oldest row lives at totalTokensSeen % windowSize.
	start := s.totalTokensSeen % s.windowSize
	k := make([]float32, n*rowWidth)
	v := make([]float32, n*rowWidth)
	copy(k, s.keys[layer][start*rowWidth:])
	copy(k[(s.windowSize-start)*rowWidth:], s.keys[layer][:start*rowWidth])
	copy(v, s.values[layer][start*rowWidth:])
	copy(v[(s.windowSize-start)*rowWidth:], s.values[layer][:start*rowWidth])
	return ctx.FromFloats(k, n, rowWidth), ctx.FromFloats(v, n, rowWidth), nil
}

func (s *SlidingWindow) SeqLenLocked() int {
	return min(s.windowSize, s.totalTokensSeen)
}

func (s *SlidingWindow) SeqLen(layer int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SeqLenLocked()
}

// TotalTokensSeen reports the cumulative token count ever written,
// independent of the window (spec.md §3's KV-cache layer shape).
func (s *SlidingWindow) TotalTokensSeen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalTokensSeen
}

func (s *SlidingWindow) Truncate(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < s.totalTokensSeen {
		s.totalTokensSeen = n
	}
	return nil
}

func (s *SlidingWindow) Close() {}

var _ Cache = (*SlidingWindow)(nil)
