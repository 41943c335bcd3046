// Package manifest implements the on-disk package format described in
// spec.md §3/§4.1/§6.1: a JSON manifest describing architecture,
// quantization, and the tensor-to-shard map, matched by a set of
// fixed-size shard blobs. Parsing uses jsoniter rather than
// encoding/json because manifests for MoE models carry tensor maps
// with thousands of entries and per-layer expert shard maps.
package manifest

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/dreamer-doppler/doppler/dopplererr"
)

// EOSTokenIDs accepts either a scalar or an array for eos_token_id, the
// two shapes observed across model families (spec.md §4.5).
type EOSTokenIDs []int32

func (e *EOSTokenIDs) UnmarshalJSON(data []byte) error {
	var single int32
	if err := json.Unmarshal(data, &single); err == nil {
		*e = []int32{single}
		return nil
	}
	var multi []int32
	if err := json.Unmarshal(data, &multi); err != nil {
		return err
	}
	*e = multi
	return nil
}

// ShardSize is the fixed size of a shard blob. The last shard of a
// model may be shorter.
const ShardSize = 64 * 1024 * 1024

// Quantization identifies the storage dtype of a model's weights.
type Quantization string

const (
	QuantQ4_K_M Quantization = "Q4_K_M"
	QuantMXFP4  Quantization = "MXFP4"
	QuantF16    Quantization = "F16"
	QuantF32    Quantization = "F32"
)

func (q Quantization) valid() bool {
	switch q {
	case QuantQ4_K_M, QuantMXFP4, QuantF16, QuantF32:
		return true
	default:
		return false
	}
}

// HashAlgorithm identifies the digest algorithm used for shard hashes.
type HashAlgorithm string

const (
	HashSHA256  HashAlgorithm = "sha256"
	HashBLAKE2B HashAlgorithm = "blake2b"
)

func (h HashAlgorithm) valid() bool {
	switch h {
	case HashSHA256, HashBLAKE2B:
		return true
	default:
		return false
	}
}

// ArchitectureParams holds the architecture-level scalars a manifest
// may declare. Zero values mean "not declared"; modelconfig.Derive
// fills gaps from tensor shapes per spec.md §4.5.
type ArchitectureParams struct {
	NumLayers        int     `json:"numLayers"`
	HiddenSize       int     `json:"hiddenSize"`
	IntermediateSize int     `json:"intermediateSize"`
	NumHeads         int     `json:"numHeads"`
	NumKVHeads       int     `json:"numKVHeads"`
	HeadDim          int     `json:"headDim"`
	VocabSize        int     `json:"vocabSize"`
	MaxSeqLen        int     `json:"maxSeqLen"`
	RopeTheta        float64 `json:"ropeTheta"`
	RMSNormEps       float64 `json:"rmsNormEps"`
	Activation       string  `json:"activation"`
	RopeScalingType  string  `json:"ropeScalingType"`
	RopeScalingFactor float64 `json:"ropeScalingFactor"`
	SlidingWindow    int     `json:"slidingWindow"`
	// LayerTypes is an optional per-layer attention-type array used by
	// hybrid sliding/full models (e.g. GPT-OSS). "full" or "sliding".
	// Absent means all layers are full attention (spec.md §9 Open Question).
	LayerTypes []string    `json:"layerTypes,omitempty"`
	EOSTokenID EOSTokenIDs `json:"eos_token_id,omitempty"`
}

// MoEConfig describes mixture-of-experts routing parameters.
type MoEConfig struct {
	NumExperts         int `json:"numExperts"`
	NumExpertsPerToken int `json:"numExpertsPerToken"`
	// ExpertShardMap maps "layer/expert" -> tensor name prefix, consulted
	// lazily by the weight loader (spec.md §4.9).
	ExpertShardMap map[string]string `json:"expertShardMap,omitempty"`
}

// ShardDescriptor describes one fixed-size blob on disk.
type ShardDescriptor struct {
	Index    int    `json:"index"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
	Offset   int64  `json:"offset"`
}

// Span is one shard-relative byte range contributing to a multi-shard tensor.
type Span struct {
	ShardIndex int   `json:"shardIndex"`
	Offset     int64 `json:"offset"`
	Size       int64 `json:"size"`
}

// TensorDescriptor locates one tensor's raw bytes, either within a
// single shard or split across spans.
type TensorDescriptor struct {
	Shard  int     `json:"shard,omitempty"`
	Offset int64   `json:"offset,omitempty"`
	Spans  []Span  `json:"spans,omitempty"`
	Size   int64   `json:"size"`
	Shape  []int   `json:"shape"`
	DType  string  `json:"dtype"`
}

// Multishard reports whether this tensor spans more than one shard.
func (t TensorDescriptor) Multishard() bool { return len(t.Spans) > 0 }

// Manifest is the parsed representation of manifest.json.
type Manifest struct {
	Version            int                `json:"version"`
	ModelID            string             `json:"modelId"`
	ModelType          string             `json:"modelType"`
	Architecture       string             `json:"architecture"`
	Quantization       Quantization       `json:"quantization"`
	ArchitectureParams ArchitectureParams `json:"architectureParams"`
	MoEConfig          *MoEConfig         `json:"moeConfig,omitempty"`
	Shards             []ShardDescriptor  `json:"shards"`
	Tensors            map[string]TensorDescriptor `json:"tensors"`
	TotalSize          int64              `json:"totalSize"`
	HashAlgorithm      HashAlgorithm      `json:"hashAlgorithm"`
}

var fastJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Parse decodes and validates a manifest per spec.md §4.1. Shard,
// hash-algorithm, quantization and missing-and-uninferable
// architecture-field violations are reported as dopplererr.KindConfig
// errors; a tensor whose shard index or byte span falls outside the
// declared shards is reported as dopplererr.KindIntegrity.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := fastJSON.Unmarshal(data, &m); err != nil {
		return nil, dopplererr.Wrap(dopplererr.KindConfig, "invalid manifest JSON", err)
	}

	if err := m.validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *Manifest) validate() error {
	if !m.Quantization.valid() {
		return dopplererr.New(dopplererr.KindConfig, "unknown quantization").With("quantization", string(m.Quantization))
	}
	if !m.HashAlgorithm.valid() {
		return dopplererr.New(dopplererr.KindConfig, "unknown hash algorithm").With("hashAlgorithm", string(m.HashAlgorithm))
	}

	var sum int64
	for i, s := range m.Shards {
		if s.Index != i {
			return dopplererr.New(dopplererr.KindConfig, "shard index out of order").With("index", i)
		}
		if s.Size > ShardSize {
			return dopplererr.New(dopplererr.KindConfig, "shard exceeds fixed size").With("index", i).With("size", s.Size)
		}
		if s.Offset != int64(i)*ShardSize {
			return dopplererr.New(dopplererr.KindConfig, "shard offset inconsistent with index").With("index", i)
		}
		sum += s.Size
	}
	if sum != m.TotalSize {
		return dopplererr.New(dopplererr.KindConfig, "sum of shard sizes does not match totalSize").
			With("sum", sum).With("totalSize", m.TotalSize)
	}

	for name, t := range m.Tensors {
		if err := m.validateTensor(name, t); err != nil {
			return err
		}
	}

	p := m.ArchitectureParams
	if p.NumLayers == 0 || p.NumHeads == 0 || p.HeadDim == 0 {
		if !m.canInferCoreDims() {
			return dopplererr.New(dopplererr.KindConfig,
				"numLayers/numHeads/headDim missing and not inferable from tensor shapes")
		}
	}

	return nil
}

func (m *Manifest) validateTensor(name string, t TensorDescriptor) error {
	if t.Multishard() {
		var total int64
		for _, sp := range t.Spans {
			if sp.ShardIndex < 0 || sp.ShardIndex >= len(m.Shards) {
				return dopplererr.New(dopplererr.KindIntegrity, "tensor span references out-of-range shard").
					With("tensor", name).With("shard", sp.ShardIndex)
			}
			if sp.Offset < 0 || sp.Offset+sp.Size > m.Shards[sp.ShardIndex].Size {
				return dopplererr.New(dopplererr.KindIntegrity, "tensor span exceeds shard bounds").
					With("tensor", name).With("shard", sp.ShardIndex)
			}
			total += sp.Size
		}
		if total != t.Size {
			return dopplererr.New(dopplererr.KindIntegrity, "tensor span sizes do not sum to declared size").
				With("tensor", name)
		}
		return nil
	}

	if t.Shard < 0 || t.Shard >= len(m.Shards) {
		return dopplererr.New(dopplererr.KindIntegrity, "tensor references out-of-range shard").
			With("tensor", name).With("shard", t.Shard)
	}
	if t.Offset < 0 || t.Offset+t.Size > m.Shards[t.Shard].Size {
		return dopplererr.New(dopplererr.KindIntegrity, "tensor exceeds shard bounds").With("tensor", name)
	}
	return nil
}

// canInferCoreDims reports whether headDim/numHeads can be recovered
// from Q/K projection tensor shapes, a coarse pre-check; the precise
// inference happens in package modelconfig.
func (m *Manifest) canInferCoreDims() bool {
	for name := range m.Tensors {
		if containsAny(name, "attn_q", "attn_k", "q_proj", "k_proj") {
			return true
		}
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

// ShardURL returns the canonical path of shard i relative to a base URL.
func ShardURL(baseURL string, i int) string {
	return fmt.Sprintf("%s/shard_%05d.bin", trimSlash(baseURL), i)
}

// ManifestURL returns the canonical manifest path relative to a base URL.
func ManifestURL(baseURL string) string {
	return trimSlash(baseURL) + "/manifest.json"
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
