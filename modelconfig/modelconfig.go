// Package modelconfig derives the normalized inference configuration
// from a manifest.Manifest, filling gaps the manifest leaves partial
// from tensor shapes per spec.md §4.5. Grounded on the teacher's
// model.Config/ggml.KV inference helpers (e.g. fs/ggml/ggml.go's
// headCount/headCountKV lookups and the "guess from tensor shape"
// fallbacks model/models registers per architecture).
package modelconfig

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/dreamer-doppler/doppler/dopplererr"
	"github.com/dreamer-doppler/doppler/manifest"
)

var (
	gemmaRe  = regexp.MustCompile(`(?i)gemma`)
	gemma3Re = regexp.MustCompile(`(?i)gemma.?3`)
)

// candidateHeadDims are tried, in order, when a manifest declares
// neither headDim nor a q_norm weight (spec.md §4.5).
var candidateHeadDims = []int{256, 128, 96, 80, 64, 160}

// ArchVariant tags the architecture-specific strategy the layer
// executor dispatches on (spec.md §9's "replace isGemma/isGptOss
// booleans with a tagged variant").
type ArchVariant int

const (
	ArchDense ArchVariant = iota
	ArchGemma
	ArchMixtralMoE
	ArchGptOssMoE
)

func (v ArchVariant) String() string {
	switch v {
	case ArchGemma:
		return "gemma"
	case ArchMixtralMoE:
		return "mixtral-moe"
	case ArchGptOssMoE:
		return "gptoss-moe"
	default:
		return "dense"
	}
}

// AttentionType distinguishes a layer's masking pattern, used by
// hybrid sliding/full models (spec.md §9 Open Question on layerTypes).
type AttentionType int

const (
	AttentionFull AttentionType = iota
	AttentionSliding
)

// Config is the normalized, fully-resolved inference configuration a
// pipeline is built from.
type Config struct {
	Architecture string
	Variant      ArchVariant
	GemmaVersion int // 1, 2, or 3; 0 if not a Gemma model

	NumLayers        int
	HiddenSize       int
	IntermediateSize int
	NumHeads         int
	NumKVHeads       int
	HeadDim          int
	VocabSize        int
	MaxSeqLen        int

	RopeTheta         float64
	RopeScalingType   string
	RopeScalingFactor float64

	RMSNormEps float32
	Activation string // "silu" | "gelu"

	ScaleEmbeddings       bool // Gemma-3: multiply embedding output by sqrt(hiddenSize)
	RMSNormWeightOffset   bool // Gemma: (1+w) instead of w
	SandwichNorm          bool // Gemma-3: post-attn/post-ffn norm before residual add

	SlidingWindow int
	// LayerAttention is per-layer attention type; nil means every
	// layer is full attention (spec.md §9: "absent" treated as "all
	// full attention"); Derive logs a warning when the manifest declares
	// a sliding window without layer types.
	LayerAttention []AttentionType

	TieWordEmbeddings bool

	MoE *MoEConfig

	StopTokens []int32
}

// MoEConfig is the resolved mixture-of-experts routing configuration.
type MoEConfig struct {
	NumExperts         int
	NumExpertsPerToken int
	RouterHasBias      bool
	ExpertShardMap     map[string]string
}

// Derive builds a Config from a parsed manifest, inferring any field
// the manifest leaves at its zero value per spec.md §4.5. The
// tokenizer's vocabulary size is not an input: VocabSize comes from the
// manifest field and the embedding/lm_head tensor shapes only.
func Derive(m *manifest.Manifest) (*Config, error) {
	p := m.ArchitectureParams

	isGemma := gemmaRe.MatchString(m.Architecture) || gemmaRe.MatchString(m.ModelType)
	isGemma3 := gemma3Re.MatchString(m.Architecture) || gemma3Re.MatchString(m.ModelType)

	c := &Config{
		Architecture:     m.Architecture,
		NumLayers:        p.NumLayers,
		HiddenSize:       p.HiddenSize,
		IntermediateSize: p.IntermediateSize,
		NumHeads:         p.NumHeads,
		NumKVHeads:       p.NumKVHeads,
		HeadDim:          p.HeadDim,
		VocabSize:        p.VocabSize,
		MaxSeqLen:        p.MaxSeqLen,
		RopeTheta:        p.RopeTheta,
		RopeScalingType:  p.RopeScalingType,
		RopeScalingFactor: p.RopeScalingFactor,
		SlidingWindow:    p.SlidingWindow,
	}

	if c.NumKVHeads == 0 {
		c.NumKVHeads = c.NumHeads
	}

	if err := c.inferHeadDim(m); err != nil {
		return nil, err
	}

	c.VocabSize = inferVocabSize(m, c.VocabSize)
	if c.VocabSize <= 1000 {
		return nil, dopplererr.New(dopplererr.KindConfig, "vocabSize could not be resolved above the minimum threshold").
			With("vocabSize", c.VocabSize)
	}

	c.Activation = normalizeActivation(p.Activation)

	if isGemma {
		c.Variant = ArchGemma
		c.RMSNormWeightOffset = true
		c.GemmaVersion = 2
		if isGemma3 {
			c.GemmaVersion = 3
			c.ScaleEmbeddings = true
			c.SandwichNorm = true
			c.Activation = "gelu"
		}
	}

	if m.MoEConfig != nil {
		c.MoE = &MoEConfig{
			NumExperts:         m.MoEConfig.NumExperts,
			NumExpertsPerToken: m.MoEConfig.NumExpertsPerToken,
			ExpertShardMap:     m.MoEConfig.ExpertShardMap,
		}
		if strings.Contains(strings.ToLower(m.Architecture), "gptoss") || strings.Contains(strings.ToLower(m.Architecture), "gpt-oss") {
			c.Variant = ArchGptOssMoE
			c.MoE.RouterHasBias = true
			c.RopeScalingType = "yarn"
			if c.RopeScalingFactor == 0 {
				c.RopeScalingFactor = 32
			}
		} else {
			c.Variant = ArchMixtralMoE
		}
	}

	if c.RMSNormEps == 0 {
		if isGemma {
			c.RMSNormEps = 1e-6
		} else {
			c.RMSNormEps = 1e-5
		}
	} else {
		c.RMSNormEps = float32(p.RMSNormEps)
	}
	if p.RMSNormEps != 0 {
		c.RMSNormEps = float32(p.RMSNormEps)
	}

	if c.RopeTheta == 0 {
		if isGemma {
			c.RopeTheta = 1_000_000
		} else {
			c.RopeTheta = 10_000
		}
	}

	c.LayerAttention = inferLayerAttention(p.LayerTypes, c.NumLayers)
	if c.LayerAttention == nil && p.SlidingWindow > 0 {
		slog.Warn("manifest declares a sliding window but no per-layer layerTypes array; treating every layer as full attention", "slidingWindow", p.SlidingWindow)
	}

	c.StopTokens = inferStopTokens(p.EOSTokenID, isGemma)

	if c.NumLayers == 0 || c.NumHeads == 0 || c.HeadDim == 0 {
		return nil, dopplererr.New(dopplererr.KindConfig, "core architecture dimensions unresolved")
	}

	return c, nil
}

// inferHeadDim implements spec.md §4.5's headDim inference cascade.
func (c *Config) inferHeadDim(m *manifest.Manifest) error {
	if c.HeadDim != 0 {
		return nil
	}

	if t, ok := findQNormTensor(m); ok {
		c.HeadDim = t.Shape[len(t.Shape)-1]
		return nil
	}

	qOut, kOut, ok := findQKOutDims(m)
	if ok {
		best := 0
		for _, d := range candidateHeadDims {
			if d <= 0 || qOut%d != 0 || kOut%d != 0 {
				continue
			}
			nH := qOut / d
			nKV := kOut / d
			if nH < 1 || nKV < 1 || nH < nKV {
				continue
			}
			if d > best {
				best = d
			}
		}
		if best > 0 {
			c.HeadDim = best
			if c.NumHeads == 0 {
				c.NumHeads = qOut / best
			}
			if c.NumKVHeads == 0 {
				c.NumKVHeads = kOut / best
			}
			return nil
		}
	}

	if c.HiddenSize > 0 {
		c.HeadDim = c.HiddenSize / 32
		return nil
	}

	return dopplererr.New(dopplererr.KindConfig, "unable to infer headDim")
}

func findQNormTensor(m *manifest.Manifest) (manifest.TensorDescriptor, bool) {
	for name, t := range m.Tensors {
		if strings.Contains(name, "q_norm") {
			return t, true
		}
	}
	return manifest.TensorDescriptor{}, false
}

func findQKOutDims(m *manifest.Manifest) (qOut, kOut int, ok bool) {
	for name, t := range m.Tensors {
		if len(t.Shape) == 0 {
			continue
		}
		out := t.Shape[0]
		switch {
		case strings.Contains(name, "attn_q.weight"), strings.Contains(name, "q_proj.weight"):
			qOut = out
		case strings.Contains(name, "attn_k.weight"), strings.Contains(name, "k_proj.weight"):
			kOut = out
		}
	}
	return qOut, kOut, qOut > 0 && kOut > 0
}

// inferVocabSize takes the max of the manifest field, the tokenizer's
// reported vocab (not modeled as an input here; callers with a loaded
// tokenizer should compare separately), and embedding/lm_head tensor
// shapes (spec.md §4.5).
func inferVocabSize(m *manifest.Manifest, declared int) int {
	best := declared
	for name, t := range m.Tensors {
		if !strings.Contains(name, "embed") && !strings.Contains(name, "lm_head") && !strings.Contains(name, "output.weight") {
			continue
		}
		for _, d := range t.Shape {
			if d > best {
				best = d
			}
		}
	}
	return best
}

func normalizeActivation(raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "gelu"):
		return "gelu"
	case strings.Contains(lower, "silu"), strings.Contains(lower, "swish"):
		return "silu"
	default:
		return "silu"
	}
}

func inferLayerAttention(layerTypes []string, numLayers int) []AttentionType {
	if len(layerTypes) == 0 {
		return nil
	}
	out := make([]AttentionType, numLayers)
	for i := range out {
		if i < len(layerTypes) && layerTypes[i] == "sliding" {
			out[i] = AttentionSliding
		} else {
			out[i] = AttentionFull
		}
	}
	return out
}

func inferStopTokens(declared manifest.EOSTokenIDs, isGemma bool) []int32 {
	if len(declared) > 0 {
		return declared
	}
	if isGemma {
		return []int32{1, 106}
	}
	return nil
}
