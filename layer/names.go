package layer

import "fmt"

// names lists the per-layer tensor names the executor resolves through
// weights.Loader, built as "layers.<idx>.<suffix>" so weights.Loader's
// GroupLayers prefix convention (spec.md §4.9) applies uniformly.
type names struct {
	AttnNorm     string
	Q, K, V, O   string
	QNorm, KNorm string
	PostAttnNorm string
	AttnSinks    string

	FFNNorm     string
	Gate, Up, Down string
	Router      string
	RouterBias  string
	PostFFNNorm string
}

func namesForLayer(idx int) names {
	p := func(suffix string) string { return fmt.Sprintf("layers.%d.%s", idx, suffix) }
	return names{
		AttnNorm:     p("attn_norm.weight"),
		Q:            p("attn_q.weight"),
		K:            p("attn_k.weight"),
		V:            p("attn_v.weight"),
		O:            p("attn_output.weight"),
		QNorm:        p("attn_q_norm.weight"),
		KNorm:        p("attn_k_norm.weight"),
		PostAttnNorm: p("post_attention_norm.weight"),
		AttnSinks:    p("attn_sinks.weight"),

		FFNNorm:     p("ffn_norm.weight"),
		Gate:        p("ffn_gate.weight"),
		Up:          p("ffn_up.weight"),
		Down:        p("ffn_down.weight"),
		Router:      p("ffn_gate_inp.weight"),
		RouterBias:  p("ffn_gate_inp.bias"),
		PostFFNNorm: p("post_ffw_norm.weight"),
	}
}

// expertNames is the per-expert FFN tensor naming, one instance per
// (layer, expert) pair, consulted lazily by the MoE path (spec.md §4.9).
func expertNames(idx, expert int) names {
	p := func(suffix string) string { return fmt.Sprintf("layers.%d.experts.%d.%s", idx, expert, suffix) }
	return names{
		Gate: p("ffn_gate.weight"),
		Up:   p("ffn_up.weight"),
		Down: p("ffn_down.weight"),
	}
}
