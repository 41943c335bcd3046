package pipeline

import (
	"context"

	"github.com/dreamer-doppler/doppler/dopplererr"
	"github.com/dreamer-doppler/doppler/sampler"
)

// GenerateOptions configures pipeline.generate (spec.md §6.2).
type GenerateOptions struct {
	MaxTokens         int
	Temperature       float64
	TopK              int
	TopP              float64
	RepetitionPenalty float64
	StopTokens        []int32
}

// Token is one element of the stream generate produces: either a
// successfully sampled token id, or a terminal error.
type Token struct {
	ID  int32
	Err error
}

// Generate produces a lazy, single-consumer, non-restartable stream of
// tokens (spec.md §4.11): tokenize -> prefill -> sampler -> loop decode
// until a stop token, maxTokens, or ctx cancellation. Cancellation is
// checked between decode steps only, never mid-kernel.
func (p *Pipeline) Generate(ctx context.Context, prompt string, opts GenerateOptions) (<-chan Token, error) {
	if p.tok == nil {
		return nil, dopplererr.New(dopplererr.KindConfig, "pipeline has no tokenizer loaded")
	}
	tokenIds, err := p.tok.Encode(prompt)
	if err != nil {
		return nil, err
	}

	out := make(chan Token)
	go p.runGenerate(ctx, tokenIds, opts, out)
	return out, nil
}

func (p *Pipeline) runGenerate(ctx context.Context, tokenIds []int32, opts GenerateOptions, out chan<- Token) {
	defer close(out)

	stopTokens := opts.StopTokens
	if len(stopTokens) == 0 {
		stopTokens = p.tok.StopTokens()
	}

	logits, err := p.Prefill(tokenIds, nil)
	if err != nil {
		out <- Token{Err: err}
		return
	}

	history := append([]int32(nil), tokenIds...)
	sampleOpts := sampler.Options{
		Temperature:       opts.Temperature,
		TopK:              opts.TopK,
		TopP:              opts.TopP,
		RepetitionPenalty: opts.RepetitionPenalty,
	}

	produced := 0
	for {
		sampleOpts.PreviousTokens = history
		tok, _, err := sampler.Sample(logits, sampleOpts, p.rng)
		if err != nil {
			out <- Token{Err: err}
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		out <- Token{ID: tok}
		history = append(history, tok)
		produced++

		if isStopToken(tok, stopTokens) {
			return
		}
		if opts.MaxTokens > 0 && produced >= opts.MaxTokens {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		logits, err = p.Decode(tok)
		if err != nil {
			if dopplererr.Is(err, dopplererr.KindCacheOverflow) {
				return
			}
			out <- Token{Err: err}
			return
		}
	}
}

func isStopToken(tok int32, stopTokens []int32) bool {
	for _, s := range stopTokens {
		if s == tok {
			return true
		}
	}
	return false
}
