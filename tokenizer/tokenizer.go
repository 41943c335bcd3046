// Package tokenizer defines the adapter contract spec.md §4.12 item 13
// names: "treated as a contract — a reference implementation is not
// part of this spec." We still ship one concrete implementation, a
// byte-level BPE tokenizer reading the vocab/merges bundle the manifest
// carries (spec.md §6.1's optional tokenizer.json), grounded on the
// teacher's vocab.json+merges.txt GPT-style loader
// (x/imagegen/tokenizer/loader_vocab.go, bpe.go) adapted from a
// standalone CLI loader to the manifest-bundle contract this engine
// uses, and from Go's regexp to dlclark/regexp2 for the pretokenizer
// split pattern, which needs a negative lookahead regexp cannot express
// (SPEC_FULL.md table B).
package tokenizer

import (
	"encoding/json"

	"github.com/dreamer-doppler/doppler/dopplererr"
)

// Tokenizer is the contract the pipeline drives: turn text into token
// ids for prefill, and turn generated ids back into text for streaming
// to the caller.
type Tokenizer interface {
	Encode(text string) ([]int32, error)
	Decode(ids []int32) (string, error)
	BOS() int32
	StopTokens() []int32
}

// bundle is the on-disk JSON shape of the tokenizer bytes stored
// alongside a manifest (spec.md §6.1's optional tokenizer.json).
type bundle struct {
	Vocab       map[string]int32 `json:"vocab"`
	Merges      []string         `json:"merges"`
	AddedTokens map[string]int32 `json:"addedTokens,omitempty"`
	BOSTokenID  int32            `json:"bosTokenId"`
	EOSTokenIDs []int32          `json:"eosTokenIds"`
}

// Load parses a tokenizer bundle loaded from store.Store.LoadTokenizer
// into a ready-to-use BPE Tokenizer.
func Load(data []byte) (Tokenizer, error) {
	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, dopplererr.Wrap(dopplererr.KindConfig, "invalid tokenizer bundle", err)
	}
	if len(b.Vocab) == 0 {
		return nil, dopplererr.New(dopplererr.KindConfig, "tokenizer bundle has empty vocabulary")
	}
	return newBPE(b)
}
