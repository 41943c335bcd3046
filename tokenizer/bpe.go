package tokenizer

import (
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/dreamer-doppler/doppler/dopplererr"
)

// splitPattern is GPT-2's pretokenizer regex; the trailing
// `\s+(?!\S)` alternative needs a negative lookahead, which the
// standard library's regexp (RE2) cannot express, hence regexp2
// (SPEC_FULL.md table B).
const splitPattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// BPE is a byte-level byte-pair-encoding tokenizer, the GPT-2/GPT-style
// scheme the teacher's x/imagegen/tokenizer package loads from
// vocab.json + merges.txt.
type BPE struct {
	vocab      map[string]int32
	ids        map[int32]string
	mergeRank  map[string]int
	splitter   *regexp2.Regexp
	bos        int32
	stopTokens []int32

	byteToRune [256]rune
	runeToByte map[rune]byte
}

func newBPE(b bundle) (*BPE, error) {
	t := &BPE{
		vocab:      make(map[string]int32, len(b.Vocab)),
		ids:        make(map[int32]string, len(b.Vocab)),
		mergeRank:  make(map[string]int, len(b.Merges)),
		splitter:   regexp2.MustCompile(splitPattern, regexp2.None),
		bos:        b.BOSTokenID,
		stopTokens: b.EOSTokenIDs,
		runeToByte: make(map[rune]byte, 256),
	}
	buildByteMap(&t.byteToRune, t.runeToByte)

	for tok, id := range b.Vocab {
		t.vocab[tok] = id
		t.ids[id] = tok
	}
	for tok, id := range b.AddedTokens {
		t.vocab[tok] = id
		t.ids[id] = tok
	}
	for rank, line := range b.Merges {
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		t.mergeRank[parts[0]+" "+parts[1]] = rank
	}
	return t, nil
}

func (t *BPE) BOS() int32          { return t.bos }
func (t *BPE) StopTokens() []int32 { return t.stopTokens }

// Encode byte-level-encodes text, splits it with the GPT-2 pretokenizer
// pattern, then BPE-merges each chunk independently (teacher:
// encodeChunkInto/encodeBPEMerge).
func (t *BPE) Encode(text string) ([]int32, error) {
	var ids []int32
	m, err := t.splitter.FindStringMatch(text)
	if err != nil {
		return nil, dopplererr.Wrap(dopplererr.KindConfig, "tokenizer pretokenize failed", err)
	}
	for m != nil {
		ids = t.encodeChunk(m.String(), ids)
		m, err = t.splitter.FindNextMatch(m)
		if err != nil {
			return nil, dopplererr.Wrap(dopplererr.KindConfig, "tokenizer pretokenize failed", err)
		}
	}
	return ids, nil
}

func (t *BPE) encodeChunk(chunk string, ids []int32) []int32 {
	if chunk == "" {
		return ids
	}

	var sb strings.Builder
	sb.Grow(len(chunk) * 2)
	for i := 0; i < len(chunk); i++ {
		sb.WriteRune(t.byteToRune[chunk[i]])
	}
	encoded := sb.String()

	if id, ok := t.vocab[encoded]; ok {
		return append(ids, id)
	}
	return t.mergeBPE(encoded, ids)
}

func (t *BPE) mergeBPE(encoded string, ids []int32) []int32 {
	runes := []rune(encoded)
	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = string(r)
	}

	for len(parts) > 1 {
		minRank := int(^uint(0) >> 1)
		minIdx := -1
		for i := 0; i < len(parts)-1; i++ {
			key := parts[i] + " " + parts[i+1]
			if rank, ok := t.mergeRank[key]; ok && rank < minRank {
				minRank, minIdx = rank, i
			}
		}
		if minIdx < 0 {
			break
		}
		parts[minIdx] += parts[minIdx+1]
		parts = append(parts[:minIdx+1], parts[minIdx+2:]...)
	}

	for _, part := range parts {
		if id, ok := t.vocab[part]; ok {
			ids = append(ids, id)
			continue
		}
		for _, r := range part {
			if id, ok := t.vocab[string(r)]; ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Decode reconstructs text from token ids by reversing the byte-level
// encoding applied during Encode.
func (t *BPE) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		piece, ok := t.ids[id]
		if !ok {
			continue
		}
		for _, r := range piece {
			b, ok := t.runeToByte[r]
			if !ok {
				sb.WriteRune(r)
				continue
			}
			sb.WriteByte(b)
		}
	}
	return sb.String(), nil
}

// buildByteMap constructs GPT-2's reversible byte<->unicode mapping:
// printable Latin-1 bytes map to themselves, the rest get shifted into
// the private-use-adjacent range starting at 256, so every byte value
// round-trips through a single visible rune.
func buildByteMap(byteToRune *[256]rune, runeToByte map[rune]byte) {
	printable := map[byte]bool{}
	for b := int('!'); b <= int('~'); b++ {
		printable[byte(b)] = true
	}
	for b := int('¡'); b <= int('¬'); b++ {
		printable[byte(b)] = true
	}
	for b := int('®'); b <= int('ÿ'); b++ {
		printable[byte(b)] = true
	}

	next := rune(256)
	for b := 0; b < 256; b++ {
		if printable[byte(b)] {
			byteToRune[b] = rune(b)
		} else {
			byteToRune[b] = next
			next++
		}
		runeToByte[byteToRune[b]] = byte(b)
	}
}

var _ Tokenizer = (*BPE)(nil)
