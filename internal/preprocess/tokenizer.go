package preprocess

import (
	"fmt"

	"github.com/daulet/tokenizers"
)

// TokenContextLength is CLIP's fixed text context length (L=77).
const TokenContextLength = 77

// Tokenizer wraps the CLIP byte-pair-encoding tokenizer. Unlike the
// BGE tokenizer this is modeled on, CLIP pads every sequence out to a
// fixed context length with zeros rather than tracking a variable
// attention mask — the text tower always consumes exactly L tokens.
type Tokenizer struct {
	tk *tokenizers.Tokenizer
}

// NewTokenizer loads a HuggingFace-format tokenizer.json describing
// CLIP's BPE vocabulary and merge rules.
func NewTokenizer(tokenizerPath string) (*Tokenizer, error) {
	tk, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("preprocess: load tokenizer: %w", err)
	}
	return &Tokenizer{tk: tk}, nil
}

// Close releases the underlying tokenizer handle.
func (t *Tokenizer) Close() {
	if t.tk != nil {
		t.tk.Close()
	}
}

// Encode tokenizes a single string, truncating to TokenContextLength
// and zero-padding short sequences. The tokenizer's own begin/end
// sentinel tokens are included by add-special-tokens and are preserved
// by truncation, matching CLIP's own preprocessing contract.
func (t *Tokenizer) Encode(text string) []int32 {
	return t.EncodeBatch([]string{text})[0]
}

// EncodeBatch tokenizes a batch of strings into one
// TokenContextLength-long int32 row per string; FlattenTokens packs the
// rows into a single tensor.
func (t *Tokenizer) EncodeBatch(texts []string) [][]int32 {
	out := make([][]int32, len(texts))
	for i, text := range texts {
		enc := t.tk.EncodeWithOptions(text, true)
		ids := enc.IDs
		if len(ids) > TokenContextLength {
			// Cut the body, not the final end-of-text sentinel.
			last := ids[len(ids)-1]
			ids = ids[:TokenContextLength]
			ids[TokenContextLength-1] = last
		}
		row := make([]int32, TokenContextLength)
		for j, id := range ids {
			row[j] = int32(id)
		}
		out[i] = row
	}
	return out
}

// FlattenTokens packs a batch of encoded rows into a single tensor,
// shape {N, TokenContextLength}, the layout encode_text expects.
func FlattenTokens(rows [][]int32) (data []int32, shape [2]int64) {
	n := len(rows)
	shape = [2]int64{int64(n), TokenContextLength}
	data = make([]int32, n*TokenContextLength)
	for i, row := range rows {
		copy(data[i*TokenContextLength:(i+1)*TokenContextLength], row)
	}
	return data, shape
}
