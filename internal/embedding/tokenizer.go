package embedding

import "github.com/cespare/xxhash/v2"

// BERT special tokens and vocabulary size used by the hashed tokenizer.
const (
	tokenCLS   = 101
	tokenSEP   = 102
	vocabSpace = 30000
)

// Tokenizer produces token IDs for BERT-style models (input_ids, attention_mask, token_type_ids).
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64)
}

// HashTokenizer maps each word to a hashed vocabulary id. It stands in for a WordPiece
// vocabulary when the model directory ships without one.
type HashTokenizer struct{}

// Tokenize produces [CLS] word ids [SEP], padded or truncated to maxTokens.
func (t *HashTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	if maxTokens <= 2 {
		maxTokens = 256
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)
	tokenTypeIDs = make([]int64, maxTokens)

	inputIDs[0] = tokenCLS
	attentionMask[0] = 1

	pos := 1
	for _, word := range Tokens(text) {
		if pos >= maxTokens-1 {
			break
		}
		// Offset past the special-token range so hashed ids never collide with [CLS]/[SEP].
		inputIDs[pos] = int64(xxhash.Sum64String(word)%(vocabSpace-1000)) + 1000
		attentionMask[pos] = 1
		pos++
	}
	inputIDs[pos] = tokenSEP
	attentionMask[pos] = 1
	return inputIDs, attentionMask, tokenTypeIDs
}
