// Package utils provides small shared helpers for the skein runtime.
package utils

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token counts per model. A tiktoken encoding is
// used when one is available for the model; otherwise counting falls
// back to the ceil(len/4)+1 heuristic.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	// Encodings are expensive to build; cache per model.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// NewTokenCounter creates a counter for the given model. It never
// fails: models without a known encoding use the heuristic fallback.
func NewTokenCounter(model string) *TokenCounter {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if cached, ok := encodingCache[model]; ok {
		return &TokenCounter{encoding: cached, model: model}
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err == nil {
		encodingCache[model] = encoding
		return &TokenCounter{encoding: encoding, model: model}
	}
	return &TokenCounter{model: model}
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return Estimate(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// Estimate is the tokenizer-free heuristic: ceil(len/4) + 1.
func Estimate(text string) int {
	return (len(text)+3)/4 + 1
}
