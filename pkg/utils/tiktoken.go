// Package utils provides tiktoken-based token counting and budget trimming.
package utils

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts tokens with the cl100k (GPT-4) encoding. Every supported
// provider is approximated with the same encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

var (
	sharedOnce    sync.Once
	sharedCounter *TokenCounter
)

// NewTokenCounter creates a counter backed by the GPT-4 codec.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// SharedCounter returns a process-wide counter. If the codec cannot be loaded
// it returns a counter that estimates 4 characters per token.
func SharedCounter() *TokenCounter {
	sharedOnce.Do(func() {
		counter, err := NewTokenCounter()
		if err != nil {
			counter = &TokenCounter{}
		}
		sharedCounter = counter
	})
	return sharedCounter
}

// CountTokens returns the number of tokens in text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CountTokensSimple counts with the shared counter.
func CountTokensSimple(text string) int {
	return SharedCounter().CountTokens(text)
}

// TruncateToTokenLimit keeps the head of text within limit tokens. The cut is
// proportional by characters, so it lands near but not exactly on a token boundary.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	cut, ok := tc.cutLength(text, limit)
	if !ok {
		return text
	}
	return text[:cut] + "\n...[truncated]"
}

// TruncateTail keeps the end of text within limit tokens. Test output carries
// its failure summary at the end, so this is the variant used for diagnostics.
func (tc *TokenCounter) TruncateTail(text string, limit int) string {
	cut, ok := tc.cutLength(text, limit)
	if !ok {
		return text
	}
	return "[truncated]...\n" + text[len(text)-cut:]
}

func (tc *TokenCounter) cutLength(text string, limit int) (int, bool) {
	if limit <= 0 {
		return 0, text != ""
	}
	current := tc.CountTokens(text)
	if current <= limit {
		return 0, false
	}
	ratio := float64(limit) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return 0, false
	}
	return charLimit, true
}
