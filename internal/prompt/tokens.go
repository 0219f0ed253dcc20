package prompt

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// Counter estimates prompt sizes. The cl100k_base vocabulary is not the
// SentencePiece vocabulary of the Llama family, so counts are approximate.
type Counter struct {
	codec tokenizer.Codec
}

func NewCounter() (*Counter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Counter{codec: codec}, nil
}

func (c *Counter) Count(text string) (int, error) {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// BudgetError reports a prompt that leaves too little room for generation.
type BudgetError struct {
	PromptTokens  int
	MaxNewTokens  int
	ContextLength int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("prompt of %d tokens plus %d new tokens exceeds context length %d",
		e.PromptTokens, e.MaxNewTokens, e.ContextLength)
}

// CheckBudget counts text and verifies it fits the context window together with
// maxNewTokens. A non-positive contextLength disables the check.
func (c *Counter) CheckBudget(text string, contextLength, maxNewTokens int) (int, error) {
	n, err := c.Count(text)
	if err != nil {
		return 0, err
	}
	if contextLength > 0 && n+maxNewTokens > contextLength {
		return n, &BudgetError{PromptTokens: n, MaxNewTokens: maxNewTokens, ContextLength: contextLength}
	}
	return n, nil
}
