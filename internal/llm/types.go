package llm

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-prompt/internal/config"
	"github.com/loqalabs/loqa-prompt/internal/prompt"
)

// Request describes a language model prompt. Prompt carries the encoded wire
// prompt for completion backends; Turns carries the conversation for backends
// that accept structured chat messages.
type Request struct {
	SessionID         string
	Model             string
	Prompt            string
	Turns             []prompt.Turn
	MaxTokens         int
	Temperature       float64
	RepetitionPenalty float64
	TraceID           string
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// Completion is the accumulated result of a generation.
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Collect runs a generation and concatenates every chunk.
func Collect(ctx context.Context, g Generator, req Request) (Completion, error) {
	var b strings.Builder
	var out Completion
	err := g.Generate(ctx, req, func(c Chunk) error {
		b.WriteString(c.Content)
		if c.PromptTokens > 0 {
			out.PromptTokens = c.PromptTokens
		}
		if c.CompletionTokens > 0 {
			out.CompletionTokens = c.CompletionTokens
		}
		out.Latency = c.Latency
		return nil
	})
	out.Content = b.String()
	return out, err
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.PromptConfig, model string) Request {
	return Request{
		Model:             model,
		MaxTokens:         cfg.MaxNewTokens,
		Temperature:       cfg.Temperature,
		RepetitionPenalty: cfg.RepetitionPenalty,
	}
}
