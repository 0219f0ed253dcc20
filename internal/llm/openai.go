package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	gptLib "github.com/sashabaranov/go-openai"

	"github.com/loqalabs/loqa-prompt/internal/prompt"
)

// openAIGenerator sends the structured conversation to the chat completions
// API. The encoded prompt is only used when no turns are supplied.
type openAIGenerator struct {
	client *gptLib.Client
	model  string
}

func NewOpenAIGenerator(apiKey, baseURL, model string) (Generator, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key not configured")
	}
	cfg := gptLib.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = gptLib.GPT4
	}
	return &openAIGenerator{client: gptLib.NewClientWithConfig(cfg), model: model}, nil
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	messages, err := chatMessages(req)
	if err != nil {
		return err
	}
	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, gptLib.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		return fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return errors.New("openai returned no choices")
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Content:          resp.Choices[0].Message.Content,
		Partial:          false,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}

func chatMessages(req Request) ([]gptLib.ChatCompletionMessage, error) {
	if len(req.Turns) == 0 {
		return []gptLib.ChatCompletionMessage{{Role: gptLib.ChatMessageRoleUser, Content: req.Prompt}}, nil
	}
	out := make([]gptLib.ChatCompletionMessage, 0, len(req.Turns))
	for _, t := range req.Turns {
		var role string
		switch t.Role {
		case prompt.RoleSystem:
			role = gptLib.ChatMessageRoleSystem
		case prompt.RoleUser:
			role = gptLib.ChatMessageRoleUser
		case prompt.RoleAssistant:
			role = gptLib.ChatMessageRoleAssistant
		default:
			return nil, &prompt.UnknownRoleError{Raw: string(t.Role)}
		}
		out = append(out, gptLib.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return out, nil
}
