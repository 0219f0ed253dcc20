//go:build llama

package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"
)

// localGenerator runs a GGUF model in process. A single model instance serves
// all requests, one at a time.
type localGenerator struct {
	mu    sync.Mutex
	model *llama.LLama
}

func NewLocalGenerator(path string, contextLength, gpuLayers int) (Generator, error) {
	model, err := llama.New(path, llama.SetContext(contextLength), llama.SetGPULayers(gpuLayers))
	if err != nil {
		return nil, fmt.Errorf("load local model: %w", err)
	}
	return &localGenerator{model: model}, nil
}

func (g *localGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	start := time.Now()
	var consumerErr error
	_, err := g.model.Predict(req.Prompt,
		llama.SetTokens(req.MaxTokens),
		llama.SetTemperature(float32(req.Temperature)),
		llama.SetPenalty(float32(req.RepetitionPenalty)),
		llama.SetTokenCallback(func(token string) bool {
			if ctx.Err() != nil {
				return false
			}
			consumerErr = consumer(Chunk{
				SessionID: req.SessionID,
				Content:   token,
				Partial:   true,
				Latency:   time.Since(start),
				TraceID:   req.TraceID,
			})
			return consumerErr == nil
		}),
	)
	if err != nil {
		return fmt.Errorf("local prediction failed: %w", err)
	}
	if consumerErr != nil {
		return consumerErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Partial:   false,
		Latency:   time.Since(start),
		TraceID:   req.TraceID,
	})
}

func (g *localGenerator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.model.Free()
	return nil
}
