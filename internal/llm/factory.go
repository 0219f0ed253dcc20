package llm

import (
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-prompt/internal/config"
)

// NewGenerator builds the backend described by a model entry.
func NewGenerator(m config.ModelConfig, cfg config.Config) (Generator, error) {
	switch m.Backend {
	case "mock":
		return NewMockGenerator(), nil
	case "textgen":
		return NewTextGenGenerator(m.Endpoint, nil), nil
	case "ollama":
		return NewOllamaGenerator(m.Endpoint, m.Model), nil
	case "openai":
		return NewOpenAIGenerator(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, m.Model)
	case "exec":
		return NewExecGenerator(m.Command)
	case "local":
		return NewLocalGenerator(m.Path, cfg.Prompt.ContextLength, m.GPULayers)
	}
	return nil, fmt.Errorf("unsupported backend %q for model %q", m.Backend, m.Name)
}

// Registry constructs generators on first use and caches them by model name.
type Registry struct {
	cfg      config.Config
	build    func(config.ModelConfig, config.Config) (Generator, error)
	mu       sync.Mutex
	backends map[string]Generator
}

func NewRegistry(cfg config.Config) *Registry {
	return &Registry{cfg: cfg, build: NewGenerator, backends: make(map[string]Generator)}
}

// Register installs a prebuilt generator for a model name.
func (r *Registry) Register(name string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = g
}

// Get returns the generator for a configured model.
func (r *Registry) Get(name string) (Generator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.backends[name]; ok {
		return g, nil
	}
	m, ok := r.cfg.Model(name)
	if !ok {
		return nil, fmt.Errorf("model %q is not configured", name)
	}
	g, err := r.build(m, r.cfg)
	if err != nil {
		return nil, err
	}
	r.backends[name] = g
	return g, nil
}

// Close releases backends holding native resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, g := range r.backends {
		if c, ok := g.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				return fmt.Errorf("close backend %s: %w", name, err)
			}
		}
	}
	return nil
}
