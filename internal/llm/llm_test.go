package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-prompt/internal/config"
	"github.com/loqalabs/loqa-prompt/internal/prompt"
)

func TestTextGenGenerator(t *testing.T) {
	var got TextGenRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(TextGenResponse{Content: "pong"})
	}))
	defer srv.Close()

	g := NewTextGenGenerator(srv.URL, srv.Client())
	out, err := Collect(context.Background(), g, Request{Prompt: "<s>[INST] ping [/INST]"})
	require.NoError(t, err)
	assert.Equal(t, "pong", out.Content)
	assert.Equal(t, "<s>[INST] ping [/INST]", got.Inputs)
}

func TestTextGenGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := Collect(context.Background(), NewTextGenGenerator(srv.URL, nil), Request{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestOllamaGeneratorUsesRawMode(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		enc := json.NewEncoder(w)
		_ = enc.Encode(ollamaStreamResponse{Response: "Hel"})
		_ = enc.Encode(ollamaStreamResponse{Response: "lo", Done: true, EvalCount: 2, PromptEvalCount: 7})
	}))
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL+"/", "mistral:instruct")
	var partials int
	err := g.Generate(context.Background(), Request{Prompt: "p", MaxTokens: 16}, func(c Chunk) error {
		if c.Partial {
			partials++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, partials)
	assert.True(t, got.Raw)
	assert.Equal(t, "mistral:instruct", got.Model)
	assert.Equal(t, 16, got.Options.NumPredict)

	out, err := Collect(context.Background(), g, Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "Hello", out.Content)
	assert.Equal(t, 7, out.PromptTokens)
	assert.Equal(t, 2, out.CompletionTokens)
}

func TestOpenAIGeneratorSendsTurns(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`))
	}))
	defer srv.Close()

	g, err := NewOpenAIGenerator("sk-test", srv.URL+"/v1", "gpt-4-0613")
	require.NoError(t, err)
	out, err := Collect(context.Background(), g, Request{Turns: []prompt.Turn{
		{Role: prompt.RoleSystem, Content: "S"},
		{Role: prompt.RoleUser, Content: "hello"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "hi there", out.Content)
	assert.Equal(t, 5, out.PromptTokens)
	assert.Equal(t, "gpt-4-0613", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "hello", got.Messages[1].Content)
}

func TestOpenAIGeneratorRequiresKey(t *testing.T) {
	_, err := NewOpenAIGenerator("", "", "")
	assert.Error(t, err)
}

func TestExecGenerator(t *testing.T) {
	g, err := NewExecGenerator(`sh -c 'cat >/dev/null; echo "{\"content\":\"from exec\",\"completion_tokens\":3}"'`)
	require.NoError(t, err)
	out, err := Collect(context.Background(), g, Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "from exec", out.Content)
	assert.Equal(t, 3, out.CompletionTokens)

	_, err = NewExecGenerator("   ")
	assert.Error(t, err)
}

func TestMockGeneratorHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Collect(ctx, NewMockGenerator(), Request{Prompt: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistryBuildsOnce(t *testing.T) {
	cfg := config.Default()
	cfg.Models = []config.ModelConfig{{Name: "fake", Family: "llama2", Backend: "mock"}}
	r := NewRegistry(cfg)
	builds := 0
	r.build = func(m config.ModelConfig, c config.Config) (Generator, error) {
		builds++
		return NewGenerator(m, c)
	}

	first, err := r.Get("fake")
	require.NoError(t, err)
	second, err := r.Get("fake")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, builds)

	_, err = r.Get("missing")
	assert.Error(t, err)
	require.NoError(t, r.Close())
}
