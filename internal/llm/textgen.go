package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TextGenRequest is the body accepted by single-model text generation servers:
// the encoded prompt under "inputs".
type TextGenRequest struct {
	Inputs string `json:"inputs"`
}

// TextGenResponse is the reply of a text generation server.
type TextGenResponse struct {
	Content string `json:"content"`
}

type textGenGenerator struct {
	endpoint string
	client   *http.Client
}

// NewTextGenGenerator returns a backend posting {"inputs": prompt} to endpoint.
func NewTextGenGenerator(endpoint string, client *http.Client) Generator {
	if client == nil {
		client = http.DefaultClient
	}
	return &textGenGenerator{endpoint: strings.TrimRight(endpoint, "/") + "/", client: client}
}

func (g *textGenGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	body, err := json.Marshal(TextGenRequest{Inputs: req.Prompt})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("text generation server unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("text generation server returned status %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var out TextGenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode text generation response: %w", err)
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   out.Content,
		Partial:   false,
		Latency:   time.Since(start),
		TraceID:   req.TraceID,
	})
}
