package protocol

import "time"

// ChatRequest asks the chat service for the next assistant turn of a session.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Input     string `json:"input"`
	System    string `json:"system,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// CodeRequest asks the code assistant to solve a programming problem.
type CodeRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Problem   string `json:"problem"`
	TraceID   string `json:"trace_id,omitempty"`
}

// ChatResponse is the reply to either request kind. Error is set instead of
// Content when the request failed.
type ChatResponse struct {
	SessionID        string    `json:"session_id"`
	Model            string    `json:"model,omitempty"`
	Content          string    `json:"content,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	LatencyMS        int64     `json:"latency_ms,omitempty"`
	TraceID          string    `json:"trace_id,omitempty"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

const (
	SubjectChatRequest  = "chat.request"
	SubjectCodeRequest  = "chat.code.request"
	SubjectChatResponse = "chat.response"
)
