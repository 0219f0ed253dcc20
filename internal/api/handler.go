package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/loqalabs/loqa-prompt/internal/chat"
	"github.com/loqalabs/loqa-prompt/internal/llm"
	"github.com/loqalabs/loqa-prompt/internal/prompt"
	"github.com/loqalabs/loqa-prompt/internal/protocol"
)

const maxBodyBytes = 1 << 20

const promptSchema = `{
  "type": "object",
  "required": ["turns"],
  "properties": {
    "family": {"type": "string"},
    "turns": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": {"type": "string", "minLength": 1},
          "content": {"type": "string"}
        }
      }
    }
  }
}`

// Handler serves the prompt and chat HTTP API.
type Handler struct {
	chat          *chat.Service
	counter       *prompt.Counter
	defaultFamily string
	schema        *gojsonschema.Schema
	logger        *slog.Logger
}

func NewHandler(svc *chat.Service, counter *prompt.Counter, defaultFamily string, logger *slog.Logger) (*Handler, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(promptSchema))
	if err != nil {
		return nil, fmt.Errorf("compile prompt schema: %w", err)
	}
	return &Handler{
		chat:          svc,
		counter:       counter,
		defaultFamily: defaultFamily,
		schema:        schema,
		logger:        logger.With(slog.String("component", "http-api")),
	}, nil
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/prompt", h.handlePrompt)
	mux.HandleFunc("POST /v1/code", h.handleCode)
	mux.HandleFunc("GET /v1/families", h.handleFamilies)
	mux.HandleFunc("POST /v1/chat", h.handleChat)
	mux.HandleFunc("GET /v1/sessions/{id}", h.handleSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.handleResetSession)
	mux.HandleFunc("POST /generate", h.handleGenerate)
}

type promptRequest struct {
	Family string `json:"family"`
	Turns  []any  `json:"turns"`
}

type promptResponse struct {
	Family string `json:"family"`
	Prompt string `json:"prompt"`
	Tokens int    `json:"tokens"`
}

func (h *Handler) handlePrompt(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := h.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request", "details": details})
		return
	}

	var req promptRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	family := req.Family
	if family == "" {
		family = h.defaultFamily
	}
	policy, err := prompt.LookupPolicy(family)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	text, err := prompt.EncodeRaw(req.Turns, policy)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	tokens, err := h.counter.Count(text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, promptResponse{Family: policy.Family, Prompt: text, Tokens: tokens})
}

type codeRequest struct {
	Problem string `json:"problem"`
}

func (h *Handler) handleCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Problem) == "" {
		writeError(w, http.StatusUnprocessableEntity, prompt.ErrMissingContent)
		return
	}
	text, err := prompt.CodePrompt(req.Problem)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prompt": text})
}

func (h *Handler) handleFamilies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, prompt.Families())
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChatRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.chat.Chat(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	turns, err := h.chat.History(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if turns == nil {
		turns = []prompt.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": turns})
}

func (h *Handler) handleResetSession(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.Reset(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGenerate mirrors a single-model text generation server: the body
// carries an already encoded prompt.
func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req llm.TextGenRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.chat.Generate(r.Context(), req.Inputs)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, llm.TextGenResponse{Content: res.Content})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", slog.String("error", err.Error()), slog.Int("status", status))
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	var (
		roleErr   *prompt.UnknownRoleError
		altErr    *prompt.AlternationError
		familyErr *prompt.UnknownFamilyError
		budgetErr *prompt.BudgetError
	)
	switch {
	case errors.Is(err, chat.ErrUnknownModel):
		return http.StatusNotFound
	case errors.Is(err, prompt.ErrMissingContent),
		errors.Is(err, prompt.ErrIncompleteConversation),
		errors.As(err, &roleErr),
		errors.As(err, &altErr),
		errors.As(err, &familyErr),
		errors.As(err, &budgetErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
