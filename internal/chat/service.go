package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-prompt/internal/config"
	"github.com/loqalabs/loqa-prompt/internal/history"
	"github.com/loqalabs/loqa-prompt/internal/llm"
	"github.com/loqalabs/loqa-prompt/internal/prompt"
	"github.com/loqalabs/loqa-prompt/internal/protocol"
)

// ErrUnknownModel is returned when a request names a model missing from config.
var ErrUnknownModel = errors.New("unknown model")

// Result is the outcome of one chat or code exchange.
type Result struct {
	SessionID        string        `json:"session_id"`
	Model            string        `json:"model"`
	Content          string        `json:"content"`
	Prompt           string        `json:"prompt,omitempty"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Latency          time.Duration `json:"latency"`
}

// Service runs conversations against the configured models and keeps their
// history.
type Service struct {
	cfg      config.Config
	store    *history.Store
	backends *llm.Registry
	counter  *prompt.Counter
	logger   *slog.Logger
	tracer   trace.Tracer
	newID    func() string

	encodes     metric.Int64Counter
	encodeErrs  metric.Int64Counter
	generations metric.Int64Counter
	latency     metric.Float64Histogram

	mu         sync.Mutex
	formatters map[string]prompt.Formatter

	sessions sessionLocks

	// bus wiring, see nats.go
	busState
}

func NewService(cfg config.Config, store *history.Store, backends *llm.Registry, counter *prompt.Counter, logger *slog.Logger) (*Service, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-prompt/internal/chat")
	s := &Service{
		cfg:        cfg,
		store:      store,
		backends:   backends,
		counter:    counter,
		logger:     logger.With(slog.String("component", "chat-service")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-prompt/internal/chat"),
		newID:      uuid.NewString,
		formatters: make(map[string]prompt.Formatter),
		sessions:   sessionLocks{locks: make(map[string]*sessionLock)},
	}
	var err error
	if s.encodes, err = meter.Int64Counter("prompt.encode.total", metric.WithDescription("Prompts encoded")); err != nil {
		return nil, err
	}
	if s.encodeErrs, err = meter.Int64Counter("prompt.encode.errors", metric.WithDescription("Prompt encoding failures")); err != nil {
		return nil, err
	}
	if s.generations, err = meter.Int64Counter("llm.generate.total", metric.WithDescription("Model generations")); err != nil {
		return nil, err
	}
	if s.latency, err = meter.Float64Histogram("llm.generate.latency_ms", metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return s, nil
}

// Chat appends req.Input to the session, encodes the whole conversation for
// the selected model and stores the model's reply.
func (s *Service) Chat(ctx context.Context, req protocol.ChatRequest) (Result, error) {
	if strings.TrimSpace(req.Input) == "" {
		return Result{}, prompt.ErrMissingContent
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = s.newID()
	}
	modelName := req.Model
	if modelName == "" {
		modelName = s.cfg.Chat.DefaultModel
	}
	model, ok := s.cfg.Model(modelName)
	if !ok {
		return Result{}, fmt.Errorf("%w %q", ErrUnknownModel, modelName)
	}

	ctx, span := s.tracer.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("model", model.Name),
	))
	defer span.End()

	unlock := s.sessions.lock(sessionID)
	defer unlock()

	past, err := s.loadHistory(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}

	var added []prompt.Turn
	if len(past) == 0 {
		system := req.System
		if system == "" {
			system = s.cfg.Chat.SystemPrompt
		}
		if system != "" {
			added = append(added, prompt.Turn{Role: prompt.RoleSystem, Content: system})
		}
	}
	added = append(added, prompt.Turn{Role: prompt.RoleUser, Content: req.Input})
	conversation := append(past, added...)

	genReq := llm.OptionsFromConfig(s.cfg.Prompt, model.Name)
	genReq.SessionID = sessionID
	genReq.TraceID = req.TraceID
	if model.Backend == "openai" {
		genReq.Turns = conversation
	} else {
		text, tokens, err := s.encode(ctx, model, conversation)
		if err != nil {
			span.RecordError(err)
			return Result{}, err
		}
		genReq.Prompt = text
		span.SetAttributes(attribute.Int("prompt.tokens", tokens))
	}

	completion, err := s.generate(ctx, model, genReq)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	reply := prompt.Turn{Role: prompt.RoleAssistant, Content: strings.TrimSpace(completion.Content)}

	if err := s.store.AppendSession(ctx, sessionID, model.Name); err != nil {
		return Result{}, fmt.Errorf("store session: %w", err)
	}
	if err := s.store.AppendTurns(ctx, sessionID, append(added, reply)...); err != nil {
		return Result{}, fmt.Errorf("store turns: %w", err)
	}

	return Result{
		SessionID:        sessionID,
		Model:            model.Name,
		Content:          reply.Content,
		Prompt:           genReq.Prompt,
		PromptTokens:     completion.PromptTokens,
		CompletionTokens: completion.CompletionTokens,
		Latency:          completion.Latency,
	}, nil
}

// Code renders the code-task prompt for req.Problem and sends it to the code
// model. Earlier exchanges are stored for display only and are not part of
// the prompt.
func (s *Service) Code(ctx context.Context, req protocol.CodeRequest) (Result, error) {
	if strings.TrimSpace(req.Problem) == "" {
		return Result{}, prompt.ErrMissingContent
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = s.newID()
	}
	model, ok := s.cfg.Model(s.cfg.Chat.CodeModel)
	if !ok {
		return Result{}, fmt.Errorf("%w %q", ErrUnknownModel, s.cfg.Chat.CodeModel)
	}

	ctx, span := s.tracer.Start(ctx, "chat.code", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("model", model.Name),
	))
	defer span.End()

	unlock := s.sessions.lock(sessionID)
	defer unlock()

	text, err := prompt.CodePrompt(req.Problem)
	s.encodes.Add(ctx, 1, metric.WithAttributes(attribute.String("family", "code")))
	if err != nil {
		s.encodeErrs.Add(ctx, 1, metric.WithAttributes(attribute.String("family", "code")))
		return Result{}, fmt.Errorf("encode prompt: %w", err)
	}
	if _, err := s.counter.CheckBudget(text, s.cfg.Prompt.ContextLength, s.cfg.Prompt.MaxNewTokens); err != nil {
		return Result{}, err
	}

	genReq := llm.OptionsFromConfig(s.cfg.Prompt, model.Name)
	genReq.SessionID = sessionID
	genReq.TraceID = req.TraceID
	genReq.Prompt = text
	completion, err := s.generate(ctx, model, genReq)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	content := strings.TrimSpace(completion.Content)

	if err := s.store.AppendSession(ctx, sessionID, model.Name); err != nil {
		return Result{}, fmt.Errorf("store session: %w", err)
	}
	if err := s.store.AppendTurns(ctx, sessionID,
		prompt.Turn{Role: prompt.RoleUser, Content: req.Problem},
		prompt.Turn{Role: prompt.RoleAssistant, Content: content},
	); err != nil {
		return Result{}, fmt.Errorf("store turns: %w", err)
	}

	return Result{
		SessionID:        sessionID,
		Model:            model.Name,
		Content:          content,
		Prompt:           text,
		PromptTokens:     completion.PromptTokens,
		CompletionTokens: completion.CompletionTokens,
		Latency:          completion.Latency,
	}, nil
}

// Reset forgets a conversation.
func (s *Service) Reset(ctx context.Context, sessionID string) error {
	return s.store.Clear(ctx, sessionID)
}

// History returns the stored turns of a conversation.
func (s *Service) History(ctx context.Context, sessionID string) ([]prompt.Turn, error) {
	return s.store.Turns(ctx, sessionID, 0)
}

// Generate sends an already encoded prompt to the default model, bypassing
// history.
func (s *Service) Generate(ctx context.Context, text string) (Result, error) {
	model, ok := s.cfg.Model(s.cfg.Chat.DefaultModel)
	if !ok {
		return Result{}, fmt.Errorf("%w %q", ErrUnknownModel, s.cfg.Chat.DefaultModel)
	}
	genReq := llm.OptionsFromConfig(s.cfg.Prompt, model.Name)
	genReq.Prompt = text
	completion, err := s.generate(ctx, model, genReq)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Model:            model.Name,
		Content:          completion.Content,
		PromptTokens:     completion.PromptTokens,
		CompletionTokens: completion.CompletionTokens,
		Latency:          completion.Latency,
	}, nil
}

func (s *Service) encode(ctx context.Context, model config.ModelConfig, turns []prompt.Turn) (string, int, error) {
	family := attribute.String("family", familyLabel(model))
	s.encodes.Add(ctx, 1, metric.WithAttributes(family))

	f, err := s.formatter(model)
	if err != nil {
		s.encodeErrs.Add(ctx, 1, metric.WithAttributes(family))
		return "", 0, err
	}
	text, err := f.Format(turns)
	if err != nil {
		s.encodeErrs.Add(ctx, 1, metric.WithAttributes(family))
		return "", 0, fmt.Errorf("encode prompt: %w", err)
	}
	tokens, err := s.counter.CheckBudget(text, s.cfg.Prompt.ContextLength, s.cfg.Prompt.MaxNewTokens)
	if err != nil {
		return "", tokens, err
	}
	return text, tokens, nil
}

func (s *Service) generate(ctx context.Context, model config.ModelConfig, req llm.Request) (llm.Completion, error) {
	gen, err := s.backends.Get(model.Name)
	if err != nil {
		return llm.Completion{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.Chat.RequestTimeoutMS)*time.Millisecond)
	defer cancel()

	attrs := metric.WithAttributes(attribute.String("model", model.Name), attribute.String("backend", model.Backend))
	s.generations.Add(ctx, 1, attrs)
	start := time.Now()
	completion, err := llm.Collect(ctx, gen, req)
	s.latency.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	if err != nil {
		s.logger.Warn("llm generation failed", slog.String("model", model.Name), slogError(err))
		return llm.Completion{}, fmt.Errorf("generate with %s: %w", model.Name, err)
	}
	s.logger.Info("llm generation complete",
		slog.String("model", model.Name),
		slog.String("session_id", req.SessionID),
		slog.Duration("latency", time.Since(start)))
	return completion, nil
}

// formatter returns the prompt formatter of a model, compiling custom
// templates once.
func (s *Service) formatter(model config.ModelConfig) (prompt.Formatter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.formatters[model.Name]; ok {
		return f, nil
	}
	var policy prompt.Policy
	if model.Family != "" {
		p, err := prompt.LookupPolicy(model.Family)
		if err != nil {
			return nil, err
		}
		policy = p
	}
	var f prompt.Formatter = prompt.NewEncoder(policy)
	if model.Template != "" {
		tf, err := prompt.NewTemplateFormatter(model.Template, policy)
		if err != nil {
			return nil, err
		}
		f = tf
	}
	s.formatters[model.Name] = f
	return f, nil
}

// loadHistory returns the recent turns of a session. When the stored tail no
// longer reaches back to the session's system turn, that turn is put back in
// front so the session keeps its system prompt.
func (s *Service) loadHistory(ctx context.Context, sessionID string) ([]prompt.Turn, error) {
	past, err := s.store.Turns(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(past) > 0 && past[0].Role != prompt.RoleSystem {
		system, ok, err := s.store.SystemTurn(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load system turn: %w", err)
		}
		if ok {
			past = append([]prompt.Turn{system}, past...)
		}
	}
	return alignHistory(past), nil
}

// alignHistory drops turns left dangling when the stored history was cut to
// its most recent entries, so that the conversation still opens with an
// optional system turn followed by a user turn.
func alignHistory(turns []prompt.Turn) []prompt.Turn {
	var system []prompt.Turn
	rest := turns
	if len(rest) > 0 && rest[0].Role == prompt.RoleSystem {
		system, rest = rest[:1], rest[1:]
	}
	for len(rest) > 0 && rest[0].Role != prompt.RoleUser {
		rest = rest[1:]
	}
	return append(append([]prompt.Turn(nil), system...), rest...)
}

func familyLabel(m config.ModelConfig) string {
	if m.Family != "" {
		return m.Family
	}
	return "template"
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// sessionLocks serializes exchanges on the same session so that concurrent
// requests cannot interleave their history reads and writes.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func (l *sessionLocks) lock(id string) func() {
	l.mu.Lock()
	sl, ok := l.locks[id]
	if !ok {
		sl = &sessionLock{}
		l.locks[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
