package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-prompt/internal/bus"
	"github.com/loqalabs/loqa-prompt/internal/protocol"
)

type busState struct {
	bus    *bus.Client
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool

	// closing is guarded by inflight so that no request is admitted once
	// Close has started waiting.
	inflight sync.Mutex
	closing  bool
}

// Start subscribes the service to chat requests on the bus. Each request is
// answered on its reply subject and broadcast on chat.response.
func (s *Service) Start(parent context.Context, client *bus.Client) error {
	s.bus = client
	s.ctx, s.cancel = context.WithCancel(parent)

	handlers := map[string]nats.MsgHandler{
		protocol.SubjectChatRequest: s.handleChat,
		protocol.SubjectCodeRequest: s.handleCode,
	}
	for subject, handler := range handlers {
		sub, err := client.Conn().Subscribe(subject, handler)
		if err != nil {
			s.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.ready.Store(true)
	return nil
}

// Close stops accepting bus requests and waits for in-flight ones.
func (s *Service) Close() {
	s.ready.Store(false)
	s.inflight.Lock()
	s.closing = true
	s.inflight.Unlock()

	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Healthy reports whether the bus subscriptions are active. A service that
// was never attached to a bus is always healthy.
func (s *Service) Healthy() bool {
	return s.bus == nil || s.ready.Load()
}

func (s *Service) handleChat(msg *nats.Msg) {
	var req protocol.ChatRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode chat request", slogError(err))
		s.reply(msg, errorResponse("", "", fmt.Errorf("decode chat request: %w", err)))
		return
	}
	s.dispatch(msg, req.SessionID, req.TraceID, func(ctx context.Context) (Result, error) {
		return s.Chat(ctx, req)
	})
}

func (s *Service) handleCode(msg *nats.Msg) {
	var req protocol.CodeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode code request", slogError(err))
		s.reply(msg, errorResponse("", "", fmt.Errorf("decode code request: %w", err)))
		return
	}
	s.dispatch(msg, req.SessionID, req.TraceID, func(ctx context.Context) (Result, error) {
		return s.Code(ctx, req)
	})
}

func (s *Service) dispatch(msg *nats.Msg, sessionID, traceID string, run func(context.Context) (Result, error)) {
	s.inflight.Lock()
	if s.closing {
		s.inflight.Unlock()
		s.reply(msg, errorResponse(sessionID, traceID, errShuttingDown))
		return
	}
	s.wg.Add(1)
	s.inflight.Unlock()

	go func() {
		defer s.wg.Done()
		res, err := run(s.ctx)
		resp := protocol.ChatResponse{
			SessionID:        res.SessionID,
			Model:            res.Model,
			Content:          res.Content,
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
			LatencyMS:        res.Latency.Milliseconds(),
			TraceID:          traceID,
			Timestamp:        time.Now().UTC(),
		}
		if err != nil {
			s.logger.Warn("chat request failed", slog.String("session_id", sessionID), slogError(err))
			resp.SessionID = sessionID
			resp.Error = err.Error()
		}
		s.publish(msg, resp)
	}()
}

func (s *Service) publish(msg *nats.Msg, resp protocol.ChatResponse) {
	s.reply(msg, resp)
	if err := s.bus.PublishJSON(protocol.SubjectChatResponse, resp); err != nil {
		s.logger.Warn("failed to publish chat response", slogError(err))
	}
}

var errShuttingDown = errors.New("chat service is shutting down")

// reply answers a request-reply message; fire-and-forget messages are skipped.
func (s *Service) reply(msg *nats.Msg, resp protocol.ChatResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to encode chat response", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to reply to chat request", slogError(err))
	}
}

func errorResponse(sessionID, traceID string, err error) protocol.ChatResponse {
	return protocol.ChatResponse{
		SessionID: sessionID,
		TraceID:   traceID,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	}
}
