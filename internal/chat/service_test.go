package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-prompt/internal/bus"
	"github.com/loqalabs/loqa-prompt/internal/config"
	"github.com/loqalabs/loqa-prompt/internal/history"
	"github.com/loqalabs/loqa-prompt/internal/llm"
	"github.com/loqalabs/loqa-prompt/internal/natsserver"
	"github.com/loqalabs/loqa-prompt/internal/prompt"
	"github.com/loqalabs/loqa-prompt/internal/protocol"
)

type recordingGenerator struct {
	mu    sync.Mutex
	reply string
	err   error
	delay time.Duration
	reqs  []llm.Request
}

func (g *recordingGenerator) Generate(_ context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
	time.Sleep(g.delay)
	if g.err != nil {
		return g.err
	}
	return consumer(llm.Chunk{SessionID: req.SessionID, Content: g.reply, CompletionTokens: 3})
}

func (g *recordingGenerator) last() llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reqs[len(g.reqs)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.History.RetentionMode = "ephemeral"
	cfg.Chat.SystemPrompt = "Be brief."
	cfg.Models = []config.ModelConfig{
		{Name: "llama-2", Family: "llama2", Backend: "mock"},
		{Name: "codellama", Family: "codellama", Backend: "mock"},
		{Name: "mistral", Family: "mistral", Backend: "mock"},
		{Name: "chatml", Backend: "mock", Template: prompt.ChatMLTemplate},
		{Name: "gpt", Backend: "openai"},
	}
	return cfg
}

func newTestService(t *testing.T, cfg config.Config) (*Service, map[string]*recordingGenerator) {
	t.Helper()
	store, err := history.Open(context.Background(), cfg.History, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	counter, err := prompt.NewCounter()
	require.NoError(t, err)

	registry := llm.NewRegistry(cfg)
	gens := make(map[string]*recordingGenerator)
	for _, m := range cfg.Models {
		g := &recordingGenerator{reply: " reply from " + m.Name + " "}
		gens[m.Name] = g
		registry.Register(m.Name, g)
	}

	svc, err := NewService(cfg, store, registry, counter, testLogger())
	require.NoError(t, err)
	ids := 0
	svc.newID = func() string {
		ids++
		return "session-" + string(rune('0'+ids))
	}
	return svc, gens
}

func TestChatEncodesConversationWithHistory(t *testing.T) {
	svc, gens := newTestService(t, testConfig())
	ctx := context.Background()

	first, err := svc.Chat(ctx, protocol.ChatRequest{Input: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "session-1", first.SessionID)
	assert.Equal(t, "llama-2", first.Model)
	assert.Equal(t, "reply from llama-2", first.Content)
	assert.Equal(t, "<s>[INST] <<SYS>>\nBe brief.\n<</SYS>>\n\nHello [/INST]", gens["llama-2"].last().Prompt)

	_, err = svc.Chat(ctx, protocol.ChatRequest{SessionID: first.SessionID, Input: " And now? "})
	require.NoError(t, err)
	assert.Equal(t,
		"<s>[INST] <<SYS>>\nBe brief.\n<</SYS>>\n\nHello [/INST] reply from llama-2 </s><s>[INST] And now? [/INST]",
		gens["llama-2"].last().Prompt)

	turns, err := svc.History(ctx, first.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 5)
	assert.Equal(t, prompt.RoleSystem, turns[0].Role)
	assert.Equal(t, prompt.RoleAssistant, turns[4].Role)

	require.NoError(t, svc.Reset(ctx, first.SessionID))
	turns, err = svc.History(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestChatUsesRequestSystemPromptAndModel(t *testing.T) {
	svc, gens := newTestService(t, testConfig())

	_, err := svc.Chat(context.Background(), protocol.ChatRequest{Model: "mistral", System: "S", Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "<s>[INST] S\nhi [/INST]", gens["mistral"].last().Prompt)
	assert.Empty(t, gens["llama-2"].reqs)
}

func TestChatTemplateModel(t *testing.T) {
	svc, gens := newTestService(t, testConfig())

	_, err := svc.Chat(context.Background(), protocol.ChatRequest{Model: "chatml", Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t,
		"<|im_start|>system\nBe brief.<|im_end|>\n<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n",
		gens["chatml"].last().Prompt)
}

func TestChatPassesTurnsToChatBackends(t *testing.T) {
	svc, gens := newTestService(t, testConfig())

	res, err := svc.Chat(context.Background(), protocol.ChatRequest{Model: "gpt", Input: "hi"})
	require.NoError(t, err)
	assert.Empty(t, res.Prompt)
	req := gens["gpt"].last()
	assert.Empty(t, req.Prompt)
	require.Len(t, req.Turns, 2)
	assert.Equal(t, prompt.Turn{Role: prompt.RoleUser, Content: "hi"}, req.Turns[1])
}

func TestChatErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Prompt.ContextLength = 10
	svc, gens := newTestService(t, cfg)
	ctx := context.Background()

	_, err := svc.Chat(ctx, protocol.ChatRequest{Input: "  "})
	assert.ErrorIs(t, err, prompt.ErrMissingContent)

	_, err = svc.Chat(ctx, protocol.ChatRequest{Model: "nope", Input: "hi"})
	assert.ErrorIs(t, err, ErrUnknownModel)

	_, err = svc.Chat(ctx, protocol.ChatRequest{Input: "hi"})
	var budget *prompt.BudgetError
	require.ErrorAs(t, err, &budget)
	assert.Equal(t, 10, budget.ContextLength)
	assert.Empty(t, gens["llama-2"].reqs)
}

func TestChatGenerationFailureKeepsHistoryUntouched(t *testing.T) {
	svc, gens := newTestService(t, testConfig())
	gens["llama-2"].err = errors.New("backend down")
	ctx := context.Background()

	_, err := svc.Chat(ctx, protocol.ChatRequest{SessionID: "s", Input: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")

	turns, err := svc.History(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestCode(t *testing.T) {
	svc, gens := newTestService(t, testConfig())

	res, err := svc.Code(context.Background(), protocol.CodeRequest{Problem: "Add two numbers."})
	require.NoError(t, err)
	want, err := prompt.CodePrompt("Add two numbers.")
	require.NoError(t, err)
	assert.Equal(t, want, gens["codellama"].last().Prompt)
	assert.Equal(t, "reply from codellama", res.Content)

	turns, err := svc.History(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestAlignHistory(t *testing.T) {
	sys := prompt.Turn{Role: prompt.RoleSystem, Content: "S"}
	user := prompt.Turn{Role: prompt.RoleUser, Content: "u"}
	bot := prompt.Turn{Role: prompt.RoleAssistant, Content: "a"}

	assert.Equal(t, []prompt.Turn{sys, user, bot}, alignHistory([]prompt.Turn{sys, bot, user, bot}))
	assert.Equal(t, []prompt.Turn{user, bot}, alignHistory([]prompt.Turn{bot, user, bot}))
	assert.Empty(t, alignHistory(nil))
}

func TestChatKeepsSystemPromptPastMaxTurns(t *testing.T) {
	cfg := testConfig()
	cfg.History.MaxTurns = 4
	svc, gens := newTestService(t, cfg)
	ctx := context.Background()

	_, err := svc.Chat(ctx, protocol.ChatRequest{SessionID: "long", System: "CUSTOM", Input: "one"})
	require.NoError(t, err)
	for _, input := range []string{"two", "three", "four"} {
		_, err := svc.Chat(ctx, protocol.ChatRequest{SessionID: "long", Input: input})
		require.NoError(t, err)
		got := gens["llama-2"].last().Prompt
		assert.True(t, strings.HasPrefix(got, "<s>[INST] <<SYS>>\nCUSTOM\n<</SYS>>\n\n"), "input %q: %s", input, got)
		assert.True(t, strings.HasSuffix(got, input+" [/INST]"), got)
	}
}

func TestConcurrentChatsOnOneSession(t *testing.T) {
	svc, gens := newTestService(t, testConfig())
	gens["llama-2"].delay = 20 * time.Millisecond
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Chat(ctx, protocol.ChatRequest{SessionID: "shared", Input: "hi"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	turns, err := svc.History(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, turns, 1+2*n)
	assert.Equal(t, prompt.RoleSystem, turns[0].Role)
	for i, turn := range turns[1:] {
		want := prompt.RoleUser
		if i%2 == 1 {
			want = prompt.RoleAssistant
		}
		assert.Equal(t, want, turn.Role, "turn %d", i+1)
	}

	_, err = svc.Chat(ctx, protocol.ChatRequest{SessionID: "shared", Input: "still usable"})
	require.NoError(t, err)
	assert.Empty(t, svc.sessions.locks)
}

func startTestBus(t *testing.T) *bus.Client {
	t.Helper()
	busCfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	busCfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), busCfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestCloseRejectsLateRequests(t *testing.T) {
	client := startTestBus(t)
	svc, gens := newTestService(t, testConfig())
	require.NoError(t, svc.Start(context.Background(), client))
	assert.True(t, svc.Healthy())

	svc.Close()
	assert.False(t, svc.Healthy())

	data, err := json.Marshal(protocol.ChatRequest{SessionID: "late", Input: "hi"})
	require.NoError(t, err)
	svc.handleChat(&nats.Msg{Subject: protocol.SubjectChatRequest, Data: data})
	svc.wg.Wait()
	assert.Empty(t, gens["llama-2"].reqs)
}

func TestServiceOverNATS(t *testing.T) {
	client := startTestBus(t)

	svc, _ := newTestService(t, testConfig())
	require.NoError(t, svc.Start(context.Background(), client))
	t.Cleanup(svc.Close)
	assert.True(t, svc.Healthy())

	broadcasts, err := client.Conn().SubscribeSync(protocol.SubjectChatResponse)
	require.NoError(t, err)

	data, err := json.Marshal(protocol.ChatRequest{SessionID: "bus", Input: "Hello", TraceID: "t-1"})
	require.NoError(t, err)
	msg, err := client.Conn().Request(protocol.SubjectChatRequest, data, 5*time.Second)
	require.NoError(t, err)

	var resp protocol.ChatResponse
	require.NoError(t, json.Unmarshal(msg.Data, &resp))
	assert.Empty(t, resp.Error)
	assert.Equal(t, "bus", resp.SessionID)
	assert.Equal(t, "reply from llama-2", resp.Content)
	assert.Equal(t, "t-1", resp.TraceID)

	_, err = broadcasts.NextMsg(5 * time.Second)
	require.NoError(t, err)

	data, err = json.Marshal(protocol.CodeRequest{SessionID: "bus", Problem: ""})
	require.NoError(t, err)
	msg, err = client.Conn().Request(protocol.SubjectCodeRequest, data, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg.Data, &resp))
	assert.Equal(t, prompt.ErrMissingContent.Error(), resp.Error)

	msg, err = client.Conn().Request(protocol.SubjectChatRequest, []byte("{not json"), 5*time.Second)
	require.NoError(t, err)
	var bad protocol.ChatResponse
	require.NoError(t, json.Unmarshal(msg.Data, &bad))
	assert.Contains(t, bad.Error, "decode chat request")
}
