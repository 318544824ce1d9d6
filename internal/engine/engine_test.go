package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/omnibot-dev/omnibot/internal/access"
	"github.com/omnibot-dev/omnibot/internal/config"
	"github.com/omnibot-dev/omnibot/internal/contentfilter"
	"github.com/omnibot-dev/omnibot/internal/dispatcher"
	"github.com/omnibot-dev/omnibot/internal/llm"
	"github.com/omnibot-dev/omnibot/internal/ratelimit"
	"github.com/omnibot-dev/omnibot/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig() *config.Config {
	return &config.Config{
		Storage:   config.StorageConfig{Backend: "memory"},
		Access:    access.Config{DefaultEffect: access.Allow},
		Filter:    contentfilter.Config{Terms: []string{"blocked"}},
		RateLimit: ratelimit.Config{Capacity: 100, RefillPerSecond: 10, Enabled: true},
		Sessions: config.SessionsConfig{
			MaxMessages:  50,
			IdleTTL:      time.Hour,
			ReapInterval: time.Hour,
		},
		Pipelines: []config.PipelineConfig{{
			ID:   "default",
			Name: "Default",
			Stages: []config.StageConfig{
				{Name: "access", Kind: "ACCESS_CONTROL"},
				{Name: "ratelimit", Kind: "RATE_LIMIT", Params: map[string]any{"scope": "per_chat"}},
				{Name: "pre_filter", Kind: "CONTENT_FILTER", Params: map[string]any{"action": "block"}},
				{Name: "infer", Kind: "LLM_INFER"},
				{Name: "format", Kind: "RESPONSE_FORMAT", Params: map[string]any{"max_chunk_runes": 4000}},
			},
		}},
		Bots: []config.BotConfig{{
			ID:         "bot-1",
			Name:       "Helper",
			Platform:   models.PlatformWebhook,
			PipelineID: "default",
		}},
	}
}

type memorySink struct {
	mu      sync.Mutex
	actions []models.OutboundAction
	signal  chan struct{}
}

func newMemorySink() *memorySink {
	return &memorySink{signal: make(chan struct{}, 64)}
}

func (s *memorySink) Deliver(ctx context.Context, bot *models.BotInstance, action models.OutboundAction) error {
	s.mu.Lock()
	s.actions = append(s.actions, action)
	s.mu.Unlock()
	s.signal <- struct{}{}
	return nil
}

func (s *memorySink) waitOne(t *testing.T) models.OutboundAction {
	t.Helper()
	select {
	case <-s.signal:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actions[len(s.actions)-1]
}

func newTestEngine(t *testing.T, cfg *config.Config, provider llm.Provider, sink dispatcher.Sink) *Engine {
	t.Helper()
	e, err := New(cfg, testLogger(), WithProvider(provider), WithSink(sink))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { e.Close(time.Second) })
	return e
}

func TestEngineEndToEnd(t *testing.T) {
	sink := newMemorySink()
	stub := llm.NewScriptedProvider(llm.StubResponse{Text: "hi"})
	e := newTestEngine(t, baseConfig(), stub, sink)

	err := e.Dispatcher().Submit(&models.InboundEvent{
		BotInstanceID:     "bot-1",
		ChatScope:         "chat-1",
		SenderID:          "user-1",
		Payload:           "hello",
		PlatformMessageID: "m1",
		ReceivedAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	action := sink.waitOne(t)
	if action.Content != "hi" {
		t.Errorf("content = %q, want %q", action.Content, "hi")
	}
}

func TestEngineContentFilterWiredFromConfig(t *testing.T) {
	sink := newMemorySink()
	stub := llm.NewStubProvider()
	e := newTestEngine(t, baseConfig(), stub, sink)

	err := e.Dispatcher().Submit(&models.InboundEvent{
		BotInstanceID:     "bot-1",
		ChatScope:         "chat-1",
		SenderID:          "user-1",
		Payload:           "this is blocked content",
		PlatformMessageID: "m1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	action := sink.waitOne(t)
	if action.Content == "this is blocked content" {
		t.Error("blocked content reached the sink")
	}
	if stub.Calls() != 0 {
		t.Errorf("inference ran %d times on blocked content", stub.Calls())
	}
}

func TestEngineApplyBumpsVersion(t *testing.T) {
	sink := newMemorySink()
	e := newTestEngine(t, baseConfig(), llm.NewStubProvider(), sink)

	if _, ok := e.Bot("bot-1"); !ok {
		t.Fatal("bot-1 missing after initial apply")
	}
	pl, ok := e.manager.Resolve("bot-1")
	if !ok {
		t.Fatal("pipeline missing for bot-1")
	}
	if pl.Definition().Version != 1 {
		t.Fatalf("initial version = %d, want 1", pl.Definition().Version)
	}

	next := baseConfig()
	next.Bots = append(next.Bots, config.BotConfig{
		ID: "bot-2", Platform: models.PlatformWebhook, PipelineID: "default",
	})
	if err := e.Apply(next); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	pl, ok = e.manager.Resolve("bot-1")
	if !ok {
		t.Fatal("pipeline missing after apply")
	}
	if pl.Definition().Version != 2 {
		t.Fatalf("reloaded version = %d, want 2", pl.Definition().Version)
	}
	if _, ok := e.Bot("bot-2"); !ok {
		t.Error("bot-2 missing after apply")
	}

	// A config dropping bot-1 unbinds it.
	removed := baseConfig()
	removed.Bots = removed.Bots[:0]
	if err := e.Apply(removed); err != nil {
		t.Fatalf("Apply removal: %v", err)
	}
	if _, ok := e.Bot("bot-1"); ok {
		t.Error("bot-1 still resolvable after removal")
	}
}

func TestBuildStageRejectsUnknownKind(t *testing.T) {
	cfg := baseConfig()
	cfg.Pipelines[0].Stages = append(cfg.Pipelines[0].Stages, config.StageConfig{
		Name: "mystery", Kind: "TELEPORT",
	})
	if _, err := New(cfg, testLogger(), WithProvider(llm.NewStubProvider())); err == nil {
		t.Error("expected error for unknown stage kind")
	}
}

func TestStageLocalOverrides(t *testing.T) {
	cfg := baseConfig()
	cfg.Pipelines[0].Stages = []config.StageConfig{
		{
			Name: "access",
			Kind: "ACCESS_CONTROL",
			Params: map[string]any{
				"default_effect": "deny",
				"denied_message": "not here",
				"rules": []any{
					map[string]any{"scope": "chat:*", "effect": "allow", "priority": 0},
					map[string]any{"scope": "user:vip", "effect": "allow", "priority": 5},
				},
			},
		},
		{Name: "infer", Kind: "LLM_INFER"},
		{Name: "format", Kind: "RESPONSE_FORMAT"},
	}

	sink := newMemorySink()
	e := newTestEngine(t, cfg, llm.NewScriptedProvider(llm.StubResponse{Text: "ok"}), sink)

	// Non-VIP sender hits the stage-local default deny.
	if err := e.Dispatcher().Submit(&models.InboundEvent{
		BotInstanceID: "bot-1", ChatScope: "chat-1", SenderID: "nobody", Payload: "hi", PlatformMessageID: "m1",
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if action := sink.waitOne(t); action.Content != "not here" {
		t.Errorf("content = %q, want denial message", action.Content)
	}

	// VIP passes the allow rule.
	if err := e.Dispatcher().Submit(&models.InboundEvent{
		BotInstanceID: "bot-1", ChatScope: "chat-1", SenderID: "vip", Payload: "hi", PlatformMessageID: "m2",
	}); err != nil {
		t.Fatalf("Submit vip: %v", err)
	}
	if action := sink.waitOne(t); action.Content != "ok" {
		t.Errorf("content = %q, want model reply", action.Content)
	}
}
