package dispatcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omnibot-dev/omnibot/internal/backoff"
	"github.com/omnibot-dev/omnibot/internal/llm"
	"github.com/omnibot-dev/omnibot/internal/pipeline"
	"github.com/omnibot-dev/omnibot/internal/sessions"
	"github.com/omnibot-dev/omnibot/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collectSink records delivered actions and signals each delivery.
type collectSink struct {
	mu      sync.Mutex
	actions []models.OutboundAction
	signal  chan struct{}
}

func newCollectSink() *collectSink {
	return &collectSink{signal: make(chan struct{}, 256)}
}

func (s *collectSink) Deliver(ctx context.Context, bot *models.BotInstance, action models.OutboundAction) error {
	s.mu.Lock()
	s.actions = append(s.actions, action)
	s.mu.Unlock()
	s.signal <- struct{}{}
	return nil
}

func (s *collectSink) Actions() []models.OutboundAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OutboundAction, len(s.actions))
	copy(out, s.actions)
	return out
}

func (s *collectSink) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.signal:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

func testBots(bots ...*models.BotInstance) BotResolver {
	index := make(map[string]*models.BotInstance, len(bots))
	for _, b := range bots {
		index[b.ID] = b
	}
	return BotResolverFunc(func(id string) (*models.BotInstance, bool) {
		b, ok := index[id]
		return b, ok
	})
}

func stubPipeline(t *testing.T, stages ...pipeline.Stage) *pipeline.Pipeline {
	t.Helper()
	store := sessions.NewMemoryStore(sessions.Retention{})
	configured := make([]pipeline.ConfiguredStage, len(stages))
	for i, s := range stages {
		configured[i] = pipeline.ConfiguredStage{Stage: s}
	}
	def := &pipeline.Definition{ID: "pl-1", Version: 1, Stages: configured}
	runner := pipeline.NewRunner(backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}, testLogger())
	return pipeline.New(def, store, runner, testLogger())
}

func echoPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	return stubPipeline(t,
		pipeline.NewLLMInferStage("infer", llm.NewStubProvider(), nil),
		pipeline.NewResponseFormatStage("format"),
	)
}

func newTestDispatcher(t *testing.T, cfg Config, pl *pipeline.Pipeline, sink Sink) (*Dispatcher, *models.BotInstance) {
	t.Helper()
	bot := &models.BotInstance{ID: "bot-1", Platform: models.PlatformWebhook, Active: true}
	manager := pipeline.NewManager()
	if err := manager.Load(bot.ID, pl); err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := New(cfg, manager, testBots(bot), sink, nil, testLogger())
	t.Cleanup(d.Close)
	return d, bot
}

func event(botID, scope, msgID, payload string) *models.InboundEvent {
	return &models.InboundEvent{
		BotInstanceID:     botID,
		ChatScope:         scope,
		SenderID:          "user-1",
		Payload:           payload,
		PlatformMessageID: msgID,
		ReceivedAt:        time.Now().UTC(),
	}
}

func TestSubmitExecutesTurnAndDelivers(t *testing.T) {
	sink := newCollectSink()
	d, bot := newTestDispatcher(t, Config{}, echoPipeline(t), sink)

	if err := d.Submit(event(bot.ID, "chat-1", "m1", "hello")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sink.wait(t, 1)

	actions := sink.Actions()
	if len(actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(actions))
	}
	if actions[0].Content != "hello" {
		t.Errorf("content = %q, want echo of payload", actions[0].Content)
	}
}

func TestDuplicateEventProcessedOnce(t *testing.T) {
	sink := newCollectSink()
	d, bot := newTestDispatcher(t, Config{DedupWindow: time.Minute}, echoPipeline(t), sink)

	if err := d.Submit(event(bot.ID, "chat-1", "m1", "hello")); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := d.Submit(event(bot.ID, "chat-1", "m1", "hello")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Submit = %v, want ErrDuplicate", err)
	}
	// Same message id in a different chat scope is not a replay.
	if err := d.Submit(event(bot.ID, "chat-2", "m1", "hello")); err != nil {
		t.Fatalf("other scope Submit: %v", err)
	}

	sink.wait(t, 2)
	if got := len(sink.Actions()); got != 2 {
		t.Errorf("deliveries = %d, want 2", got)
	}
}

func TestDedupWindowExpires(t *testing.T) {
	sink := newCollectSink()
	d, bot := newTestDispatcher(t, Config{DedupWindow: time.Minute}, echoPipeline(t), sink)

	now := time.Now()
	d.SetNowFunc(func() time.Time { return now })

	if err := d.Submit(event(bot.ID, "chat-1", "m1", "hello")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := d.Submit(event(bot.ID, "chat-1", "m1", "hello again")); err != nil {
		t.Fatalf("Submit after window: %v", err)
	}
	sink.wait(t, 2)
}

func TestUnknownAndInactiveBotsRejected(t *testing.T) {
	sink := newCollectSink()
	bot := &models.BotInstance{ID: "bot-1", Platform: models.PlatformWebhook, Active: true}
	inactive := &models.BotInstance{ID: "bot-2", Platform: models.PlatformWebhook, Active: false}
	manager := pipeline.NewManager()
	if err := manager.Load(bot.ID, echoPipeline(t)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := New(Config{}, manager, testBots(bot, inactive), sink, nil, testLogger())
	t.Cleanup(d.Close)

	if err := d.Submit(event("nope", "chat-1", "m1", "x")); !errors.Is(err, ErrUnknownBot) {
		t.Errorf("unknown bot err = %v, want ErrUnknownBot", err)
	}
	if err := d.Submit(event("bot-2", "chat-1", "m2", "x")); !errors.Is(err, ErrInactiveBot) {
		t.Errorf("inactive bot err = %v, want ErrInactiveBot", err)
	}
}

func TestQueueFullRejectsBusy(t *testing.T) {
	release := make(chan struct{})
	blocking := stubPipeline(t, pipeline.NewPluginHookStageFunc("block", func(ctx context.Context, state *pipeline.State) (pipeline.Outcome, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return pipeline.Continue, nil
	}))

	sink := newCollectSink()
	d, bot := newTestDispatcher(t, Config{QueueSize: 2}, blocking, sink)
	defer close(release)

	if err := d.Submit(event(bot.ID, "chat-1", "m1", "x")); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	if err := d.Submit(event(bot.ID, "chat-2", "m2", "x")); err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	if err := d.Submit(event(bot.ID, "chat-3", "m3", "x")); !errors.Is(err, ErrBusy) {
		t.Fatalf("Submit 3 = %v, want ErrBusy", err)
	}

	// A BUSY rejection must not poison the dedup window for a retry.
	release <- struct{}{}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := d.Submit(event(bot.ID, "chat-3", "m3", "x")); err == nil {
			break
		} else if !errors.Is(err, ErrBusy) {
			t.Fatalf("retry Submit = %v, want nil or ErrBusy", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("retry after BUSY never admitted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSameScopeRunsInAdmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	recording := stubPipeline(t, pipeline.NewPluginHookStageFunc("record", func(ctx context.Context, state *pipeline.State) (pipeline.Outcome, error) {
		mu.Lock()
		order = append(order, state.Event.PlatformMessageID)
		mu.Unlock()
		return pipeline.Continue, nil
	}))

	sink := newCollectSink()
	d, bot := newTestDispatcher(t, Config{GlobalConcurrency: 8}, recording, sink)

	const turns = 20
	for i := 0; i < turns; i++ {
		if err := d.Submit(event(bot.ID, "chat-1", "m"+string(rune('a'+i)), "x")); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for d.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("turns never drained")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != turns {
		t.Fatalf("executed %d turns, want %d", len(order), turns)
	}
	for i := 1; i < len(order); i++ {
		if order[i] < order[i-1] {
			t.Fatalf("order inverted at %d: %v", i, order)
		}
	}
}

func TestSlowScopeDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	var slowStarted atomic.Bool
	mixed := stubPipeline(t, pipeline.NewPluginHookStageFunc("mixed", func(ctx context.Context, state *pipeline.State) (pipeline.Outcome, error) {
		if state.Event.ChatScope == "slow" {
			slowStarted.Store(true)
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return pipeline.Continue, nil
	}), pipeline.NewResponseFormatStage("format"))

	sink := newCollectSink()
	d, bot := newTestDispatcher(t, Config{GlobalConcurrency: 4}, mixed, sink)
	defer close(release)

	if err := d.Submit(event(bot.ID, "slow", "m1", "x")); err != nil {
		t.Fatalf("Submit slow: %v", err)
	}
	for !slowStarted.Load() {
		time.Sleep(time.Millisecond)
	}
	if err := d.Submit(event(bot.ID, "fast", "m2", "x")); err != nil {
		t.Fatalf("Submit fast: %v", err)
	}

	// The fast scope completes while the slow one is still in flight.
	sink.wait(t, 1)
}

func TestGlobalCeilingBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	counting := stubPipeline(t, pipeline.NewPluginHookStageFunc("count", func(ctx context.Context, state *pipeline.State) (pipeline.Outcome, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		inFlight.Add(-1)
		return pipeline.Continue, nil
	}))

	sink := newCollectSink()
	d, bot := newTestDispatcher(t, Config{GlobalConcurrency: 2, PerBotConcurrency: 8, QueueSize: 32}, counting, sink)

	for i := 0; i < 6; i++ {
		if err := d.Submit(event(bot.ID, "chat-"+string(rune('a'+i)), "m", "x")); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for d.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("turns never drained")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestDrainWaitsForInFlight(t *testing.T) {
	sink := newCollectSink()
	d, bot := newTestDispatcher(t, Config{}, echoPipeline(t), sink)

	for i := 0; i < 5; i++ {
		if err := d.Submit(event(bot.ID, "chat-1", "m"+string(rune('0'+i)), "x")); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if !d.Drain(5 * time.Second) {
		t.Fatal("Drain timed out")
	}
	if got := len(sink.Actions()); got != 5 {
		t.Errorf("deliveries = %d, want 5", got)
	}
	if err := d.Submit(event(bot.ID, "chat-1", "m9", "x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Drain = %v, want ErrClosed", err)
	}
}

func TestDeliveryRetries(t *testing.T) {
	var attempts atomic.Int32
	done := make(chan struct{}, 1)
	sink := SinkFunc(func(ctx context.Context, bot *models.BotInstance, action models.OutboundAction) error {
		if attempts.Add(1) < 3 {
			return errors.New("send failed")
		}
		done <- struct{}{}
		return nil
	})

	d, bot := newTestDispatcher(t, Config{}, echoPipeline(t), sink)
	d.delivery = backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}

	if err := d.Submit(event(bot.ID, "chat-1", "m1", "hello")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never succeeded")
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}
