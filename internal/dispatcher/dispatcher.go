// Package dispatcher is the admission-control point: it accepts inbound
// events from any adapter, deduplicates replays, enforces global and
// per-bot concurrency ceilings, and executes turns in admission order
// per conversation.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/omnibot-dev/omnibot/internal/backoff"
	"github.com/omnibot-dev/omnibot/internal/pipeline"
	"github.com/omnibot-dev/omnibot/pkg/models"
)

// Admission rejections. All map to the ADMISSION_REJECTED class and are
// reported to the adapter without consuming a turn slot.
var (
	// ErrBusy means the bounded queue is full.
	ErrBusy = errors.New("dispatcher: busy")
	// ErrDuplicate means the platform message id was already seen for
	// this chat scope within the dedup window.
	ErrDuplicate = errors.New("dispatcher: duplicate event")
	// ErrUnknownBot means no pipeline is bound to the bot instance.
	ErrUnknownBot = errors.New("dispatcher: unknown bot instance")
	// ErrInactiveBot means the bot instance is deactivated.
	ErrInactiveBot = errors.New("dispatcher: bot instance inactive")
	// ErrClosed means the dispatcher is shutting down.
	ErrClosed = errors.New("dispatcher: closed")
)

// Config configures admission control.
type Config struct {
	// GlobalConcurrency is the ceiling on turns executing at once.
	GlobalConcurrency int `yaml:"global_concurrency"`
	// PerBotConcurrency is the per-bot ceiling.
	PerBotConcurrency int `yaml:"per_bot_concurrency"`
	// QueueSize bounds admitted turns waiting for a slot. Beyond it,
	// Submit rejects with ErrBusy.
	QueueSize int `yaml:"queue_size"`
	// DedupWindow is how long a platform message id is remembered.
	DedupWindow time.Duration `yaml:"dedup_window"`
}

// DefaultConfig returns the default admission parameters.
func DefaultConfig() Config {
	return Config{
		GlobalConcurrency: 64,
		PerBotConcurrency: 8,
		QueueSize:         256,
		DedupWindow:       5 * time.Minute,
	}
}

// Sink receives the outbound actions a turn produced. Adapters implement
// this to push replies back to their platform.
type Sink interface {
	Deliver(ctx context.Context, bot *models.BotInstance, action models.OutboundAction) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, bot *models.BotInstance, action models.OutboundAction) error

func (f SinkFunc) Deliver(ctx context.Context, bot *models.BotInstance, action models.OutboundAction) error {
	return f(ctx, bot, action)
}

// BotResolver looks up bot instances by id.
type BotResolver interface {
	Bot(id string) (*models.BotInstance, bool)
}

// BotResolverFunc adapts a function to the BotResolver interface.
type BotResolverFunc func(id string) (*models.BotInstance, bool)

func (f BotResolverFunc) Bot(id string) (*models.BotInstance, bool) { return f(id) }

type task struct {
	bot      *models.BotInstance
	pipeline *pipeline.Pipeline
	event    *models.InboundEvent
}

// Dispatcher routes admitted events to their pipelines.
//
// Ordering: events for the same conversation are chained and executed
// strictly in admission order; unrelated conversations run concurrently
// up to the configured ceilings. A chain waiting for a concurrency slot
// parks on the semaphore without holding a slot itself, so a slow
// conversation never starves the rest.
type Dispatcher struct {
	cfg      Config
	manager  *pipeline.Manager
	bots     BotResolver
	sink     Sink
	logger   *slog.Logger
	metrics  *Metrics
	delivery backoff.Policy

	globalSem chan struct{}

	mu      sync.Mutex
	botSems map[string]chan struct{}
	chains  map[string][]*task
	pending int
	seen    map[string]time.Time
	closed  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	nowFunc func() time.Time
}

// New creates a dispatcher. The metrics argument may be nil to disable
// instrumentation.
func New(cfg Config, manager *pipeline.Manager, bots BotResolver, sink Sink, metrics *Metrics, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = def.GlobalConcurrency
	}
	if cfg.PerBotConcurrency <= 0 {
		cfg.PerBotConcurrency = def.PerBotConcurrency
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:       cfg,
		manager:   manager,
		bots:      bots,
		sink:      sink,
		logger:    logger.With("component", "dispatcher"),
		metrics:   metrics,
		delivery:  backoff.DefaultPolicy(),
		globalSem: make(chan struct{}, cfg.GlobalConcurrency),
		botSems:   make(map[string]chan struct{}),
		chains:    make(map[string][]*task),
		seen:      make(map[string]time.Time),
		baseCtx:   ctx,
		cancel:    cancel,
		nowFunc:   time.Now,
	}
}

// SetNowFunc overrides the clock. Only for tests.
func (d *Dispatcher) SetNowFunc(fn func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nowFunc = fn
}

// Submit admits one inbound event. It returns immediately: nil means the
// event was admitted and a turn will execute; an admission error means
// the event was rejected and no turn slot was consumed.
func (d *Dispatcher) Submit(event *models.InboundEvent) error {
	bot, ok := d.bots.Bot(event.BotInstanceID)
	if !ok {
		d.reject("unknown_bot")
		return ErrUnknownBot
	}
	if !bot.Active {
		d.reject("inactive_bot")
		return ErrInactiveBot
	}
	pl, ok := d.manager.Resolve(bot.ID)
	if !ok {
		d.reject("unknown_bot")
		return ErrUnknownBot
	}

	chainKey := bot.ID + "\x00" + event.ChatScope

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.isDuplicateLocked(event) {
		d.mu.Unlock()
		d.reject("duplicate")
		return ErrDuplicate
	}
	if d.pending >= d.cfg.QueueSize {
		d.mu.Unlock()
		d.reject("busy")
		return ErrBusy
	}
	d.recordSeenLocked(event)

	t := &task{bot: bot, pipeline: pl, event: event}
	d.pending++
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(d.pending))
	}
	d.chains[chainKey] = append(d.chains[chainKey], t)
	runChain := len(d.chains[chainKey]) == 1
	if runChain {
		d.wg.Add(1)
	}
	d.mu.Unlock()

	if runChain {
		go d.runChain(chainKey)
	}
	return nil
}

// runChain drains one conversation's tasks in admission order.
func (d *Dispatcher) runChain(chainKey string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.chains[chainKey]
		if len(queue) == 0 {
			delete(d.chains, chainKey)
			d.mu.Unlock()
			return
		}
		t := queue[0]
		botSem := d.botSemLocked(t.bot.ID)
		d.mu.Unlock()

		d.executeTurn(t, botSem)

		d.mu.Lock()
		d.chains[chainKey] = d.chains[chainKey][1:]
		d.pending--
		if d.metrics != nil {
			d.metrics.QueueDepth.Set(float64(d.pending))
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) executeTurn(t *task, botSem chan struct{}) {
	// Waiting here parks the chain, it does not hold a turn slot.
	select {
	case d.globalSem <- struct{}{}:
	case <-d.baseCtx.Done():
		return
	}
	defer func() { <-d.globalSem }()

	select {
	case botSem <- struct{}{}:
	case <-d.baseCtx.Done():
		return
	}
	defer func() { <-botSem }()

	if d.metrics != nil {
		d.metrics.InFlight.Inc()
		defer d.metrics.InFlight.Dec()
	}

	start := d.now()
	result := t.pipeline.ExecuteTurn(d.baseCtx, t.bot, t.event)
	if d.metrics != nil {
		d.metrics.TurnDuration.Observe(d.now().Sub(start).Seconds())
		d.metrics.TurnsTotal.WithLabelValues(string(result.Outcome)).Inc()
	}

	d.deliver(t.bot, result)
}

// deliver pushes the turn's actions through the sink with at-least-once
// retry. Delivery failures are logged and counted, never propagated back
// into the turn outcome.
func (d *Dispatcher) deliver(bot *models.BotInstance, result *pipeline.TurnResult) {
	if d.sink == nil {
		return
	}
	for _, action := range result.Actions {
		action := action
		err := backoff.Retry(d.baseCtx, d.delivery, 3, nil, func(int) error {
			return d.sink.Deliver(d.baseCtx, bot, action)
		})
		if err != nil {
			if d.metrics != nil {
				d.metrics.DeliveryFails.Inc()
			}
			d.logger.Error("outbound delivery failed",
				"bot_id", bot.ID,
				"chat_scope", action.ChatScope,
				"error", err)
		}
	}
}

// isDuplicateLocked reports whether the event id was already admitted for
// this chat scope within the dedup window. Events without a platform
// message id are never deduplicated.
func (d *Dispatcher) isDuplicateLocked(event *models.InboundEvent) bool {
	if event.PlatformMessageID == "" {
		return false
	}
	seenAt, ok := d.seen[dedupKey(event)]
	return ok && d.nowFunc().Sub(seenAt) < d.cfg.DedupWindow
}

// recordSeenLocked marks the event id as admitted. Recording happens only
// after all admission checks pass, so a BUSY-rejected event can be
// retried without tripping the replay check.
func (d *Dispatcher) recordSeenLocked(event *models.InboundEvent) {
	if event.PlatformMessageID == "" {
		return
	}
	now := d.nowFunc()
	d.seen[dedupKey(event)] = now

	// Opportunistic prune keeps the map bounded by the window.
	if len(d.seen) > 4096 {
		for k, at := range d.seen {
			if now.Sub(at) >= d.cfg.DedupWindow {
				delete(d.seen, k)
			}
		}
	}
}

func dedupKey(event *models.InboundEvent) string {
	return event.ChatScope + "\x00" + event.PlatformMessageID
}

func (d *Dispatcher) botSemLocked(botID string) chan struct{} {
	sem, ok := d.botSems[botID]
	if !ok {
		sem = make(chan struct{}, d.cfg.PerBotConcurrency)
		d.botSems[botID] = sem
	}
	return sem
}

func (d *Dispatcher) reject(reason string) {
	if d.metrics != nil {
		d.metrics.RejectedTotal.WithLabelValues(reason).Inc()
	}
}

func (d *Dispatcher) now() time.Time {
	d.mu.Lock()
	fn := d.nowFunc
	d.mu.Unlock()
	return fn()
}

// Pending reports admitted turns that have not finished.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Close stops admitting events, cancels in-flight turns, and waits for
// the chains to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// Drain stops admitting events and waits for in-flight turns to finish
// without cancelling them, up to the given timeout.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		d.cancel()
		return false
	}
}
