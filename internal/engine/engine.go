// Package engine assembles the hub from configuration: session store,
// rate limiter, access rules, content filter, tool registry, LLM
// provider, pipelines, and the dispatcher in front of them.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/omnibot-dev/omnibot/internal/access"
	"github.com/omnibot-dev/omnibot/internal/backoff"
	"github.com/omnibot-dev/omnibot/internal/config"
	"github.com/omnibot-dev/omnibot/internal/contentfilter"
	"github.com/omnibot-dev/omnibot/internal/dispatcher"
	"github.com/omnibot-dev/omnibot/internal/llm"
	"github.com/omnibot-dev/omnibot/internal/mcp"
	"github.com/omnibot-dev/omnibot/internal/pipeline"
	"github.com/omnibot-dev/omnibot/internal/ratelimit"
	"github.com/omnibot-dev/omnibot/internal/sessions"
	"github.com/omnibot-dev/omnibot/internal/tools"
	"github.com/omnibot-dev/omnibot/pkg/models"
)

// Engine owns the assembled components and their lifecycles.
type Engine struct {
	logger *slog.Logger

	store      sessions.Store
	storeClose func() error
	reaper     *sessions.Reaper
	limiter    *ratelimit.Limiter
	evaluator  *access.Evaluator
	filter     *contentfilter.Filter
	registry   *tools.Registry
	provider   llm.Provider
	clients    []*mcp.Client

	manager    *pipeline.Manager
	dispatcher *dispatcher.Dispatcher

	mu      sync.RWMutex
	bots    map[string]*models.BotInstance
	version int

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// Option adjusts engine construction.
type Option func(*options)

type options struct {
	provider   llm.Provider
	sink       dispatcher.Sink
	registerer prometheus.Registerer
}

// WithProvider injects an LLM provider, bypassing config.LLM.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithSink sets the outbound delivery sink.
func WithSink(s dispatcher.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithRegisterer sets the prometheus registerer for engine metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// New assembles an engine from configuration. Call Start to connect tool
// servers and begin background work, and Close to tear everything down.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		logger:  logger,
		manager: pipeline.NewManager(),
		bots:    make(map[string]*models.BotInstance),
	}

	retention := sessions.Retention{MaxMessages: cfg.Sessions.MaxMessages}
	switch cfg.Storage.Backend {
	case "sqlite":
		store, err := sessions.NewSQLiteStore(cfg.Storage.Path, retention)
		if err != nil {
			return nil, fmt.Errorf("engine: open session store: %w", err)
		}
		e.store = store
		e.storeClose = store.Close
	default:
		e.store = sessions.NewMemoryStore(retention)
	}

	e.reaper = sessions.NewReaper(e.store, sessions.ReaperConfig{
		IdleTTL:  cfg.Sessions.IdleTTL,
		Interval: cfg.Sessions.ReapInterval,
	}, logger)

	e.limiter = ratelimit.NewLimiter(cfg.RateLimit)
	e.evaluator = access.NewEvaluator(cfg.Access)

	filter, err := contentfilter.New(cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("engine: content filter: %w", err)
	}
	e.filter = filter

	for _, sc := range cfg.Tools.Servers {
		e.clients = append(e.clients, mcp.NewClient(&sc, logger))
	}
	sources := make([]tools.Source, len(e.clients))
	for i, c := range e.clients {
		sources[i] = c
	}
	e.registry = tools.NewRegistry(cfg.Tools.Registry, logger, sources...)

	if o.provider != nil {
		e.provider = o.provider
	} else if cfg.LLM.Provider != "" {
		provider, err := llm.New(cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("engine: llm provider: %w", err)
		}
		e.provider = provider
	}

	if err := e.Apply(cfg); err != nil {
		return nil, err
	}

	var metrics *dispatcher.Metrics
	if o.registerer != nil {
		metrics = dispatcher.NewMetrics(o.registerer)
	}
	e.dispatcher = dispatcher.New(cfg.Dispatcher, e.manager,
		dispatcher.BotResolverFunc(e.Bot), o.sink, metrics, logger)

	return e, nil
}

// Apply loads the configuration's bots and pipelines, bumping the
// pipeline version. In-flight turns keep executing the version they
// captured at admission.
func (e *Engine) Apply(cfg *config.Config) error {
	e.mu.Lock()
	version := e.version + 1
	e.mu.Unlock()

	runner := pipeline.NewRunner(backoff.DefaultPolicy(), e.logger)

	byPipeline := make(map[string]*pipeline.Pipeline, len(cfg.Pipelines))
	for _, pc := range cfg.Pipelines {
		def, err := e.buildDefinition(pc, version)
		if err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		byPipeline[pc.ID] = pipeline.New(def, e.store, runner, e.logger)
	}

	bots := make(map[string]*models.BotInstance)
	for _, bot := range cfg.BotInstances() {
		pl, ok := byPipeline[bot.PipelineID]
		if !ok {
			return fmt.Errorf("engine: bot %q references unknown pipeline %q", bot.ID, bot.PipelineID)
		}
		if err := e.manager.Load(bot.ID, pl); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		bots[bot.ID] = bot
	}

	e.mu.Lock()
	e.version = version
	for id := range e.bots {
		if _, still := bots[id]; !still {
			e.manager.Remove(id)
		}
	}
	e.bots = bots
	e.mu.Unlock()

	e.logger.Info("configuration applied",
		"version", version,
		"pipelines", len(byPipeline),
		"bots", len(bots))
	return nil
}

// Bot resolves a configured bot instance.
func (e *Engine) Bot(id string) (*models.BotInstance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	bot, ok := e.bots[id]
	return bot, ok
}

// Dispatcher returns the admission point for inbound events.
func (e *Engine) Dispatcher() *dispatcher.Dispatcher { return e.dispatcher }

// Registry returns the tool registry.
func (e *Engine) Registry() *tools.Registry { return e.registry }

// Store returns the session store.
func (e *Engine) Store() sessions.Store { return e.store }

// Start connects tool servers, syncs the registry, and starts the idle
// reaper and scheduled refresh. Tool server connection failures are
// logged, not fatal: the hub runs without the affected tools.
func (e *Engine) Start(ctx context.Context) error {
	for _, client := range e.clients {
		if err := client.Connect(ctx); err != nil {
			e.logger.Error("tool server connection failed",
				"server_id", client.ID(),
				"error", err)
		}
	}
	if len(e.clients) > 0 {
		if err := e.registry.Refresh(ctx); err != nil {
			e.logger.Warn("initial tool refresh incomplete", "error", err)
		}
		if err := e.registry.StartSchedule(); err != nil {
			return fmt.Errorf("engine: tool refresh schedule: %w", err)
		}
	}

	reaperCtx, cancel := context.WithCancel(context.Background())
	e.reaperCancel = cancel
	e.reaperDone = make(chan struct{})
	go func() {
		defer close(e.reaperDone)
		e.reaper.Run(reaperCtx)
	}()
	return nil
}

// Close drains the dispatcher and tears the components down.
func (e *Engine) Close(drainTimeout time.Duration) {
	if e.dispatcher != nil {
		if !e.dispatcher.Drain(drainTimeout) {
			e.logger.Warn("dispatcher drain timed out, turns cancelled")
		}
	}
	if e.reaperCancel != nil {
		e.reaperCancel()
		<-e.reaperDone
	}
	e.registry.StopSchedule()
	for _, client := range e.clients {
		if err := client.Close(); err != nil {
			e.logger.Warn("tool server close failed", "server_id", client.ID(), "error", err)
		}
	}
	if e.storeClose != nil {
		if err := e.storeClose(); err != nil {
			e.logger.Warn("session store close failed", "error", err)
		}
	}
}
