// Package tools maintains the registry of invocable tools discovered from
// external tool-protocol servers.
//
// The registry holds an immutable descriptor snapshot that refresh replaces
// atomically; invocations validate their snapshot's schema, so a refresh
// never disturbs an in-flight call.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/omnibot-dev/omnibot/internal/mcp"
)

// Source is one connected tool server. *mcp.Client satisfies this.
type Source interface {
	ID() string
	Tools() []*mcp.Tool
	RefreshTools(ctx context.Context) error
	CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.ToolCallResult, error)
}

// Descriptor describes one invocable tool from the current snapshot.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	ServerID    string          `json:"server_id"`

	schema *jsonschema.Schema
}

// Result is a successful tool invocation.
type Result struct {
	Content string
	Raw     *mcp.ToolCallResult
}

// Config configures the registry.
type Config struct {
	// InvokeTimeout bounds each tool invocation.
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
	// RefreshSchedule is a cron expression for periodic registry sync.
	// Empty disables scheduled refresh.
	RefreshSchedule string `yaml:"refresh_schedule"`
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		InvokeTimeout:   30 * time.Second,
		RefreshSchedule: "@every 5m",
	}
}

type snapshot struct {
	descriptors map[string]*Descriptor
	sources     map[string]Source
}

// Registry maintains the current tool descriptor set and mediates
// invocations.
type Registry struct {
	cfg     Config
	logger  *slog.Logger
	sources []Source

	snap atomic.Pointer[snapshot]
	cron *cron.Cron
}

// NewRegistry creates a registry over the given sources. Call Refresh
// before the first Invoke.
func NewRegistry(cfg Config, logger *slog.Logger, sources ...Source) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = DefaultConfig().InvokeTimeout
	}

	r := &Registry{
		cfg:     cfg,
		logger:  logger.With("component", "tool_registry"),
		sources: sources,
	}
	r.snap.Store(&snapshot{
		descriptors: map[string]*Descriptor{},
		sources:     map[string]Source{},
	})
	return r
}

// Refresh re-reads every source's tool list and atomically replaces the
// descriptor snapshot. A failing source keeps its previous descriptors out
// of the new snapshot; the other sources still refresh.
func (r *Registry) Refresh(ctx context.Context) error {
	next := &snapshot{
		descriptors: map[string]*Descriptor{},
		sources:     map[string]Source{},
	}

	var errs []error
	for _, source := range r.sources {
		if err := source.RefreshTools(ctx); err != nil {
			r.logger.Warn("tool sync failed", "server", source.ID(), "error", err)
			errs = append(errs, fmt.Errorf("server %s: %w", source.ID(), err))
			continue
		}

		next.sources[source.ID()] = source
		for _, tool := range source.Tools() {
			if _, exists := next.descriptors[tool.Name]; exists {
				r.logger.Warn("duplicate tool name, keeping first",
					"tool", tool.Name, "server", source.ID())
				continue
			}
			next.descriptors[tool.Name] = &Descriptor{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
				ServerID:    source.ID(),
				schema:      compileSchema(r.logger, tool.Name, tool.InputSchema),
			}
		}
	}

	r.snap.Store(next)
	r.logger.Info("tool registry refreshed", "tools", len(next.descriptors))
	return errors.Join(errs...)
}

// Descriptors lists the tools in the current snapshot.
func (r *Registry) Descriptors() []Descriptor {
	snap := r.snap.Load()
	out := make([]Descriptor, 0, len(snap.descriptors))
	for _, d := range snap.descriptors {
		out = append(out, *d)
	}
	return out
}

// Invoke validates args against the tool's schema and dispatches the call
// with the configured timeout. The descriptor snapshot is captured once at
// entry; a concurrent refresh does not affect this invocation.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (*Result, error) {
	snap := r.snap.Load()

	desc, ok := snap.descriptors[name]
	if !ok {
		return nil, PermanentError(name, errors.New("unknown tool"))
	}
	source, ok := snap.sources[desc.ServerID]
	if !ok {
		return nil, PermanentError(name, fmt.Errorf("server %s not available", desc.ServerID))
	}

	if desc.schema != nil {
		if err := desc.schema.Validate(normalizeArgs(args)); err != nil {
			return nil, PermanentError(name, fmt.Errorf("invalid arguments: %w", err))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.InvokeTimeout)
	defer cancel()

	result, err := source.CallTool(callCtx, name, args)
	if err != nil {
		if ctx.Err() != nil {
			// The caller's context ended; report that, not a retry hint.
			return nil, ctx.Err()
		}
		return nil, TransientError(name, err)
	}
	if result.IsError {
		return nil, PermanentError(name, fmt.Errorf("tool reported error: %s", result.Text()))
	}

	return &Result{Content: result.Text(), Raw: result}, nil
}

// StartSchedule begins periodic refresh per the configured cron expression.
func (r *Registry) StartSchedule() error {
	if r.cfg.RefreshSchedule == "" {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(r.cfg.RefreshSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := r.Refresh(ctx); err != nil {
			r.logger.Warn("scheduled refresh incomplete", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("tool refresh schedule %q: %w", r.cfg.RefreshSchedule, err)
	}

	c.Start()
	r.cron = c
	return nil
}

// StopSchedule stops the refresh schedule.
func (r *Registry) StopSchedule() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

// compileSchema compiles a tool's input schema; tools with a missing or
// broken schema stay invocable without validation.
func compileSchema(logger *slog.Logger, name string, raw json.RawMessage) *jsonschema.Schema {
	if len(raw) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	url := "inline://" + name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		logger.Warn("tool schema rejected", "tool", name, "error", err)
		return nil
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		logger.Warn("tool schema rejected", "tool", name, "error", err)
		return nil
	}
	return schema
}

// normalizeArgs round-trips args through JSON so the validator sees the
// same value shapes it would on the wire.
func normalizeArgs(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var normalized any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return args
	}
	return normalized
}
