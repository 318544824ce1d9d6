package pipeline

import (
	"context"
	"fmt"
	"sync"
)

// HookFunc is the body of a custom plugin stage. It receives the same
// turn state as built-in stages and follows the same outcome contract.
type HookFunc func(ctx context.Context, state *State) (Outcome, error)

// hookRegistry holds named hook implementations registered at startup.
var hookRegistry = struct {
	sync.RWMutex
	hooks map[string]HookFunc
}{hooks: make(map[string]HookFunc)}

// RegisterHook makes a hook available to CUSTOM_PLUGIN_HOOK stages under
// the given name. Registering the same name twice panics; hooks are wired
// during startup, not at runtime.
func RegisterHook(name string, fn HookFunc) {
	hookRegistry.Lock()
	defer hookRegistry.Unlock()
	if _, exists := hookRegistry.hooks[name]; exists {
		panic(fmt.Sprintf("pipeline: hook %q registered twice", name))
	}
	hookRegistry.hooks[name] = fn
}

// LookupHook returns the hook registered under name.
func LookupHook(name string) (HookFunc, bool) {
	hookRegistry.RLock()
	defer hookRegistry.RUnlock()
	fn, ok := hookRegistry.hooks[name]
	return fn, ok
}

// PluginHookStage runs a registered hook as a pipeline stage.
type PluginHookStage struct {
	name string
	hook string
	fn   HookFunc
}

// NewPluginHookStage resolves the hook by name from the registry.
func NewPluginHookStage(name, hook string) (*PluginHookStage, error) {
	fn, ok := LookupHook(hook)
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown hook %q", hook)
	}
	return &PluginHookStage{name: name, hook: hook, fn: fn}, nil
}

// NewPluginHookStageFunc wraps an explicit function, bypassing the
// registry. Used by embedders and tests.
func NewPluginHookStageFunc(name string, fn HookFunc) *PluginHookStage {
	return &PluginHookStage{name: name, hook: name, fn: fn}
}

func (s *PluginHookStage) Kind() Kind   { return KindCustomPluginHook }
func (s *PluginHookStage) Name() string { return s.name }

func (s *PluginHookStage) Run(ctx context.Context, state *State) (Outcome, error) {
	return s.fn(ctx, state)
}
