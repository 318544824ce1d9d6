package pipeline

import (
	"fmt"
	"sync"
)

// Manager maps bot instances to their pipelines. Pipelines are replaced
// whole on reload; a turn that already resolved its pipeline keeps
// executing the version it captured.
type Manager struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{pipelines: make(map[string]*Pipeline)}
}

// Load binds a pipeline to a bot instance, replacing any previous one.
// The new pipeline's version must not go backwards.
func (m *Manager) Load(botID string, p *Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.pipelines[botID]; ok {
		if p.Definition().Version < prev.Definition().Version {
			return fmt.Errorf("pipeline version %d for bot %s is older than loaded version %d",
				p.Definition().Version, botID, prev.Definition().Version)
		}
	}
	m.pipelines[botID] = p
	return nil
}

// Resolve returns the currently bound pipeline for the bot.
func (m *Manager) Resolve(botID string) (*Pipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[botID]
	return p, ok
}

// Remove unbinds the bot's pipeline. In-flight turns finish against the
// version they captured.
func (m *Manager) Remove(botID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pipelines, botID)
}

// Bots lists the bot instances with a bound pipeline.
func (m *Manager) Bots() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pipelines))
	for id := range m.pipelines {
		out = append(out, id)
	}
	return out
}
