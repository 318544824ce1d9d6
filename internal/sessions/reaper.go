package sessions

import (
	"context"
	"log/slog"
	"time"
)

// ReaperConfig configures idle session eviction.
type ReaperConfig struct {
	// IdleTTL is how long a session may sit without a turn before eviction.
	IdleTTL time.Duration `yaml:"idle_ttl"`
	// Interval is how often the reaper scans for idle sessions.
	Interval time.Duration `yaml:"interval"`
}

// DefaultReaperConfig returns the default reaper settings.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		IdleTTL:  30 * time.Minute,
		Interval: time.Minute,
	}
}

// Reaper evicts idle sessions in the background. Eviction goes through the
// store's Evict, which takes the same per-key lock as WithSession, so a
// session mid-turn is never reaped out from under its turn.
type Reaper struct {
	store   Store
	cfg     ReaperConfig
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewReaper creates a reaper for the given store.
func NewReaper(store Store, cfg ReaperConfig, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultReaperConfig()
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaults.IdleTTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}

	return &Reaper{
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "session_reaper"),
		nowFunc: time.Now,
	}
}

// SetNowFunc sets a custom time source for testing.
func (r *Reaper) SetNowFunc(fn func() time.Time) {
	r.nowFunc = fn
}

// Run scans on a ticker until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one eviction pass and returns the number of sessions
// removed.
func (r *Reaper) Sweep(ctx context.Context) int {
	cutoff := r.nowFunc().Add(-r.cfg.IdleTTL)

	keys, err := r.store.IdleKeys(ctx, cutoff)
	if err != nil {
		r.logger.Error("idle scan failed", "error", err)
		return 0
	}

	evicted := 0
	for _, key := range keys {
		ok, err := r.store.Evict(ctx, key, cutoff)
		if err != nil {
			r.logger.Warn("eviction failed", "key", key.String(), "error", err)
			continue
		}
		if ok {
			evicted++
		}
	}

	if evicted > 0 {
		r.logger.Debug("evicted idle sessions", "count", evicted)
	}

	// Prune the per-key lock table alongside the sessions, or it grows
	// by one entry per conversation ever seen.
	if janitor, ok := r.store.(interface{ CleanupLocks(time.Time) }); ok {
		janitor.CleanupLocks(cutoff)
	}
	return evicted
}
