// Package sessions provides per-conversation state with per-key exclusion.
//
// Exactly one session exists per key at any time, and WithSession is the
// only mutation path: it serializes turns within one conversation while
// unrelated keys proceed fully in parallel. The idle reaper evicts through
// the same per-key exclusion, so eviction never races a live turn.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/omnibot-dev/omnibot/pkg/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("sessions: not found")

// Key identifies one conversation: (bot instance, platform, chat scope).
type Key struct {
	BotInstanceID string
	Platform      models.Platform
	ChatScope     string
}

// String renders the key in its canonical form.
func (k Key) String() string {
	return k.BotInstanceID + ":" + string(k.Platform) + ":" + k.ChatScope
}

// Store is the interface for session state.
type Store interface {
	// GetOrCreate returns a snapshot of the session for key, creating it
	// lazily on first contact.
	GetOrCreate(ctx context.Context, key Key) (*models.Session, error)

	// Get returns a snapshot of the session, or ErrNotFound.
	Get(ctx context.Context, key Key) (*models.Session, error)

	// WithSession runs fn while holding the key's exclusive lock. The
	// session is created lazily if missing. Mutations made by fn are
	// committed when fn returns nil and discarded when it returns an
	// error. Waiters acquire the lock in arrival order.
	WithSession(ctx context.Context, key Key, fn func(*models.Session) error) error

	// Delete removes the session under the key's exclusion.
	Delete(ctx context.Context, key Key) error

	// IdleKeys returns keys whose last turn finished before cutoff.
	IdleKeys(ctx context.Context, cutoff time.Time) ([]Key, error)

	// Evict deletes the session if it is still idle past cutoff once the
	// per-key lock is held. Returns true when the session was removed.
	Evict(ctx context.Context, key Key, cutoff time.Time) (bool, error)
}

// Retention bounds a session's turn history.
type Retention struct {
	// MaxMessages is the maximum history length; 0 means unbounded.
	MaxMessages int `yaml:"max_messages"`
}

// Trim drops the oldest messages beyond the retention bound, FIFO.
func (r Retention) Trim(s *models.Session) {
	if r.MaxMessages <= 0 || len(s.History) <= r.MaxMessages {
		return
	}
	drop := len(s.History) - r.MaxMessages
	s.History = append([]*models.Message(nil), s.History[drop:]...)
}
