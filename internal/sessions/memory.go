package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omnibot-dev/omnibot/pkg/models"
)

// MemoryStore keeps sessions in process memory. It is the default backend
// and the one used throughout the test suite.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*models.Session
	locker    *Locker
	retention Retention
	nowFunc   func() time.Time
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore(retention Retention) *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*models.Session),
		locker:    NewLocker(),
		retention: retention,
		nowFunc:   time.Now,
	}
}

// SetNowFunc sets a custom time source for testing.
func (s *MemoryStore) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = fn
}

// GetOrCreate returns a snapshot of the session, creating it lazily.
func (s *MemoryStore) GetOrCreate(ctx context.Context, key Key) (*models.Session, error) {
	release, err := s.locker.Acquire(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer release()

	return snapshot(s.getOrCreateLocked(key)), nil
}

// Get returns a snapshot of the session, or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, key Key) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(sess), nil
}

// WithSession runs fn under the key's exclusive lock. fn mutates a working
// copy; the copy replaces the stored session only when fn returns nil, so a
// failed or cancelled turn leaves no partial state behind.
func (s *MemoryStore) WithSession(ctx context.Context, key Key, fn func(*models.Session) error) error {
	release, err := s.locker.Acquire(ctx, key.String())
	if err != nil {
		return err
	}
	defer release()

	working := snapshot(s.getOrCreateLocked(key))
	if err := fn(working); err != nil {
		return err
	}

	working.UpdatedAt = s.now()
	s.retention.Trim(working)

	s.mu.Lock()
	s.sessions[key.String()] = working
	s.mu.Unlock()
	return nil
}

// Delete removes the session under the key's exclusion.
func (s *MemoryStore) Delete(ctx context.Context, key Key) error {
	release, err := s.locker.Acquire(ctx, key.String())
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	delete(s.sessions, key.String())
	s.mu.Unlock()
	return nil
}

// IdleKeys returns keys whose last turn finished before cutoff.
func (s *MemoryStore) IdleKeys(ctx context.Context, cutoff time.Time) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []Key
	for _, sess := range s.sessions {
		last := sess.LastTurnAt
		if last.IsZero() {
			last = sess.CreatedAt
		}
		if last.Before(cutoff) {
			keys = append(keys, Key{
				BotInstanceID: sess.BotInstanceID,
				Platform:      sess.Platform,
				ChatScope:     sess.ChatScope,
			})
		}
	}
	return keys, nil
}

// Evict deletes the session if it is still idle once the lock is held. A
// turn that slipped in between the idle scan and the lock acquisition keeps
// the session alive.
func (s *MemoryStore) Evict(ctx context.Context, key Key, cutoff time.Time) (bool, error) {
	release, err := s.locker.Acquire(ctx, key.String())
	if err != nil {
		return false, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key.String()]
	if !ok {
		return false, nil
	}
	last := sess.LastTurnAt
	if last.IsZero() {
		last = sess.CreatedAt
	}
	if !last.Before(cutoff) {
		return false, nil
	}

	delete(s.sessions, key.String())
	return true, nil
}

// CleanupLocks drops idle lock entries.
func (s *MemoryStore) CleanupLocks(cutoff time.Time) {
	s.locker.Cleanup(cutoff)
}

// getOrCreateLocked returns the stored session, creating it if missing.
// Caller must hold the per-key lock.
func (s *MemoryStore) getOrCreateLocked(key Key) *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key.String()]
	if !ok {
		now := s.nowFunc()
		sess = &models.Session{
			ID:            uuid.NewString(),
			Key:           key.String(),
			BotInstanceID: key.BotInstanceID,
			Platform:      key.Platform,
			ChatScope:     key.ChatScope,
			Vars:          map[string]any{},
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		s.sessions[key.String()] = sess
	}
	return sess
}

func (s *MemoryStore) now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFunc()
}

// snapshot copies a session deeply enough that a caller can mutate it
// without aliasing stored state. Message values are immutable by contract,
// so sharing the pointed-to messages is safe.
func snapshot(sess *models.Session) *models.Session {
	cp := *sess
	cp.History = append([]*models.Message(nil), sess.History...)
	cp.Vars = make(map[string]any, len(sess.Vars))
	for k, v := range sess.Vars {
		cp.Vars[k] = v
	}
	return &cp
}
