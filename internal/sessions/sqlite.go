package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/omnibot-dev/omnibot/pkg/models"
)

// SQLiteStore persists sessions in a local sqlite database. Per-key
// exclusion is still in-process; the database only provides durability
// across restarts, not cross-process locking.
type SQLiteStore struct {
	db        *sql.DB
	locker    *Locker
	retention Retention
	nowFunc   func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists.
func NewSQLiteStore(path string, retention Retention) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sessions: sqlite path is required")
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; modernc sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			key          TEXT PRIMARY KEY,
			data         TEXT NOT NULL,
			last_turn_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	return &SQLiteStore{
		db:        db,
		locker:    NewLocker(),
		retention: retention,
		nowFunc:   time.Now,
	}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetOrCreate returns the session for key, creating it lazily.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, key Key) (*models.Session, error) {
	var sess *models.Session
	err := s.WithSession(ctx, key, func(working *models.Session) error {
		sess = snapshot(working)
		return nil
	})
	return sess, err
}

// Get returns the stored session, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, key Key) (*models.Session, error) {
	return s.load(ctx, key)
}

// WithSession runs fn under the key's exclusive lock and commits the
// mutated session only when fn returns nil.
func (s *SQLiteStore) WithSession(ctx context.Context, key Key, fn func(*models.Session) error) error {
	release, err := s.locker.Acquire(ctx, key.String())
	if err != nil {
		return err
	}
	defer release()

	working, err := s.load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		now := s.nowFunc()
		working = &models.Session{
			ID:            uuid.NewString(),
			Key:           key.String(),
			BotInstanceID: key.BotInstanceID,
			Platform:      key.Platform,
			ChatScope:     key.ChatScope,
			Vars:          map[string]any{},
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	} else if err != nil {
		return err
	}

	if err := fn(working); err != nil {
		return err
	}

	working.UpdatedAt = s.nowFunc()
	s.retention.Trim(working)
	return s.save(ctx, key, working)
}

// Delete removes the session under the key's exclusion.
func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	release, err := s.locker.Acquire(ctx, key.String())
	if err != nil {
		return err
	}
	defer release()

	_, err = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key.String())
	return err
}

// IdleKeys returns keys whose last turn finished before cutoff.
func (s *SQLiteStore) IdleKeys(ctx context.Context, cutoff time.Time) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM sessions WHERE last_turn_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sess models.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			continue
		}
		keys = append(keys, Key{
			BotInstanceID: sess.BotInstanceID,
			Platform:      sess.Platform,
			ChatScope:     sess.ChatScope,
		})
	}
	return keys, rows.Err()
}

// Evict deletes the session if it is still idle once the lock is held.
func (s *SQLiteStore) Evict(ctx context.Context, key Key, cutoff time.Time) (bool, error) {
	release, err := s.locker.Acquire(ctx, key.String())
	if err != nil {
		return false, err
	}
	defer release()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE key = ? AND last_turn_at < ?`,
		key.String(), cutoff.UnixMilli())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CleanupLocks drops idle lock entries.
func (s *SQLiteStore) CleanupLocks(cutoff time.Time) {
	s.locker.Cleanup(cutoff)
}

func (s *SQLiteStore) load(ctx context.Context, key Key) (*models.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sessions WHERE key = ?`, key.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var sess models.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	if sess.Vars == nil {
		sess.Vars = map[string]any{}
	}
	return &sess, nil
}

func (s *SQLiteStore) save(ctx context.Context, key Key, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", key, err)
	}

	last := sess.LastTurnAt
	if last.IsZero() {
		last = sess.CreatedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (key, data, last_turn_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET data = excluded.data, last_turn_at = excluded.last_turn_at
	`, key.String(), string(data), last.UnixMilli())
	return err
}
