package sessions

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/omnibot-dev/omnibot/pkg/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"), Retention{MaxMessages: 10})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundtrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	key := testKey("chat:1")

	err := store.WithSession(ctx, key, func(sess *models.Session) error {
		sess.Append(&models.Message{ID: "m1", Role: models.RoleUser, Content: "hello"})
		sess.Vars["mood"] = "good"
		sess.TurnCounter = 1
		sess.LastTurnAt = time.Now()
		return nil
	})
	if err != nil {
		t.Fatalf("with session: %v", err)
	}

	sess, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.TurnCounter != 1 || len(sess.History) != 1 || sess.History[0].Content != "hello" {
		t.Errorf("roundtrip lost state: %+v", sess)
	}
	if sess.Vars["mood"] != "good" {
		t.Errorf("vars lost: %v", sess.Vars)
	}
}

func TestSQLiteStoreDiscardsFailedTurn(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	key := testKey("chat:2")

	if _, err := store.GetOrCreate(ctx, key); err != nil {
		t.Fatalf("seed: %v", err)
	}

	boom := errors.New("boom")
	err := store.WithSession(ctx, key, func(sess *models.Session) error {
		sess.TurnCounter = 42
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}

	sess, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.TurnCounter != 0 {
		t.Errorf("failed turn committed, counter = %d", sess.TurnCounter)
	}
}

func TestSQLiteStoreEvict(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	key := testKey("chat:3")

	err := store.WithSession(ctx, key, func(sess *models.Session) error {
		sess.LastTurnAt = time.Now().Add(-2 * time.Hour)
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	cutoff := time.Now().Add(-time.Hour)
	keys, err := store.IdleKeys(ctx, cutoff)
	if err != nil {
		t.Fatalf("idle keys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("idle keys = %v, want one", keys)
	}

	evicted, err := store.Evict(ctx, keys[0], cutoff)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if !evicted {
		t.Fatal("idle session should be evicted")
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("session should be gone, got %v", err)
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.db")
	ctx := context.Background()
	key := testKey("chat:4")

	store, err := NewSQLiteStore(path, Retention{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	err = store.WithSession(ctx, key, func(sess *models.Session) error {
		sess.TurnCounter = 7
		return nil
	})
	if err != nil {
		t.Fatalf("with session: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(path, Retention{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	sess, err := reopened.Get(ctx, key)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if sess.TurnCounter != 7 {
		t.Errorf("counter = %d, want 7", sess.TurnCounter)
	}
}
