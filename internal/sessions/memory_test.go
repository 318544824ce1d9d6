package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/omnibot-dev/omnibot/pkg/models"
)

func testKey(scope string) Key {
	return Key{BotInstanceID: "bot1", Platform: models.PlatformWebhook, ChatScope: scope}
}

func TestMemoryStoreGetOrCreate(t *testing.T) {
	store := NewMemoryStore(Retention{})
	ctx := context.Background()

	sess, err := store.GetOrCreate(ctx, testKey("chat:1"))
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if sess.ID == "" || sess.Key != "bot1:webhook:chat:1" {
		t.Errorf("unexpected session %+v", sess)
	}

	again, err := store.GetOrCreate(ctx, testKey("chat:1"))
	if err != nil {
		t.Fatalf("second get or create: %v", err)
	}
	if again.ID != sess.ID {
		t.Error("same key must map to the same session")
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore(Retention{})
	if _, err := store.Get(context.Background(), testKey("nope")); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestWithSessionCommitsOnSuccess(t *testing.T) {
	store := NewMemoryStore(Retention{})
	ctx := context.Background()
	key := testKey("chat:2")

	err := store.WithSession(ctx, key, func(sess *models.Session) error {
		sess.Append(&models.Message{ID: "m1", Role: models.RoleUser, Content: "hi"})
		sess.TurnCounter++
		return nil
	})
	if err != nil {
		t.Fatalf("with session: %v", err)
	}

	sess, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.TurnCounter != 1 || len(sess.History) != 1 {
		t.Errorf("mutation not committed: %+v", sess)
	}
}

func TestWithSessionDiscardsOnError(t *testing.T) {
	store := NewMemoryStore(Retention{})
	ctx := context.Background()
	key := testKey("chat:3")

	if _, err := store.GetOrCreate(ctx, key); err != nil {
		t.Fatalf("seed: %v", err)
	}

	boom := errors.New("boom")
	err := store.WithSession(ctx, key, func(sess *models.Session) error {
		sess.Append(&models.Message{ID: "m1"})
		sess.TurnCounter = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}

	sess, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.TurnCounter != 0 || len(sess.History) != 0 {
		t.Errorf("failed turn leaked state: %+v", sess)
	}
}

func TestWithSessionSerializesSameKey(t *testing.T) {
	store := NewMemoryStore(Retention{})
	ctx := context.Background()
	key := testKey("chat:4")

	const turns = 50
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithSession(ctx, key, func(sess *models.Session) error {
				// Non-atomic increment: only safe if turns are serialized.
				counter := sess.TurnCounter
				time.Sleep(time.Microsecond)
				sess.TurnCounter = counter + 1
				return nil
			})
			if err != nil {
				t.Errorf("with session: %v", err)
			}
		}()
	}
	wg.Wait()

	sess, _ := store.Get(ctx, key)
	if sess.TurnCounter != turns {
		t.Errorf("turn counter = %d, want %d", sess.TurnCounter, turns)
	}
}

func TestWithSessionIndependentKeysRunInParallel(t *testing.T) {
	store := NewMemoryStore(Retention{})
	ctx := context.Background()

	blocked := make(chan struct{})
	unblock := make(chan struct{})

	go func() {
		_ = store.WithSession(ctx, testKey("slow"), func(*models.Session) error {
			close(blocked)
			<-unblock
			return nil
		})
	}()
	<-blocked
	defer close(unblock)

	done := make(chan struct{})
	go func() {
		_ = store.WithSession(ctx, testKey("fast"), func(*models.Session) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("slow turn on one key delayed another key")
	}
}

func TestRetentionTrimFIFO(t *testing.T) {
	store := NewMemoryStore(Retention{MaxMessages: 3})
	ctx := context.Background()
	key := testKey("chat:5")

	for i := 0; i < 5; i++ {
		i := i
		err := store.WithSession(ctx, key, func(sess *models.Session) error {
			sess.Append(&models.Message{ID: fmt.Sprintf("m%d", i)})
			return nil
		})
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}

	sess, _ := store.Get(ctx, key)
	if len(sess.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(sess.History))
	}
	// Oldest messages dropped first.
	if sess.History[0].ID != "m2" || sess.History[2].ID != "m4" {
		ids := []string{sess.History[0].ID, sess.History[1].ID, sess.History[2].ID}
		t.Errorf("history = %v, want [m2 m3 m4]", ids)
	}
}

func TestEvictSkipsFreshSessions(t *testing.T) {
	store := NewMemoryStore(Retention{})
	ctx := context.Background()
	key := testKey("chat:6")

	err := store.WithSession(ctx, key, func(sess *models.Session) error {
		sess.LastTurnAt = time.Now()
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	evicted, err := store.Evict(ctx, key, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if evicted {
		t.Error("fresh session must not be evicted")
	}
}

func TestEvictRemovesIdleSessions(t *testing.T) {
	store := NewMemoryStore(Retention{})
	ctx := context.Background()
	key := testKey("chat:7")

	err := store.WithSession(ctx, key, func(sess *models.Session) error {
		sess.LastTurnAt = time.Now().Add(-time.Hour)
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	evicted, err := store.Evict(ctx, key, time.Now().Add(-time.Minute))
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
