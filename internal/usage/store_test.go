package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/talktime/internal/storage"
	"github.com/goodtune/talktime/internal/storage/memory"
	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T, atomic bool) (*Store, *memory.Store) {
	t.Helper()
	backend := memory.New()
	store := NewStore(backend.Usage(), Config{
		FreeLimitSeconds: DefaultFreeLimitSeconds,
		AtomicUpdates:    atomic,
	}, zerolog.Nop())
	return store, backend
}

func TestLoadUsageNewUser(t *testing.T) {
	store, _ := newTestStore(t, false)

	rec := store.LoadUsage(context.Background(), "new-user")
	if rec == nil {
		t.Fatal("expected default record, got nil")
	}
	if rec.RemainingSeconds != 1200 {
		t.Errorf("expected remaining 1200, got %d", rec.RemainingSeconds)
	}
	if rec.TotalConsumedSeconds != 0 {
		t.Errorf("expected total 0, got %d", rec.TotalConsumedSeconds)
	}
}

func TestLoadUsageDoesNotCreateRecord(t *testing.T) {
	store, backend := newTestStore(t, false)
	ctx := context.Background()

	store.LoadUsage(ctx, "reader")

	if _, err := backend.Usage().GetUsage(ctx, "reader"); err != storage.ErrNotFound {
		t.Errorf("expected no stored record after load, got %v", err)
	}
}

func TestLoadUsageFailures(t *testing.T) {
	store, backend := newTestStore(t, false)
	ctx := context.Background()

	if rec := store.LoadUsage(ctx, ""); rec != nil {
		t.Errorf("expected nil for empty user id, got %+v", rec)
	}

	backend.FailReads(true)
	if rec := store.LoadUsage(ctx, "user-1"); rec != nil {
		t.Errorf("expected nil when store is unavailable, got %+v", rec)
	}
}

func TestUpdateUsage(t *testing.T) {
	store, _ := newTestStore(t, false)
	ctx := context.Background()

	if !store.UpdateUsage(ctx, "user-1", 10) {
		t.Fatal("expected update to succeed")
	}

	rec := store.LoadUsage(ctx, "user-1")
	if rec.TotalConsumedSeconds != 10 || rec.RemainingSeconds != 1190 {
		t.Errorf("expected {10, 1190}, got {%d, %d}", rec.TotalConsumedSeconds, rec.RemainingSeconds)
	}
	if rec.UpdatedAt.IsZero() {
		t.Error("expected updated_at to be set")
	}
}

func TestUpdateUsageClampsAtZero(t *testing.T) {
	for _, atomic := range []bool{false, true} {
		store, backend := newTestStore(t, atomic)
		ctx := context.Background()

		if err := backend.Usage().PutUsage(ctx, "user-1", storage.UsageDocument{
			TotalConversationSeconds: 1195,
			Remaining:                5,
		}); err != nil {
			t.Fatalf("seed failed: %v", err)
		}

		if !store.UpdateUsage(ctx, "user-1", 10) {
			t.Fatalf("atomic=%v: expected update to succeed", atomic)
		}

		rec := store.LoadUsage(ctx, "user-1")
		if rec.RemainingSeconds != 0 {
			t.Errorf("atomic=%v: expected remaining 0, got %d", atomic, rec.RemainingSeconds)
		}
		if rec.TotalConsumedSeconds != 1205 {
			t.Errorf("atomic=%v: expected total 1205, got %d", atomic, rec.TotalConsumedSeconds)
		}
		if CanStartCall(rec) {
			t.Errorf("atomic=%v: expected CanStartCall false at zero balance", atomic)
		}
	}
}

func TestUpdateUsageRejectsInvalidInput(t *testing.T) {
	store, backend := newTestStore(t, false)
	ctx := context.Background()

	if store.UpdateUsage(ctx, "", 10) {
		t.Error("expected update without user id to fail")
	}
	if store.UpdateUsage(ctx, "user-1", -10) {
		t.Error("expected negative delta to fail")
	}
	if _, err := backend.Usage().GetUsage(ctx, "user-1"); err != storage.ErrNotFound {
		t.Errorf("expected rejected update to write nothing, got %v", err)
	}
}

func TestUpdateUsageStoreFailure(t *testing.T) {
	store, backend := newTestStore(t, false)
	ctx := context.Background()

	backend.FailWrites(true)
	if store.UpdateUsage(ctx, "user-1", 10) {
		t.Error("expected update to fail when writes fail")
	}

	backend.FailWrites(false)
	backend.FailReads(true)
	if store.UpdateUsage(ctx, "user-1", 10) {
		t.Error("expected update to fail when reads fail")
	}
}

func TestUpdateUsageSequentialFlushesSum(t *testing.T) {
	for _, atomic := range []bool{false, true} {
		store, _ := newTestStore(t, atomic)
		ctx := context.Background()

		const flushes = 7
		for i := 0; i < flushes; i++ {
			if !store.UpdateUsage(ctx, "user-1", 10) {
				t.Fatalf("atomic=%v: flush %d failed", atomic, i)
			}
		}

		rec := store.LoadUsage(ctx, "user-1")
		if rec.TotalConsumedSeconds != flushes*10 {
			t.Errorf("atomic=%v: expected total %d, got %d", atomic, flushes*10, rec.TotalConsumedSeconds)
		}
		if rec.RemainingSeconds != 1200-flushes*10 {
			t.Errorf("atomic=%v: expected remaining %d, got %d", atomic, 1200-flushes*10, rec.RemainingSeconds)
		}
	}
}

func TestUpdateUsageStaleSnapshotLosesDelta(t *testing.T) {
	store, backend := newTestStore(t, false)
	ctx := context.Background()

	if err := backend.Usage().PutUsage(ctx, "user-1", storage.DefaultUsageDocument("user-1", 1200)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// The first writer reads, then a second writer completes a full update
	// before the first one writes back its stale snapshot.
	interleaved := false
	backend.SetAfterGet(func(userID string) {
		if interleaved {
			return
		}
		interleaved = true
		if !store.UpdateUsage(ctx, userID, 10) {
			t.Error("interleaved update failed")
		}
	})

	if !store.UpdateUsage(ctx, "user-1", 10) {
		t.Fatal("expected update to succeed")
	}
	backend.SetAfterGet(nil)

	rec := store.LoadUsage(ctx, "user-1")
	if rec.TotalConsumedSeconds != 10 {
		t.Errorf("expected one delta to be lost (total 10), got %d", rec.TotalConsumedSeconds)
	}
}

func TestUpdateUsageAtomicConcurrent(t *testing.T) {
	store, _ := newTestStore(t, true)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.UpdateUsage(ctx, "user-1", 10)
		}()
	}
	wg.Wait()

	rec := store.LoadUsage(ctx, "user-1")
	if rec.TotalConsumedSeconds != 200 {
		t.Errorf("expected total 200, got %d", rec.TotalConsumedSeconds)
	}
	if rec.RemainingSeconds != 1000 {
		t.Errorf("expected remaining 1000, got %d", rec.RemainingSeconds)
	}
}

func TestGrant(t *testing.T) {
	store, backend := newTestStore(t, false)
	ctx := context.Background()
	backend.SetClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) })

	rec, err := store.Grant(ctx, "user-1", 600)
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if rec.RemainingSeconds != 1800 {
		t.Errorf("expected remaining 1800, got %d", rec.RemainingSeconds)
	}
	if !rec.UpdatedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("unexpected updated_at %v", rec.UpdatedAt)
	}

	if _, err := store.Grant(ctx, "user-1", 0); err == nil {
		t.Error("expected zero grant to fail")
	}
	if _, err := store.Grant(ctx, "", 10); err == nil {
		t.Error("expected grant without user id to fail")
	}
}
