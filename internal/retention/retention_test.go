package retention_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/retention"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// waitFor polls check until it returns true or the deadline elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestSweeper_RejectsBadSchedule(t *testing.T) {
	_, err := retention.NewSweeper(retention.Config{
		Store:    openTestStore(t),
		Schedule: "not a cron expr",
	})
	if err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestSweeper_PurgesOnStartup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	blob, err := store.SaveFile(ctx, "stale.txt", "text/plain", []byte("old"))
	if err != nil {
		t.Fatalf("save file: %v", err)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -10)
	if _, err := store.DB().ExecContext(ctx, `UPDATE files SET created_at = ? WHERE id = ?;`, cutoff, blob.ID); err != nil {
		t.Fatalf("age file: %v", err)
	}

	sweeper, err := retention.NewSweeper(retention.Config{
		Store:    store,
		FileDays: 7,
		Interval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	waitFor(t, 3*time.Second, func() bool {
		_, err := store.GetFile(ctx, blob.ID)
		return errors.Is(err, persistence.ErrNotFound)
	})
}

func TestSweeper_ZeroDaysKeepsFiles(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	blob, err := store.SaveFile(ctx, "keep.txt", "text/plain", []byte("keep"))
	if err != nil {
		t.Fatalf("save file: %v", err)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -100)
	if _, err := store.DB().ExecContext(ctx, `UPDATE files SET created_at = ? WHERE id = ?;`, cutoff, blob.ID); err != nil {
		t.Fatalf("age file: %v", err)
	}

	sweeper, err := retention.NewSweeper(retention.Config{
		Store:    store,
		FileDays: 0,
		Interval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	sweeper.Start(ctx)

	// Give the startup sweep time to run, then stop and verify survival.
	time.Sleep(100 * time.Millisecond)
	sweeper.Stop()

	if _, err := store.GetFile(ctx, blob.ID); err != nil {
		t.Fatalf("file purged despite zero keep window: %v", err)
	}
}
