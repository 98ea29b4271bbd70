package presence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setupTracker(t *testing.T) *Tracker {
	t.Helper()
	s := miniredis.RunT(t)
	tracker, err := New("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { tracker.Close() })
	return tracker
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New("not-a-redis-url"); err == nil {
		t.Fatal("New() error = nil, want parse failure")
	}
}

func TestJoinAndClients(t *testing.T) {
	tracker := setupTracker(t)
	ctx := context.Background()

	for _, clientID := range []string{"c_b", "c_a", "c_b"} {
		if err := tracker.Join(ctx, "d_1", clientID); err != nil {
			t.Fatalf("Join() error = %v", err)
		}
	}

	clients, err := tracker.Clients(ctx, "d_1")
	if err != nil {
		t.Fatalf("Clients() error = %v", err)
	}
	// Rejoining is idempotent and results come back sorted.
	if len(clients) != 2 || clients[0] != "c_a" || clients[1] != "c_b" {
		t.Fatalf("Clients() = %v, want [c_a c_b]", clients)
	}

	n, err := tracker.Count(ctx, "d_1")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Count() = %d, want 2", n)
	}
}

func TestLeaveRemovesClient(t *testing.T) {
	tracker := setupTracker(t)
	ctx := context.Background()

	if err := tracker.Join(ctx, "d_1", "c_a"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := tracker.Leave(ctx, "d_1", "c_a"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}

	n, err := tracker.Count(ctx, "d_1")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("Count() = %d, want 0", n)
	}

	// Leaving twice is harmless.
	if err := tracker.Leave(ctx, "d_1", "c_a"); err != nil {
		t.Fatalf("Leave() again error = %v", err)
	}
}

func TestSnapshotCountsPerDocument(t *testing.T) {
	tracker := setupTracker(t)
	ctx := context.Background()

	joins := map[string][]string{
		"d_1": {"c_a", "c_b"},
		"d_2": {"c_c"},
	}
	for docID, clients := range joins {
		for _, clientID := range clients {
			if err := tracker.Join(ctx, docID, clientID); err != nil {
				t.Fatalf("Join() error = %v", err)
			}
		}
	}

	counts, err := tracker.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(counts) != 2 || counts["d_1"] != 2 || counts["d_2"] != 1 {
		t.Fatalf("Snapshot() = %v", counts)
	}
}

func TestClearRemovesAllSets(t *testing.T) {
	tracker := setupTracker(t)
	ctx := context.Background()

	if err := tracker.Join(ctx, "d_1", "c_a"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := tracker.Join(ctx, "d_2", "c_b"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	if err := tracker.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	counts, err := tracker.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(counts) != 0 {
		t.Fatalf("Snapshot() after Clear = %v, want empty", counts)
	}
}

func TestPing(t *testing.T) {
	tracker := setupTracker(t)
	if err := tracker.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}
