package table

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcdev12/livevote/go/internal/models"
)

func nextChange(t *testing.T, tbl Table) Change {
	t.Helper()
	select {
	case c := <-tbl.Changes():
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return Change{}
}

func TestMemoryTableScenario(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemoryTable()
	defer tbl.Close()

	if err := tbl.Set(ctx, DefaultRoom, "A", models.NewPlaceholderRecord("Alice")); err != nil {
		t.Fatalf("Set(A) error = %v", err)
	}
	c := nextChange(t, tbl)
	if c.Room != DefaultRoom || len(c.Table) != 1 || c.Table["A"].Vote != models.SentinelVote {
		t.Fatalf("unexpected change after A joins: %+v", c)
	}

	if err := tbl.Set(ctx, DefaultRoom, "B", models.NewPlaceholderRecord("Bob")); err != nil {
		t.Fatalf("Set(B) error = %v", err)
	}
	if c := nextChange(t, tbl); len(c.Table) != 2 {
		t.Fatalf("expected two records, got %+v", c.Table)
	}

	if err := tbl.Set(ctx, DefaultRoom, "A", models.VoteRecord{DisplayName: "Alice", Vote: 2}); err != nil {
		t.Fatalf("Set(A, 2) error = %v", err)
	}
	c = nextChange(t, tbl)
	if c.Table["A"].Vote != 2 || c.Table["B"].Vote != models.SentinelVote {
		t.Fatalf("unexpected table after vote: %+v", c.Table)
	}

	if err := tbl.Remove(ctx, DefaultRoom, "A"); err != nil {
		t.Fatalf("Remove(A) error = %v", err)
	}
	c = nextChange(t, tbl)
	if _, ok := c.Table["A"]; ok || len(c.Table) != 1 {
		t.Fatalf("A should be gone: %+v", c.Table)
	}
}

func TestMemoryTableRejectsNameChange(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemoryTable()
	defer tbl.Close()

	if err := tbl.Set(ctx, DefaultRoom, "A", models.NewPlaceholderRecord("Alice")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	nextChange(t, tbl)

	err := tbl.Set(ctx, DefaultRoom, "A", models.VoteRecord{DisplayName: "Mallory", Vote: 1})
	if !errors.Is(err, ErrNameImmutable) {
		t.Fatalf("expected ErrNameImmutable, got %v", err)
	}

	snap, _ := tbl.Snapshot(ctx, DefaultRoom)
	if snap["A"].DisplayName != "Alice" || snap["A"].Vote != models.SentinelVote {
		t.Fatalf("record changed despite rejection: %+v", snap["A"])
	}
}

func TestMemoryTableRoomsAreIsolated(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemoryTable()
	defer tbl.Close()

	if err := tbl.Set(ctx, "red", "A", models.NewPlaceholderRecord("Alice")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	nextChange(t, tbl)

	snap, err := tbl.Snapshot(ctx, "blue")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap) != 0 {
		t.Fatalf("blue room should be empty, got %+v", snap)
	}
}

func TestMemoryTableRemoveMissingIsSilent(t *testing.T) {
	tbl := NewMemoryTable()
	defer tbl.Close()

	if err := tbl.Remove(context.Background(), DefaultRoom, "ghost"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	select {
	case c := <-tbl.Changes():
		t.Fatalf("no change expected, got %+v", c)
	default:
	}
}

func TestMemoryTableSnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemoryTable()
	defer tbl.Close()

	_ = tbl.Set(ctx, DefaultRoom, "A", models.NewPlaceholderRecord("Alice"))
	nextChange(t, tbl)

	snap, _ := tbl.Snapshot(ctx, DefaultRoom)
	snap["A"] = models.VoteRecord{DisplayName: "Alice", Vote: 9}

	again, _ := tbl.Snapshot(ctx, DefaultRoom)
	if again["A"].Vote != models.SentinelVote {
		t.Fatalf("snapshot mutation leaked into table: %+v", again["A"])
	}
}

func TestMemoryTableValidation(t *testing.T) {
	tbl := NewMemoryTable()
	ctx := context.Background()

	if err := tbl.Set(ctx, "bad room!", "A", models.NewPlaceholderRecord("Alice")); !errors.Is(err, ErrInvalidRoom) {
		t.Fatalf("expected ErrInvalidRoom, got %v", err)
	}

	tbl.Close()
	if err := tbl.Set(ctx, DefaultRoom, "A", models.NewPlaceholderRecord("Alice")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestValidRoom(t *testing.T) {
	tests := map[string]bool{
		"votes":      true,
		"team-1_red": true,
		"":           false,
		"a.b":        false,
		"with space": false,
		"a>":         false,
	}
	for room, want := range tests {
		if got := ValidRoom(room); got != want {
			t.Errorf("ValidRoom(%q) = %v, want %v", room, got, want)
		}
	}
}
