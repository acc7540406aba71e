package database

import (
	"testing"
	"time"

	"github.com/duocall/duocall/internal/models"
)

func newTestStore(t *testing.T) *CallStore {
	t.Helper()
	db, err := Initialize(":memory:")
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	return NewCallStore(db)
}

func record(id string, createdAt time.Time, status models.CallStatus) models.Call {
	return models.Call{
		ID:         id,
		CallerID:   "alice",
		ReceiverID: "bob",
		Type:       models.CallTypeVideo,
		Mode:       models.CallModeNormal,
		Status:     status,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

func TestSaveAndHistory(t *testing.T) {
	store := newTestStore(t)
	base := time.Unix(1700000000, 0)

	first := record("call-1", base, models.CallStatusEnded)
	second := record("call-2", base.Add(time.Minute), models.CallStatusMissed)
	for _, c := range []models.Call{first, second} {
		if err := store.SaveCall(&c); err != nil {
			t.Fatalf("save %s: %v", c.ID, err)
		}
	}

	for _, userID := range []string{"alice", "bob"} {
		calls, err := store.History(userID)
		if err != nil {
			t.Fatalf("history %s: %v", userID, err)
		}
		if len(calls) != 2 {
			t.Fatalf("%s: expected 2 calls, got %d", userID, len(calls))
		}
		if calls[0].ID != "call-2" || calls[1].ID != "call-1" {
			t.Fatalf("%s: wrong order: %s, %s", userID, calls[0].ID, calls[1].ID)
		}
	}

	calls, err := store.History("stranger")
	if err != nil {
		t.Fatalf("history stranger: %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("stranger sees %d calls", len(calls))
	}
}

func TestSaveCallIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	base := time.Unix(1700000000, 0)

	call := record("call-1", base, models.CallStatusEnded)
	started := base.Add(5 * time.Second)
	ended := base.Add(35 * time.Second)
	call.StartedAt = &started
	call.EndedAt = &ended

	// A retry after a partially failed write replays the same record.
	if err := store.SaveCall(&call); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveCall(&call); err != nil {
		t.Fatalf("replayed save: %v", err)
	}

	calls, err := store.History("alice")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 record, got %d", len(calls))
	}
	if d, ok := calls[0].Duration(); !ok || d != 30*time.Second {
		t.Fatalf("duration %v ok=%v", d, ok)
	}
}
