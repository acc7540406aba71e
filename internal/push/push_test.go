package push

import (
	"io"
	"log/slog"
	"testing"

	"github.com/duocall/duocall/internal/database"
	"github.com/duocall/duocall/internal/models"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := database.Initialize(":memory:")
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(db, "pub", "priv", "mailto:ops@example.com", logger)
}

func TestSubscribeReplacesPreviousSubscription(t *testing.T) {
	s := newTestService(t)

	first, err := s.Subscribe("alice", "https://push.example.com/one", "p256dh-1", "auth-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := s.Subscribe("alice", "https://push.example.com/two", "p256dh-2", "auth-2")
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected a fresh subscription record")
	}

	var subs []models.PushSubscription
	if err := s.db.Where("user_id = ?", "alice").Find(&subs).Error; err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(subs) != 1 || subs[0].Endpoint != "https://push.example.com/two" {
		t.Fatalf("expected only the latest subscription, got %+v", subs)
	}
}

func TestUnsubscribe(t *testing.T) {
	s := newTestService(t)

	if _, err := s.Subscribe("alice", "https://push.example.com/one", "p", "a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := s.Unsubscribe("alice", "https://push.example.com/one"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := s.Unsubscribe("alice", "https://push.example.com/one"); err != ErrSubscriptionNotFound {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
	// Someone else's endpoint is out of reach.
	if _, err := s.Subscribe("bob", "https://push.example.com/bob", "p", "a"); err != nil {
		t.Fatalf("subscribe bob: %v", err)
	}
	if err := s.Unsubscribe("alice", "https://push.example.com/bob"); err != ErrSubscriptionNotFound {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}
