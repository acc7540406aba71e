package guest

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestManager() *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager("devkey", "devsecret-devsecret-devsecret-32", "wss://media.example.com", time.Hour, logger)
}

func TestCreateRoomIssuesJoinableSession(t *testing.T) {
	m := newTestManager()
	m.nowFn = func() time.Time { return time.Unix(1700000000, 0) }

	s, err := m.CreateRoom("Ada")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if s.RoomID == "" || s.Token == "" {
		t.Fatalf("incomplete session %+v", s)
	}
	if s.ServerURL != "wss://media.example.com" {
		t.Fatalf("server url %q", s.ServerURL)
	}
	if want := time.Unix(1700000000, 0).Add(time.Hour); !s.ExpiresAt.Equal(want) {
		t.Fatalf("expires at %v, want %v", s.ExpiresAt, want)
	}

	room, err := m.ValidateToken(s.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if room != s.RoomID {
		t.Fatalf("token scoped to %q, session room is %q", room, s.RoomID)
	}
}

func TestJoinRoomScopesTokenToThatRoom(t *testing.T) {
	m := newTestManager()

	host, err := m.CreateRoom("Ada")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	guest, err := m.JoinRoom(host.RoomID, "Grace")
	if err != nil {
		t.Fatalf("join room: %v", err)
	}
	room, err := m.ValidateToken(guest.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if room != host.RoomID {
		t.Fatalf("guest token scoped to %q, want %q", room, host.RoomID)
	}
}

func TestEmptyDisplayNameRejected(t *testing.T) {
	m := newTestManager()
	if _, err := m.CreateRoom("   "); err != ErrEmptyName {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
	if _, err := m.JoinRoom("room-1", ""); err != ErrEmptyName {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
}

func TestJoinUnknownRoomIDRejected(t *testing.T) {
	m := newTestManager()
	if _, err := m.JoinRoom("  ", "Ada"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestForeignTokensRejected(t *testing.T) {
	m := newTestManager()

	cases := []string{
		"",
		"not-a-jwt",
		"eyJhbGciOiJIUzI1NiJ9.e30.garbage",
	}
	for _, tok := range cases {
		if _, err := m.ValidateToken(tok); err != ErrInvalidToken {
			t.Fatalf("token %q: expected ErrInvalidToken, got %v", tok, err)
		}
	}

	// A structurally valid token signed by someone else's key.
	other := NewManager("otherkey", "othersecret-othersecret-other-32", "wss://media.example.com", time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s, err := other.CreateRoom("Mallory")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := m.ValidateToken(s.Token); err != ErrInvalidToken {
		t.Fatalf("foreign token accepted: %v", err)
	}
}
