package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestOnlineRequiresAtLeastOneConnection(t *testing.T) {
	tr := NewTracker()

	if tr.IsOnline("alice") {
		t.Fatalf("unknown user should be offline")
	}

	if came := tr.MarkOnline("alice", "conn-1"); !came {
		t.Fatalf("first connection should flip the user online")
	}
	if came := tr.MarkOnline("alice", "conn-2"); came {
		t.Fatalf("second connection must not report a fresh online edge")
	}
	if !tr.IsOnline("alice") {
		t.Fatalf("alice should be online with two connections")
	}

	if went := tr.MarkOffline("alice", "conn-1"); went {
		t.Fatalf("user still has a live connection, should stay online")
	}
	if !tr.IsOnline("alice") {
		t.Fatalf("alice should still be online")
	}
	if went := tr.MarkOffline("alice", "conn-2"); !went {
		t.Fatalf("last disconnect should flip the user offline")
	}
	if tr.IsOnline("alice") {
		t.Fatalf("alice should be offline")
	}
}

func TestLastSeenStampedOnLastDisconnect(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1_700_000_000, 0)
	tr.nowFn = func() time.Time { return now }

	if _, ok := tr.LastSeen("bob"); ok {
		t.Fatalf("never-seen user must have no last-seen")
	}

	tr.MarkOnline("bob", "c1")
	if _, ok := tr.LastSeen("bob"); ok {
		t.Fatalf("online user must have no last-seen")
	}

	tr.MarkOffline("bob", "c1")
	seen, ok := tr.LastSeen("bob")
	if !ok || !seen.Equal(now) {
		t.Fatalf("expected last-seen %v, got %v (ok=%v)", now, seen, ok)
	}
}

func TestMarkOfflineUnknownConnectionIsNoop(t *testing.T) {
	tr := NewTracker()
	tr.MarkOnline("carol", "c1")

	if went := tr.MarkOffline("carol", "other-conn"); went {
		t.Fatalf("unknown connection must not flip presence")
	}
	if went := tr.MarkOffline("dave", "c1"); went {
		t.Fatalf("unknown user must not flip presence")
	}
	if !tr.IsOnline("carol") {
		t.Fatalf("carol should still be online")
	}
}

func TestConnectionsSnapshot(t *testing.T) {
	tr := NewTracker()
	tr.MarkOnline("erin", "c1")
	tr.MarkOnline("erin", "c2")

	conns := tr.Connections("erin")
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(conns))
	}
	if got := tr.Connections("nobody"); got != nil {
		t.Fatalf("expected nil for unknown user, got %v", got)
	}
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	tr := NewTracker()
	const users = 8
	const connsPerUser = 16

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for c := 0; c < connsPerUser; c++ {
			wg.Add(1)
			go func(u, c int) {
				defer wg.Done()
				userID := fmt.Sprintf("user-%d", u)
				connID := fmt.Sprintf("conn-%d", c)
				tr.MarkOnline(userID, connID)
				tr.IsOnline(userID)
				tr.MarkOffline(userID, connID)
			}(u, c)
		}
	}
	wg.Wait()

	for u := 0; u < users; u++ {
		userID := fmt.Sprintf("user-%d", u)
		if tr.IsOnline(userID) {
			t.Fatalf("%s should be offline after all disconnects", userID)
		}
	}
	if got := len(tr.OnlineUsers()); got != 0 {
		t.Fatalf("expected no online users, got %d", got)
	}
}
