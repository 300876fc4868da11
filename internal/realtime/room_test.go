package realtime

import (
	"log/slog"
	"testing"

	v1 "quadchat/contracts/chat/v1"
)

func TestRoom_BroadcastExcludesUserSessions(t *testing.T) {
	t.Parallel()

	hub := NewRoomHub(slog.Default())

	aliceTab1 := NewClient("s1", "alice", "Alice", 8)
	aliceTab2 := NewClient("s2", "alice", "Alice", 8)
	bob := NewClient("s3", "bob", "Bob", 8)

	room := hub.Join("c1", aliceTab1)
	hub.Join("c1", aliceTab2)
	hub.Join("c1", bob)

	env, err := NewEnvelope(v1.TypeTyping, v1.TypingPayload{ConversationID: "c1", UserID: "alice", UserName: "Alice"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	room.Broadcast(env, "alice")

	if got := drain(bob); len(got) != 1 {
		t.Fatalf("bob should hear typing, got %d", len(got))
	}
	// Exclusion is per user, not per session: the typist's other tab stays quiet.
	if got := drain(aliceTab1); len(got) != 0 {
		t.Fatalf("typist session 1 must not echo")
	}
	if got := drain(aliceTab2); len(got) != 0 {
		t.Fatalf("typist session 2 must not echo")
	}
}

func TestRoom_BroadcastAllWhenNoExclusion(t *testing.T) {
	t.Parallel()

	hub := NewRoomHub(slog.Default())
	a := NewClient("s1", "alice", "Alice", 8)
	b := NewClient("s2", "bob", "Bob", 8)
	room := hub.Join("c1", a)
	hub.Join("c1", b)

	env, err := NewEnvelope(v1.TypeMessage, v1.MessagePayload{ID: "m1", ConversationID: "c1"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	room.Broadcast(env, "")

	for _, c := range []*Client{a, b} {
		if got := drain(c); len(got) != 1 {
			t.Fatalf("session %s: got %d, want 1", c.SessionID, len(got))
		}
	}
}

func TestRoomHub_LeaveCleansUpEmptyRooms(t *testing.T) {
	t.Parallel()

	hub := NewRoomHub(slog.Default())
	c := NewClient("s1", "alice", "Alice", 8)

	hub.Join("c1", c)
	if hub.Get("c1") == nil {
		t.Fatalf("room must exist while occupied")
	}

	hub.Leave("c1", "s1")
	if hub.Get("c1") != nil {
		t.Fatalf("empty room must be removed")
	}

	// Leaving must not close the client: the session may be in other rooms.
	select {
	case <-c.Done():
		t.Fatalf("leave must not shut down the session")
	default:
	}

	// Leaving a room twice, or a room that never existed, is a no-op.
	hub.Leave("c1", "s1")
	hub.Leave("never", "s1")
}

func TestRoomHub_GetUnknownRoomIsNil(t *testing.T) {
	t.Parallel()

	hub := NewRoomHub(slog.Default())
	if hub.Get("missing") != nil {
		t.Fatalf("unknown room must be nil")
	}

	// Broadcasting on a nil room is safe.
	var r *Room
	env, _ := NewEnvelope(v1.TypeMessage, v1.MessagePayload{ID: "m1"})
	r.Broadcast(env, "")
}
