package realtime

import (
	"encoding/json"
	"log/slog"
	"testing"

	v1 "quadchat/contracts/chat/v1"
)

func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestRegistry_EmitReachesEverySessionOfUser(t *testing.T) {
	t.Parallel()

	r := NewRegistry(slog.Default())

	tab1 := NewClient("s1", "alice", "Alice", 8)
	tab2 := NewClient("s2", "alice", "Alice", 8)
	other := NewClient("s3", "bob", "Bob", 8)
	r.Add(tab1)
	r.Add(tab2)
	r.Add(other)

	r.EmitToUser("alice", v1.TypeUnreadCount, v1.UnreadCountPayload{ConversationID: "c1", UnreadCount: 2})

	for _, c := range []*Client{tab1, tab2} {
		got := drain(c)
		if len(got) != 1 {
			t.Fatalf("session %s: got %d envelopes, want 1", c.SessionID, len(got))
		}
		if got[0].Type != v1.TypeUnreadCount || got[0].V != v1.Version {
			t.Fatalf("bad envelope: %+v", got[0])
		}
		var p v1.UnreadCountPayload
		if err := json.Unmarshal(got[0].Payload, &p); err != nil || p.UnreadCount != 2 {
			t.Fatalf("bad payload: %v %+v", err, p)
		}
	}
	if got := drain(other); len(got) != 0 {
		t.Fatalf("bob must not receive alice's events, got %d", len(got))
	}
}

func TestRegistry_EmitToAbsentUserIsNoop(t *testing.T) {
	t.Parallel()

	r := NewRegistry(slog.Default())
	// Must not panic or block.
	r.EmitToUser("ghost", v1.TypeNewMessage, v1.MessagePayload{ID: "m1"})
}

func TestRegistry_RemoveClosesAndUnregisters(t *testing.T) {
	t.Parallel()

	r := NewRegistry(slog.Default())
	c := NewClient("s1", "alice", "Alice", 8)
	r.Add(c)
	r.Remove(c)

	select {
	case <-c.Done():
	default:
		t.Fatalf("removed client must be closed")
	}

	r.EmitToUser("alice", v1.TypeNewMessage, v1.MessagePayload{ID: "m1"})
	if got := drain(c); len(got) != 0 {
		t.Fatalf("removed session must not receive events")
	}
}

func TestClient_TryEnqueue(t *testing.T) {
	t.Parallel()

	c := NewClient("s1", "alice", "Alice", 1)

	env, err := NewEnvelope(v1.TypeConnected, v1.ConnectedPayload{UserID: "alice"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	if !c.TryEnqueue(env) {
		t.Fatalf("first enqueue should succeed")
	}
	if c.TryEnqueue(env) {
		t.Fatalf("full queue must drop, not block")
	}

	c.Close()
	c.Close() // idempotent
	<-c.Send  // free the slot; closed client still refuses
	if c.TryEnqueue(env) {
		t.Fatalf("closed client must refuse envelopes")
	}
}
