package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func seedConversation(t *testing.T, s *MemoryStore, id, a, b string, listing *string) *Conversation {
	t.Helper()

	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	conv := &Conversation{
		ID: id,
		Participants: [2]Participant{
			{UserID: a, Visibility: VisibilityVisible},
			{UserID: b, Visibility: VisibilityVisible},
		},
		ListingID: listing,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return conv
}

func TestMemoryStore_FindActiveConversation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	listing := "bike-123"
	seedConversation(t, s, "c1", "alice", "bob", nil)
	seedConversation(t, s, "c2", "alice", "bob", &listing)

	got, found, err := s.FindActiveConversation(ctx, PairKey("bob", "alice"), nil)
	if err != nil || !found {
		t.Fatalf("find general: found=%v err=%v", found, err)
	}
	if got.ID != "c1" {
		t.Fatalf("expected c1, got %s", got.ID)
	}

	got, found, err = s.FindActiveConversation(ctx, PairKey("alice", "bob"), &listing)
	if err != nil || !found {
		t.Fatalf("find listing-scoped: found=%v err=%v", found, err)
	}
	if got.ID != "c2" {
		t.Fatalf("expected c2, got %s", got.ID)
	}

	// Deactivated conversations never satisfy the active-pair lookup.
	if err := s.Deactivate(ctx, "c1"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, found, _ = s.FindActiveConversation(ctx, PairKey("alice", "bob"), nil); found {
		t.Fatalf("inactive conversation must not be found")
	}
}

func TestMemoryStore_ApplySendErrors(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.ApplySend(ctx, "missing", LastMessage{}, "bob", now); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}

	seedConversation(t, s, "c1", "alice", "bob", nil)
	if _, err := s.ApplySend(ctx, "c1", LastMessage{}, "cara", now); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestMemoryStore_ApplySendUnhidesRecipient(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	seedConversation(t, s, "c1", "alice", "bob", nil)
	if err := s.SetVisibility(ctx, "c1", "bob", true, now); err != nil {
		t.Fatalf("SetVisibility: %v", err)
	}

	unread, err := s.ApplySend(ctx, "c1", LastMessage{Content: "hi", SenderID: "alice", SentAt: now, Type: MessageTypeText}, "bob", now)
	if err != nil {
		t.Fatalf("ApplySend: %v", err)
	}
	if unread != 1 {
		t.Fatalf("unread = %d, want 1", unread)
	}

	conv, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Participant("bob").Hidden() {
		t.Fatalf("recipient must be un-hidden by an incoming message")
	}
	if conv.LastMessage == nil || conv.LastMessage.Content != "hi" {
		t.Fatalf("last message snapshot missing: %+v", conv.LastMessage)
	}
}

func TestMemoryStore_PageClamping(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	seedConversation(t, s, "c1", "alice", "bob", nil)

	// Absurd limits are clamped, absurd pages normalized to 1.
	_, total, err := s.ListConversations(ctx, "alice", Page{Page: -3, Limit: 10_000})
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}

	msgs, total, err := s.ListMessages(ctx, "c1", "alice", Page{Page: 99, Limit: 50})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 || total != 0 {
		t.Fatalf("expected empty page, got %d msgs total %d", len(msgs), total)
	}
}

func TestMemoryStore_CopiesAreIsolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	seedConversation(t, s, "c1", "alice", "bob", nil)

	got, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	got.Participants[0].UnreadCount = 99
	got.IsActive = false

	again, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if again.Participants[0].UnreadCount != 0 || !again.IsActive {
		t.Fatalf("caller mutation leaked into the store: %+v", again)
	}
}

func TestMemoryStore_ConcurrentListAndWrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 4; i++ {
		id := string(rune('a' + i))
		seedConversation(t, s, "c"+id, "alice", "bob", nil)
		msg := &Message{
			ID:             "m" + id,
			ConversationID: "c" + id,
			SenderID:       "bob",
			Content:        "hi",
			Type:           MessageTypeText,
			CreatedAt:      now,
		}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		conv := "c" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				last := LastMessage{Content: "hi", SenderID: "bob", SentAt: time.Now().UTC(), Type: MessageTypeText}
				if _, err := s.ApplySend(ctx, conv, last, "alice", time.Now().UTC()); err != nil {
					t.Errorf("ApplySend: %v", err)
					return
				}
				if _, err := s.MarkMessagesRead(ctx, conv, "alice", time.Now().UTC()); err != nil {
					t.Errorf("MarkMessagesRead: %v", err)
					return
				}
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, _, err := s.ListConversations(ctx, "alice", Page{Page: 1, Limit: 10}); err != nil {
					t.Errorf("ListConversations: %v", err)
					return
				}
				if _, _, err := s.ListMessages(ctx, conv, "alice", Page{Page: 1, Limit: 10}); err != nil {
					t.Errorf("ListMessages: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
