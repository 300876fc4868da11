package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements ConversationStore and MessageStore in memory.
// It backs dev mode (no database configured) and the unit tests.
type MemoryStore struct {
	mu      sync.Mutex
	convs   map[string]*Conversation
	msgs    map[string][]*Message // conversation id -> log, append order
	msgByID map[string]*Message
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:   make(map[string]*Conversation),
		msgs:    make(map[string][]*Message),
		msgByID: make(map[string]*Message),
	}
}

// ---- ConversationStore ----

func (s *MemoryStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *conv
	s.convs[conv.ID] = &cp
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return copyConversation(c), nil
}

func (s *MemoryStore) FindActiveConversation(ctx context.Context, pairKey string, listingID *string) (*Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.convs {
		if !c.IsActive {
			continue
		}
		if PairKey(c.Participants[0].UserID, c.Participants[1].UserID) != pairKey {
			continue
		}
		if !sameListing(c.ListingID, listingID) {
			continue
		}
		return copyConversation(c), true, nil
	}
	return nil, false, nil
}

func (s *MemoryStore) SetVisibility(ctx context.Context, convID, userID string, hidden bool, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[convID]
	if !ok {
		return ErrConversationNotFound
	}
	p := c.Participant(userID)
	if p == nil {
		return ErrNotParticipant
	}
	if hidden {
		p.Hide(now)
	} else {
		p.Show()
	}
	return nil
}

func (s *MemoryStore) ApplySend(ctx context.Context, convID string, last LastMessage, recipientID string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[convID]
	if !ok {
		return 0, ErrConversationNotFound
	}
	p := c.Participant(recipientID)
	if p == nil {
		return 0, ErrNotParticipant
	}

	lm := last
	c.LastMessage = &lm
	c.UpdatedAt = now

	p.UnreadCount++
	if p.Hidden() {
		// A new message un-hides a conversation the recipient had deleted.
		p.Show()
	}
	return p.UnreadCount, nil
}

func (s *MemoryStore) ResetUnread(ctx context.Context, convID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[convID]
	if !ok {
		return ErrConversationNotFound
	}
	p := c.Participant(userID)
	if p == nil {
		return ErrNotParticipant
	}
	p.UnreadCount = 0
	return nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID string, page Page) ([]Conversation, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	page = page.normalized(defaultConversationLimit, maxConversationLimit)

	// Sort and copy under the lock: matched holds live records that a
	// concurrent send mutates in place.
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		if !c.IsActive {
			continue
		}
		p := c.Participant(userID)
		if p == nil || p.Hidden() {
			continue
		}
		matched = append(matched, c)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	total := len(matched)
	start := page.offset()
	if start >= total {
		return nil, total, nil
	}
	end := start + page.Limit
	if end > total {
		end = total
	}

	out := make([]Conversation, 0, end-start)
	for _, c := range matched[start:end] {
		out = append(out, *copyConversation(c))
	}
	return out, total, nil
}

func (s *MemoryStore) TotalUnread(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, c := range s.convs {
		if !c.IsActive {
			continue
		}
		p := c.Participant(userID)
		if p == nil || p.Hidden() {
			continue
		}
		total += p.UnreadCount
	}
	return total, nil
}

func (s *MemoryStore) Deactivate(ctx context.Context, convID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[convID]
	if !ok {
		return ErrConversationNotFound
	}
	c.IsActive = false
	return nil
}

// ---- MessageStore ----

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyMessage(msg)
	s.msgs[msg.ConversationID] = append(s.msgs[msg.ConversationID], cp)
	s.msgByID[msg.ID] = cp
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgByID[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return copyMessage(m), nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, convID, userID string, page Page) ([]Message, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	page = page.normalized(defaultMessageLimit, maxMessageLimit)

	// Copy under the lock: visible holds live records whose ReadBy a
	// concurrent read-marking mutates in place.
	s.mu.Lock()
	defer s.mu.Unlock()

	visible := make([]*Message, 0, len(s.msgs[convID]))
	for _, m := range s.msgs[convID] {
		if m.DeletedForUser(userID) {
			continue
		}
		visible = append(visible, m)
	}

	total := len(visible)

	// Page newest-first, then reverse so callers see oldest -> newest.
	start := total - page.offset() - page.Limit
	end := total - page.offset()
	if end <= 0 {
		return nil, total, nil
	}
	if start < 0 {
		start = 0
	}

	out := make([]Message, 0, end-start)
	for _, m := range visible[start:end] {
		out = append(out, *copyMessage(m))
	}
	return out, total, nil
}

func (s *MemoryStore) MarkMessagesRead(ctx context.Context, convID, readerID string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := 0
	for _, m := range s.msgs[convID] {
		if m.SenderID == readerID || m.ReadByUser(readerID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: readerID, ReadAt: now})
		updated++
	}
	return updated, nil
}

func (s *MemoryStore) DeleteMessageForUser(ctx context.Context, msgID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgByID[msgID]
	if !ok {
		return ErrMessageNotFound
	}
	if !m.DeletedForUser(userID) {
		m.DeletedFor = append(m.DeletedFor, userID)
	}
	return nil
}

// ---- helpers ----

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	if c.LastMessage != nil {
		lm := *c.LastMessage
		cp.LastMessage = &lm
	}
	if c.ListingID != nil {
		id := *c.ListingID
		cp.ListingID = &id
	}
	for i := range cp.Participants {
		if c.Participants[i].HiddenAt != nil {
			at := *c.Participants[i].HiddenAt
			cp.Participants[i].HiddenAt = &at
		}
	}
	return &cp
}

func copyMessage(m *Message) *Message {
	cp := *m
	cp.ReadBy = append([]ReadReceipt(nil), m.ReadBy...)
	cp.DeletedFor = append([]string(nil), m.DeletedFor...)
	return &cp
}

func sameListing(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
