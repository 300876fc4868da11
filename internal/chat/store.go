package chat

import (
	"context"
	"time"
)

// Pagination defaults and clamps.
const (
	defaultConversationLimit = 20
	maxConversationLimit     = 100

	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

// Page is a page/limit pagination request.
type Page struct {
	Page  int
	Limit int
}

func (p Page) normalized(defLimit, maxLimit int) Page {
	if p.Page <= 0 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = defLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p
}

func (p Page) offset() int { return (p.Page - 1) * p.Limit }

// Pagination describes a returned page.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasMore    bool `json:"has_more"`
}

func newPagination(p Page, total int) Pagination {
	pages := total / p.Limit
	if total%p.Limit != 0 {
		pages++
	}
	return Pagination{
		Page:       p.Page,
		Limit:      p.Limit,
		Total:      total,
		TotalPages: pages,
		HasMore:    p.Page < pages,
	}
}

// ConversationStore persists two-party conversation records.
//
// Requirements:
//   - At most one active conversation per (pair key, listing-or-none).
//   - ApplySend is one logical unit: lastMessage snapshot, recipient unread
//     increment, recipient un-hide, updatedAt bump.
//   - Unread counters never go negative.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error

	// GetConversation returns ErrConversationNotFound when absent.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// FindActiveConversation looks up the unique active conversation for a
	// canonical pair key and optional listing context.
	FindActiveConversation(ctx context.Context, pairKey string, listingID *string) (*Conversation, bool, error)

	// SetVisibility hides or shows the conversation for one participant.
	SetVisibility(ctx context.Context, convID, userID string, hidden bool, now time.Time) error

	// ApplySend records the send-path summary update and returns the
	// recipient's unread count after the increment.
	ApplySend(ctx context.Context, convID string, last LastMessage, recipientID string, now time.Time) (int, error)

	// ResetUnread zeroes the participant's unread counter.
	ResetUnread(ctx context.Context, convID, userID string) error

	// ListConversations returns active conversations visible to userID,
	// updatedAt descending, plus the total count.
	ListConversations(ctx context.Context, userID string, page Page) ([]Conversation, int, error)

	// TotalUnread sums unread counters over active conversations visible to userID.
	TotalUnread(ctx context.Context, userID string) (int, error)

	// Deactivate flips the one-way isActive kill switch.
	Deactivate(ctx context.Context, convID string) error
}

// MessageStore persists the append-only per-conversation message log.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *Message) error

	// GetMessage returns ErrMessageNotFound when absent.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// ListMessages returns one page in chronological order, excluding messages
	// deleted for userID, plus the total visible count. The underlying query
	// pages newest-first so the most recent page is cheap, then reverses.
	ListMessages(ctx context.Context, convID, userID string, page Page) ([]Message, int, error)

	// MarkMessagesRead appends a read receipt for readerID to every message in
	// the conversation not authored by readerID and not yet read by them.
	// Idempotent; returns the number of receipts added.
	MarkMessagesRead(ctx context.Context, convID, readerID string, now time.Time) (int, error)

	// DeleteMessageForUser adds userID to the message's deletedFor set.
	DeleteMessageForUser(ctx context.Context, msgID, userID string) error
}
