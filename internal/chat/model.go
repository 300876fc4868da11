// Package chat contains the direct-messaging domain for quadchat: the
// conversation and message records, their stores, and the service that is the
// single write path for both REST and realtime ingress.
package chat

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MessageType discriminates message content.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t == MessageTypeText || t == MessageTypeImage
}

// Visibility is the per-participant conversation state.
//
// Transitions:
//   - visible -> hidden: the participant deletes the conversation for themselves.
//   - hidden -> visible: the participant re-initiates contact, or the peer
//     sends them a message.
type Visibility string

const (
	VisibilityVisible Visibility = "visible"
	VisibilityHidden  Visibility = "hidden"
)

// Participant is one side of a two-party conversation.
type Participant struct {
	UserID      string     `json:"user_id"`
	UnreadCount int        `json:"unread_count"`
	Visibility  Visibility `json:"visibility"`
	HiddenAt    *time.Time `json:"hidden_at,omitempty"`
}

// Hidden reports whether the participant has soft-deleted the conversation.
func (p *Participant) Hidden() bool { return p.Visibility == VisibilityHidden }

// Hide marks the conversation deleted for this participant.
func (p *Participant) Hide(now time.Time) {
	p.Visibility = VisibilityHidden
	at := now
	p.HiddenAt = &at
}

// Show clears the participant's soft-delete marker.
func (p *Participant) Show() {
	p.Visibility = VisibilityVisible
	p.HiddenAt = nil
}

// LastMessage is the denormalized inbox preview snapshot.
//
// It is a best-effort cache recomputable from the message log; under rare
// concurrent sends the storage layer's per-record last-writer-wins applies.
type LastMessage struct {
	Content  string      `json:"content"`
	SenderID string      `json:"sender_id"`
	SentAt   time.Time   `json:"sent_at"`
	Type     MessageType `json:"type"`
}

// Conversation is a durable two-party conversation record.
type Conversation struct {
	ID           string         `json:"id"`
	Participants [2]Participant `json:"participants"`
	ListingID    *string        `json:"listing_id,omitempty"`
	LastMessage  *LastMessage   `json:"last_message,omitempty"`
	IsActive     bool           `json:"is_active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Participant returns the entry for userID, or nil if userID is not a member.
func (c *Conversation) Participant(userID string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// Other returns the entry for the peer of userID, or nil if userID is not a member.
func (c *Conversation) Other(userID string) *Participant {
	if c.Participant(userID) == nil {
		return nil
	}
	for i := range c.Participants {
		if c.Participants[i].UserID != userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participant(userID) != nil
}

// PairKey canonicalizes a participant pair: order-independent, so (A,B) and
// (B,A) address the same conversation.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// ReadReceipt records that a user has read a message.
type ReadReceipt struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// Message is one entry of the append-only per-conversation log.
//
// Messages are immutable except for monotonic growth of ReadBy and DeletedFor;
// a message is never physically removed.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	SenderName     string        `json:"sender_name,omitempty"` // populated from the user directory, not persisted
	Content        string        `json:"content"`
	Type           MessageType   `json:"type"`
	ImageURL       string        `json:"image_url,omitempty"`
	ReadBy         []ReadReceipt `json:"read_by"`
	DeletedFor     []string      `json:"-"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ReadByUser reports whether userID has a read receipt on the message.
func (m *Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// DeletedForUser reports whether the message is hidden for userID.
func (m *Message) DeletedForUser(userID string) bool {
	for _, id := range m.DeletedFor {
		if id == userID {
			return true
		}
	}
	return false
}

const (
	previewMaxChars   = 100
	imagePreviewLabel = "[image]"
)

// Preview builds the truncated inbox preview for a message.
func Preview(content string, typ MessageType) string {
	if typ == MessageTypeImage {
		return imagePreviewLabel
	}
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= previewMaxChars {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewMaxChars]) + "…"
}
