// Package v1 defines the quadchat realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Event type constants (wire-stable).
const (
	// Client -> server.
	TypeJoin       = "join"
	TypeLeave      = "leave"
	TypeTyping     = "typing"
	TypeStopTyping = "stop_typing"
	TypeSend       = "send"
	TypeRead       = "read"

	// Server -> client.
	TypeConnected    = "connected"
	TypeMessage      = "message"
	TypeMessageSent  = "message_sent"
	TypeNewMessage   = "new_message"
	TypeUnreadCount  = "unread_count"
	TypeMessagesRead = "messages_read"
	TypeError        = "chat:error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoin,
		TypeLeave,
		TypeTyping,
		TypeStopTyping,
		TypeSend,
		TypeRead,
		TypeConnected,
		TypeMessage,
		TypeMessageSent,
		TypeNewMessage,
		TypeUnreadCount,
		TypeMessagesRead,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// ConnectedPayload confirms a successful handshake.
type ConnectedPayload struct {
	UserID string `json:"user_id"`
}

// JoinPayload requests membership in a conversation room.
// The same shape serves leave, typing, stop_typing, and read requests.
type JoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// SendPayload requests sending a message into a conversation.
type SendPayload struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Type           string `json:"type,omitempty"`
	ImageURL       string `json:"image_url,omitempty"`
}

// MessagePayload is the message DTO carried by message, message_sent, and
// new_message events.
type MessagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	ImageURL       string    `json:"image_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TypingPayload is broadcast to room peers while a participant is typing.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name,omitempty"`
}

// UnreadCountPayload notifies a participant that a conversation's unread
// counter changed.
type UnreadCountPayload struct {
	ConversationID string `json:"conversation_id"`
	UnreadCount    int    `json:"unread_count"`
}

// MessagesReadPayload notifies the author that the peer read their messages.
type MessagesReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	ReadBy         string    `json:"read_by"`
	ReadAt         time.Time `json:"read_at"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
