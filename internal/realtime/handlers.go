package realtime

import (
	"context"
	"encoding/json"
	"strings"

	v1 "quadchat/contracts/chat/v1"
	"quadchat/internal/chat"

	apperrors "quadchat/pkg/errors"
)

// dispatch routes one validated client envelope to its handler.
// Unknown event types get an error reply rather than a disconnect.
func (g *Gateway) dispatch(ctx context.Context, c *Client, joined map[string]*Room, env v1.Envelope) {
	switch env.Type {
	case v1.TypeJoin:
		g.onJoin(ctx, c, joined, env)
	case v1.TypeLeave:
		g.onLeave(c, joined, env)
	case v1.TypeTyping, v1.TypeStopTyping:
		g.onTyping(c, joined, env)
	case v1.TypeSend:
		g.onSend(ctx, c, env)
	case v1.TypeRead:
		g.onRead(ctx, c, env)
	default:
		g.sendErrorCode(c, "unknown_event", "unknown event type: "+env.Type)
	}
}

// onJoin subscribes the session to a conversation room after re-validating
// membership against the service. Failed joins are a silent no-op so that a
// probing client learns nothing about other users' conversations.
func (g *Gateway) onJoin(ctx context.Context, c *Client, joined map[string]*Room, env v1.Envelope) {
	var p v1.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendErrorCode(c, "bad_payload", "invalid join payload")
		return
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return
	}
	if _, ok := joined[convID]; ok {
		return
	}

	if _, err := g.svc.GetConversation(ctx, convID, c.UserID); err != nil {
		g.log.Debug("ws.join.denied", "session_id", c.SessionID, "conversation_id", convID, "err", err)
		return
	}

	joined[convID] = g.rooms.Join(convID, c)
	g.log.Debug("ws.join", "session_id", c.SessionID, "conversation_id", convID)
}

// onLeave unsubscribes unconditionally. Leaving a room the session never
// joined is a no-op.
func (g *Gateway) onLeave(c *Client, joined map[string]*Room, env v1.Envelope) {
	var p v1.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return
	}
	g.rooms.Leave(convID, c.SessionID)
	delete(joined, convID)
}

// onTyping relays typing and stop_typing to the room, excluding the sender's
// own sessions. These are transient signals: nothing is persisted and a
// session that has not joined the room gets a silent no-op.
func (g *Gateway) onTyping(c *Client, joined map[string]*Room, env v1.Envelope) {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	convID := strings.TrimSpace(p.ConversationID)
	room, ok := joined[convID]
	if !ok {
		return
	}

	out := v1.TypingPayload{
		ConversationID: convID,
		UserID:         c.UserID,
	}
	if env.Type == v1.TypeTyping {
		out.UserName = c.UserName
	}

	relay, err := NewEnvelope(env.Type, out)
	if err != nil {
		return
	}
	room.Broadcast(relay, c.UserID)
}

// onSend persists through the service and, on success, acks the sender and
// broadcasts the message to the room. The authoritative copy always comes
// back from the service; the client's payload is input only.
func (g *Gateway) onSend(ctx context.Context, c *Client, env v1.Envelope) {
	var p v1.SendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendErrorCode(c, "bad_payload", "invalid send payload")
		return
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		g.sendErrorCode(c, "bad_payload", "conversation_id is required")
		return
	}
	if len([]rune(p.Content)) > maxContentChars {
		g.sendErrorCode(c, "message_too_long", "message content exceeds limit")
		return
	}

	msg, err := g.svc.SendMessage(ctx, convID, c.UserID, chat.SendMessageInput{
		Content:  p.Content,
		Type:     chat.MessageType(p.Type),
		ImageURL: p.ImageURL,
	})
	if err != nil {
		g.sendError(c, err)
		return
	}

	wire := chat.MessageEventPayload(msg)

	if ack, err := NewEnvelope(v1.TypeMessageSent, wire); err == nil {
		if !c.TryEnqueue(ack) {
			wsEmitDrops.Inc()
		}
	}

	// Room broadcast reaches sessions watching the conversation (both
	// participants included). The recipient's mailbox additionally gets
	// new_message and unread_count from the service fan-out.
	if room := g.rooms.Get(convID); room != nil {
		if out, err := NewEnvelope(v1.TypeMessage, wire); err == nil {
			room.Broadcast(out, "")
		}
	}
}

// onRead marks the conversation read for the caller. The service emits
// messages_read to the peer.
func (g *Gateway) onRead(ctx context.Context, c *Client, env v1.Envelope) {
	var p v1.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendErrorCode(c, "bad_payload", "invalid read payload")
		return
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		g.sendErrorCode(c, "bad_payload", "conversation_id is required")
		return
	}

	if err := g.svc.MarkConversationAsRead(ctx, convID, c.UserID); err != nil {
		g.sendError(c, err)
	}
}

// sendError converts a service error into a chat:error event on the
// session's own mailbox. Internal details never cross the wire.
func (g *Gateway) sendError(c *Client, err error) {
	code := apperrors.CodeOf(err)
	msg := "internal error"
	if code != apperrors.CodeInternal && code != apperrors.CodeUnknown {
		msg = err.Error()
	} else {
		g.log.Error("ws.handler.fail", "session_id", c.SessionID, "err", err)
	}
	g.sendErrorCode(c, string(code), msg)
}

func (g *Gateway) sendErrorCode(c *Client, code, message string) {
	env, err := NewEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	if !c.TryEnqueue(env) {
		wsEmitDrops.Inc()
	}
}
