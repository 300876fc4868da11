package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	v1 "quadchat/contracts/chat/v1"
	"quadchat/internal/ids"
)

// Registry maps each connected user to their private mailbox: the set of open
// sessions for that user id. It is append/remove-only, keyed by connection
// lifecycle, and never authoritative state.
type Registry struct {
	log *slog.Logger

	mu        sync.RWMutex
	mailboxes map[string]map[string]*Client // user id -> session id -> client
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:       log,
		mailboxes: make(map[string]map[string]*Client),
	}
}

// Add registers a client in its user's mailbox.
func (r *Registry) Add(c *Client) {
	if r == nil || c == nil || c.SessionID == "" {
		return
	}

	r.mu.Lock()
	box := r.mailboxes[c.UserID]
	if box == nil {
		box = make(map[string]*Client)
		r.mailboxes[c.UserID] = box
	}
	box[c.SessionID] = c
	r.mu.Unlock()

	r.log.Info("ws.session.connect", "user_id", c.UserID, "session_id", c.SessionID)
}

// Remove drops a client from its user's mailbox and signals its shutdown.
func (r *Registry) Remove(c *Client) {
	if r == nil || c == nil {
		return
	}

	r.mu.Lock()
	if box := r.mailboxes[c.UserID]; box != nil {
		delete(box, c.SessionID)
		if len(box) == 0 {
			delete(r.mailboxes, c.UserID)
		}
	}
	r.mu.Unlock()

	c.Close()
	r.log.Info("ws.session.disconnect", "user_id", c.UserID, "session_id", c.SessionID)
}

// EmitToUser pushes an event to every open session of userID.
//
// It never blocks and never returns an error: a user with no open sessions is
// a debug-level no-op, and a full session queue drops the envelope rather
// than delaying the caller. Durable state is unaffected either way.
func (r *Registry) EmitToUser(userID, event string, payload any) {
	if r == nil || userID == "" {
		return
	}

	env, err := NewEnvelope(event, payload)
	if err != nil {
		r.log.Warn("ws.emit.encode.fail", "event", event, "err", err)
		return
	}

	r.mu.RLock()
	box := r.mailboxes[userID]
	sessions := make([]*Client, 0, len(box))
	for _, c := range box {
		sessions = append(sessions, c)
	}
	r.mu.RUnlock()

	if len(sessions) == 0 {
		r.log.Debug("ws.emit.no_sessions", "user_id", userID, "event", event)
		return
	}

	wsEmits.WithLabelValues(event).Inc()
	for _, c := range sessions {
		if !c.TryEnqueue(env) {
			wsEmitDrops.Inc()
		}
	}
}

// NewEnvelope builds a v1 envelope around a JSON-encodable payload.
func NewEnvelope(event string, payload any) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	now := time.Now().UTC()
	return v1.Envelope{
		V:       v1.Version,
		Type:    event,
		ID:      ids.MustULID(now),
		TS:      now,
		Payload: raw,
	}, nil
}
