package realtime

import (
	"log/slog"
	"sync"

	v1 "quadchat/contracts/chat/v1"
)

// Room is the in-memory membership + broadcast primitive for one conversation.
// Rooms carry typing indicators and live message fan-out only; membership here
// is connection state, re-validated against the Chat Service on every join.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client // session id -> client
}

// NewRoom constructs a room for a conversation.
func NewRoom(log *slog.Logger, id string) *Room {
	return &Room{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Debug("room.member.join", "conversation_id", r.ID, "session_id", client.SessionID)
}

// Leave removes a client from membership. Unlike a disconnect, leaving a room
// must not shut the client down; it may hold other rooms and its mailbox.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	delete(r.members, sessionID)
	r.mu.Unlock()

	r.log.Debug("room.member.leave", "conversation_id", r.ID, "session_id", sessionID)
}

// Empty reports whether the room has no members.
func (r *Room) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0
}

// Broadcast fanouts an envelope to members. When excludeUserID is non-empty,
// sessions belonging to that user are skipped (typing indicators do not echo
// back to the typist's own tabs).
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (r *Room) Broadcast(env v1.Envelope, excludeUserID string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil {
			continue
		}
		if excludeUserID != "" && m.UserID == excludeUserID {
			continue
		}
		if !m.TryEnqueue(env) {
			wsEmitDrops.Inc()
		}
	}
}

// RoomHub owns in-memory rooms and provides stable room handles.
// It is intentionally minimal: persistence lives behind the chat stores.
type RoomHub struct {
	log *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRoomHub constructs a RoomHub.
func NewRoomHub(log *slog.Logger) *RoomHub {
	return &RoomHub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// Join adds a client to a conversation room, creating the room when absent.
// Membership changes go through the hub so empty-room cleanup in Leave cannot
// race a concurrent join.
func (h *RoomHub) Join(conversationID string, c *Client) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[conversationID]
	if !ok {
		r = NewRoom(h.log, conversationID)
		h.rooms[conversationID] = r
	}
	r.Join(c)
	return r
}

// Get returns the room for a conversation, or nil when nobody is joined.
func (h *RoomHub) Get(conversationID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[conversationID]
}

// Leave removes a session from a room and drops the room once empty.
func (h *RoomHub) Leave(conversationID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.rooms[conversationID]
	if r == nil {
		return
	}
	r.Leave(sessionID)
	if r.Empty() {
		delete(h.rooms, conversationID)
	}
}
