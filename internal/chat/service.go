package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"quadchat/internal/ids"

	v1 "quadchat/contracts/chat/v1"
)

// User is the directory view of a marketplace account.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserDirectory resolves marketplace accounts. Account persistence lives in the
// marketplace service; chat only needs existence and a display name.
type UserDirectory interface {
	// GetUser returns ErrUserNotFound when the account does not exist.
	GetUser(ctx context.Context, id string) (User, error)
}

// ListingCatalog answers listing existence for conversation context.
type ListingCatalog interface {
	ListingExists(ctx context.Context, id string) (bool, error)
}

// Notification is the payload handed to the notification collaborator.
type Notification struct {
	UserID  string         `json:"user_id"`
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Notifier is the best-effort notification side channel. Its failure must
// never affect message delivery or persistence.
type Notifier interface {
	CreateNotification(ctx context.Context, n Notification) error
}

// Emitter pushes an event to every open connection of a user.
// Implementations must not block and must not return errors to the caller.
type Emitter interface {
	EmitToUser(userID, event string, payload any)
}

// NopEmitter drops all events. Used when the gateway is not wired.
type NopEmitter struct{}

func (NopEmitter) EmitToUser(string, string, any) {}

const fanoutTimeout = 5 * time.Second

// Service is the chat business-logic layer: conversation dedup/reactivation,
// message creation with side-effect fan-out, read-state transitions,
// pagination, and aggregate unread counts. It is the single write path for
// both REST and socket ingress.
type Service struct {
	log      *slog.Logger
	convs    ConversationStore
	msgs     MessageStore
	users    UserDirectory
	listings ListingCatalog
	emitter  Emitter
	notifier Notifier

	now func() time.Time
}

// NewService constructs a Service. Emitter and notifier are optional; nil
// means the corresponding side effect is dropped.
func NewService(
	log *slog.Logger,
	convs ConversationStore,
	msgs MessageStore,
	users UserDirectory,
	listings ListingCatalog,
	emitter Emitter,
	notifier Notifier,
) *Service {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	return &Service{
		log:      log,
		convs:    convs,
		msgs:     msgs,
		users:    users,
		listings: listings,
		emitter:  emitter,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetEmitter swaps the realtime emitter. Called once at startup after the
// gateway exists; the service keeps no other reference to connections.
func (s *Service) SetEmitter(e Emitter) {
	if e == nil {
		e = NopEmitter{}
	}
	s.emitter = e
}

// GetOrCreateConversation finds the unique active conversation for the
// canonical participant pair and optional listing context, creating it when
// absent. Re-initiating contact un-hides a conversation the initiator had
// deleted.
func (s *Service) GetOrCreateConversation(ctx context.Context, initiatorID, recipientID string, listingID *string) (*Conversation, bool, error) {
	if initiatorID == recipientID {
		return nil, false, ErrSelfConversation
	}

	if _, err := s.users.GetUser(ctx, recipientID); err != nil {
		return nil, false, err
	}
	if listingID != nil {
		ok, err := s.listings.ListingExists(ctx, *listingID)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, ErrListingNotFound
		}
	}

	key := PairKey(initiatorID, recipientID)

	conv, found, err := s.convs.FindActiveConversation(ctx, key, listingID)
	if err != nil {
		return nil, false, err
	}
	if found {
		if p := conv.Participant(initiatorID); p != nil && p.Hidden() {
			if err := s.convs.SetVisibility(ctx, conv.ID, initiatorID, false, s.now()); err != nil {
				return nil, false, err
			}
			p.Show()
		}
		return conv, false, nil
	}

	now := s.now()
	a, b := initiatorID, recipientID
	if b < a {
		a, b = b, a
	}
	conv = &Conversation{
		ID: ids.MustULID(now),
		Participants: [2]Participant{
			{UserID: a, Visibility: VisibilityVisible},
			{UserID: b, Visibility: VisibilityVisible},
		},
		ListingID: listingID,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.convs.CreateConversation(ctx, conv); err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// SendMessageInput carries the caller-controlled message fields.
type SendMessageInput struct {
	Content  string
	Type     MessageType
	ImageURL string
}

func (in *SendMessageInput) validate() error {
	if in.Type == "" {
		in.Type = MessageTypeText
	}
	if !in.Type.Valid() {
		return ErrInvalidMessageType
	}
	if in.Type == MessageTypeImage && strings.TrimSpace(in.ImageURL) == "" {
		return ErrImageURLRequired
	}
	if in.Type == MessageTypeText && strings.TrimSpace(in.Content) == "" {
		return ErrEmptyContent
	}
	return nil
}

// SendMessage appends a message to the conversation log and updates the
// recipient's summary (lastMessage, unread, un-hide) as one logical unit.
// The caller's acknowledgment depends on durable persistence only; realtime
// delivery and notification run afterwards, best-effort.
func (s *Service) SendMessage(ctx context.Context, convID, senderID string, in SendMessageInput) (*Message, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	conv, err := s.convs.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(senderID) {
		return nil, ErrNotParticipant
	}
	if !conv.IsActive {
		return nil, ErrConversationInactive
	}
	other := conv.Other(senderID)

	now := s.now()
	last := LastMessage{
		Content:  Preview(in.Content, in.Type),
		SenderID: senderID,
		SentAt:   now,
		Type:     in.Type,
	}

	// Summary first, log second: a failed send must never leave a persisted
	// message behind. A summary update without a matching log entry is cache
	// drift, which the consistency model already tolerates.
	unread, err := s.convs.ApplySend(ctx, convID, last, other.UserID, now)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:             ids.MustULID(now),
		ConversationID: convID,
		SenderID:       senderID,
		Content:        in.Content,
		Type:           in.Type,
		ImageURL:       in.ImageURL,
		ReadBy:         []ReadReceipt{{UserID: senderID, ReadAt: now}},
		CreatedAt:      now,
	}
	if err := s.msgs.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	if sender, lookupErr := s.users.GetUser(ctx, senderID); lookupErr == nil {
		msg.SenderName = sender.Name
	}

	go s.fanOut(*msg, other.UserID, unread)

	return msg, nil
}

// fanOut runs the post-send side effects: realtime events to the recipient's
// mailbox and a best-effort notification. Failures are logged and swallowed.
func (s *Service) fanOut(msg Message, recipientID string, unread int) {
	s.emitter.EmitToUser(recipientID, v1.TypeNewMessage, MessageEventPayload(&msg))
	s.emitter.EmitToUser(recipientID, v1.TypeUnreadCount, v1.UnreadCountPayload{
		ConversationID: msg.ConversationID,
		UnreadCount:    unread,
	})

	if s.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
	defer cancel()

	title := "New message"
	if msg.SenderName != "" {
		title = "New message from " + msg.SenderName
	}
	err := s.notifier.CreateNotification(ctx, Notification{
		UserID:  recipientID,
		Type:    "chat_message",
		Title:   title,
		Message: Preview(msg.Content, msg.Type),
		Data: map[string]any{
			"conversation_id": msg.ConversationID,
			"message_id":      msg.ID,
		},
	})
	if err != nil {
		s.log.Warn("chat.send.notify.fail", "conversation_id", msg.ConversationID, "err", err)
	}
}

// GetConversation returns a single conversation, guarded by participation.
func (s *Service) GetConversation(ctx context.Context, convID, userID string) (*Conversation, error) {
	conv, err := s.convs.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

// GetMessages returns one page of the conversation log in chronological
// order, excluding messages the caller has deleted for themselves.
func (s *Service) GetMessages(ctx context.Context, convID, userID string, page Page) ([]Message, Pagination, error) {
	if _, err := s.GetConversation(ctx, convID, userID); err != nil {
		return nil, Pagination{}, err
	}

	page = page.normalized(defaultMessageLimit, maxMessageLimit)
	msgs, total, err := s.msgs.ListMessages(ctx, convID, userID, page)
	if err != nil {
		return nil, Pagination{}, err
	}

	names := make(map[string]string, 2)
	for i := range msgs {
		name, ok := names[msgs[i].SenderID]
		if !ok {
			if u, err := s.users.GetUser(ctx, msgs[i].SenderID); err == nil {
				name = u.Name
			}
			names[msgs[i].SenderID] = name
		}
		msgs[i].SenderName = name
	}

	return msgs, newPagination(page, total), nil
}

// MarkConversationAsRead zeroes the caller's unread counter and back-fills
// read receipts on the peer's messages. Idempotent. The peer is told via a
// messages_read event.
func (s *Service) MarkConversationAsRead(ctx context.Context, convID, userID string) error {
	conv, err := s.GetConversation(ctx, convID, userID)
	if err != nil {
		return err
	}

	if err := s.convs.ResetUnread(ctx, convID, userID); err != nil {
		return err
	}

	now := s.now()
	if _, err := s.msgs.MarkMessagesRead(ctx, convID, userID, now); err != nil {
		return err
	}

	s.emitter.EmitToUser(conv.Other(userID).UserID, v1.TypeMessagesRead, v1.MessagesReadPayload{
		ConversationID: convID,
		ReadBy:         userID,
		ReadAt:         now,
	})
	return nil
}

// DeleteConversationForUser hides the conversation for the caller only.
// Messages and the peer's view are unaffected.
func (s *Service) DeleteConversationForUser(ctx context.Context, convID, userID string) error {
	if _, err := s.GetConversation(ctx, convID, userID); err != nil {
		return err
	}
	return s.convs.SetVisibility(ctx, convID, userID, true, s.now())
}

// DeleteMessageForUser hides a single message for the caller only.
func (s *Service) DeleteMessageForUser(ctx context.Context, msgID, userID string) error {
	msg, err := s.msgs.GetMessage(ctx, msgID)
	if err != nil {
		return err
	}
	if _, err := s.GetConversation(ctx, msg.ConversationID, userID); err != nil {
		return err
	}
	return s.msgs.DeleteMessageForUser(ctx, msgID, userID)
}

// GetUserConversations returns the caller's inbox: active conversations they
// have not deleted, most recently active first.
func (s *Service) GetUserConversations(ctx context.Context, userID string, page Page) ([]Conversation, Pagination, error) {
	page = page.normalized(defaultConversationLimit, maxConversationLimit)
	convs, total, err := s.convs.ListConversations(ctx, userID, page)
	if err != nil {
		return nil, Pagination{}, err
	}
	return convs, newPagination(page, total), nil
}

// GetTotalUnreadCount recomputes the aggregate on demand rather than caching
// it, so it cannot drift from the per-conversation counters.
func (s *Service) GetTotalUnreadCount(ctx context.Context, userID string) (int, error) {
	return s.convs.TotalUnread(ctx, userID)
}

// DeactivateConversation flips the one-way isActive kill switch. The
// conversation accepts no further messages afterwards.
func (s *Service) DeactivateConversation(ctx context.Context, convID string) error {
	return s.convs.Deactivate(ctx, convID)
}

// MessageEventPayload converts a message to its wire DTO.
func MessageEventPayload(m *Message) v1.MessagePayload {
	return v1.MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Content:        m.Content,
		Type:           string(m.Type),
		ImageURL:       m.ImageURL,
		CreatedAt:      m.CreatedAt,
	}
}
