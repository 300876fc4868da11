package chat

import (
	apperrors "quadchat/pkg/errors"
)

// Domain errors. REST translates codes to HTTP status; socket handlers forward
// them as chat:error events.
var (
	ErrConversationNotFound = apperrors.NotFound("conversation not found")
	ErrUserNotFound         = apperrors.NotFound("user not found")
	ErrListingNotFound      = apperrors.NotFound("listing not found")
	ErrMessageNotFound      = apperrors.NotFound("message not found")

	ErrNotParticipant = apperrors.Forbidden("you are not a participant of this conversation")

	ErrSelfConversation   = apperrors.InvalidArg("cannot start a conversation with yourself")
	ErrEmptyContent       = apperrors.InvalidArg("message content cannot be empty")
	ErrInvalidMessageType = apperrors.InvalidArg("message type must be text or image")
	ErrImageURLRequired   = apperrors.InvalidArg("image messages require an image url")

	// Deactivation is a state transition, not a malformed request: REST maps
	// it to 409 rather than 400.
	ErrConversationInactive = apperrors.FailedPrecondition("this conversation has been deactivated")
)
