package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quadchat/internal/auth"
	apperrors "quadchat/pkg/errors"
)

const apiMaxBodyBytes = 64 << 10 // 64 KiB

type claimsKey struct{}

// ClaimsFromContext returns the authenticated claims stashed by the API
// middleware, if any.
func ClaimsFromContext(ctx context.Context) (auth.AccessClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(auth.AccessClaims)
	return c, ok
}

// APIHandler exposes the chat REST surface. Every mutating route shares the
// Service write path with the socket handlers, so persisted state is identical
// regardless of ingress.
type APIHandler struct {
	log    *slog.Logger
	svc    *Service
	tokens auth.TokenManager
}

// NewAPIHandler constructs the REST handler.
func NewAPIHandler(log *slog.Logger, svc *Service, tokens auth.TokenManager) (*APIHandler, error) {
	if svc == nil || tokens == nil {
		return nil, errors.New("chat: nil service or token manager")
	}
	return &APIHandler{log: log, svc: svc, tokens: tokens}, nil
}

// Register mounts all chat routes on mux.
func (h *APIHandler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/chat/conversations", h.auth(h.handleCreateConversation))
	mux.Handle("GET /api/chat/conversations", h.auth(h.handleListConversations))
	mux.Handle("GET /api/chat/conversations/{id}", h.auth(h.handleGetConversation))
	mux.Handle("DELETE /api/chat/conversations/{id}", h.auth(h.handleDeleteConversation))
	mux.Handle("POST /api/chat/conversations/{id}/messages", h.auth(h.handleSendMessage))
	mux.Handle("GET /api/chat/conversations/{id}/messages", h.auth(h.handleListMessages))
	mux.Handle("PATCH /api/chat/conversations/{id}/read", h.auth(h.handleMarkRead))
	mux.Handle("DELETE /api/chat/messages/{id}", h.auth(h.handleDeleteMessage))
	mux.Handle("GET /api/chat/unread", h.auth(h.handleTotalUnread))
}

// auth wraps a handler with bearer-token verification.
func (h *APIHandler) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		if raw == "" || !strings.HasPrefix(raw, "Bearer ") {
			writeError(w, http.StatusUnauthorized, string(apperrors.CodeUnauthenticated), "missing bearer token")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))

		claims, err := h.tokens.Verify(token, time.Now().UTC())
		if err != nil {
			writeError(w, http.StatusUnauthorized, string(apperrors.CodeUnauthenticated), "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// ---- handlers ----

type createConversationRequest struct {
	RecipientID string  `json:"recipient_id"`
	ListingID   *string `json:"listing_id,omitempty"`
}

func (h *APIHandler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var req createConversationRequest
	if err := decodeJSON(w, r, apiMaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidArgument), "invalid request body")
		return
	}
	if strings.TrimSpace(req.RecipientID) == "" {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidArgument), "missing recipient_id")
		return
	}

	conv, created, err := h.svc.GetOrCreateConversation(r.Context(), claims.UserID, req.RecipientID, req.ListingID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"conversation": conv, "created": created})
}

func (h *APIHandler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	convs, pg, err := h.svc.GetUserConversations(r.Context(), claims.UserID, pageFromQuery(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if convs == nil {
		convs = []Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs, "pagination": pg})
}

func (h *APIHandler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	conv, err := h.svc.GetConversation(r.Context(), r.PathValue("id"), claims.UserID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (h *APIHandler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	if err := h.svc.DeleteConversationForUser(r.Context(), r.PathValue("id"), claims.UserID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	Content  string `json:"content"`
	Type     string `json:"type,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

func (h *APIHandler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var req sendMessageRequest
	if err := decodeJSON(w, r, apiMaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidArgument), "invalid request body")
		return
	}

	msg, err := h.svc.SendMessage(r.Context(), r.PathValue("id"), claims.UserID, SendMessageInput{
		Content:  req.Content,
		Type:     MessageType(req.Type),
		ImageURL: req.ImageURL,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (h *APIHandler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	msgs, pg, err := h.svc.GetMessages(r.Context(), r.PathValue("id"), claims.UserID, pageFromQuery(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "pagination": pg})
}

func (h *APIHandler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	if err := h.svc.MarkConversationAsRead(r.Context(), r.PathValue("id"), claims.UserID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	if err := h.svc.DeleteMessageForUser(r.Context(), r.PathValue("id"), claims.UserID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) handleTotalUnread(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	total, err := h.svc.GetTotalUnreadCount(r.Context(), claims.UserID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_unread": total})
}

// ---- error mapping ----

func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusForCode(code)
	if status == http.StatusInternalServerError {
		h.log.Error("chat.api.fail", "err", err)
		writeError(w, status, string(apperrors.CodeInternal), "internal error")
		return
	}
	writeError(w, status, string(code), err.Error())
}

func statusForCode(code apperrors.Code) int {
	switch code {
	case apperrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodePermissionDenied:
		return http.StatusForbidden
	case apperrors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperrors.CodeFailedPrecondition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ---- json helpers ----

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

func pageFromQuery(r *http.Request) Page {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return Page{Page: page, Limit: limit}
}
