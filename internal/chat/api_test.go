package chat

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"quadchat/internal/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	*fixture
	srv    *httptest.Server
	tokens auth.TokenManager
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	f := newFixture(t)

	tokens, err := auth.NewPasetoV4PublicManager(auth.DefaultConfig())
	require.NoError(t, err)

	h, err := NewAPIHandler(slog.Default(), f.svc, tokens)
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &apiFixture{fixture: f, srv: srv, tokens: tokens}
}

func (f *apiFixture) tokenFor(t *testing.T, userID, name string) string {
	t.Helper()
	tok, _, err := f.tokens.Issue(userID, name, time.Now().UTC())
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	return resp, data
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/chat/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), "UNAUTHENTICATED")

	resp, _ = f.do(t, http.MethodGet, "/api/chat/conversations", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_ConversationLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.tokenFor(t, "alice", "Alice A")
	bob := f.tokenFor(t, "bob", "Bob B")

	// Create.
	resp, body := f.do(t, http.MethodPost, "/api/chat/conversations", alice,
		map[string]any{"recipient_id": "bob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created struct {
		Conversation Conversation `json:"conversation"`
		Created      bool         `json:"created"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	require.True(t, created.Created)
	convID := created.Conversation.ID
	require.NotEmpty(t, convID)

	// Idempotent create from the other side returns 200 with the same id.
	resp, body = f.do(t, http.MethodPost, "/api/chat/conversations", bob,
		map[string]any{"recipient_id": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &created))
	assert.False(t, created.Created)
	assert.Equal(t, convID, created.Conversation.ID)

	// Send.
	resp, body = f.do(t, http.MethodPost, "/api/chat/conversations/"+convID+"/messages", alice,
		map[string]any{"content": "hello bob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var sent struct {
		Message Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.Equal(t, "hello bob", sent.Message.Content)
	assert.Equal(t, "alice", sent.Message.SenderID)

	// Bob's inbox and aggregate unread.
	resp, body = f.do(t, http.MethodGet, "/api/chat/conversations", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var inbox struct {
		Conversations []Conversation `json:"conversations"`
		Pagination    Pagination     `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(body, &inbox))
	require.Len(t, inbox.Conversations, 1)
	assert.Equal(t, 1, inbox.Pagination.Total)

	resp, body = f.do(t, http.MethodGet, "/api/chat/unread", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"total_unread":1}`, string(body))

	// Mark read.
	resp, _ = f.do(t, http.MethodPatch, "/api/chat/conversations/"+convID+"/read", bob, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/chat/unread", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"total_unread":0}`, string(body))

	// List messages.
	resp, body = f.do(t, http.MethodGet, "/api/chat/conversations/"+convID+"/messages", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page struct {
		Messages   []Message  `json:"messages"`
		Pagination Pagination `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "Alice A", page.Messages[0].SenderName)

	// Hide for bob.
	resp, _ = f.do(t, http.MethodDelete, "/api/chat/conversations/"+convID, bob, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/chat/conversations", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &inbox))
	assert.Empty(t, inbox.Conversations)
}

func TestAPI_ErrorMapping(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.tokenFor(t, "alice", "Alice A")
	cara := f.tokenFor(t, "cara", "Cara C")

	// Not found.
	resp, body := f.do(t, http.MethodGet, "/api/chat/conversations/no-such-id", alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "NOT_FOUND")

	// Forbidden for a non-participant.
	conv := f.mustConv(t, "alice", "bob", nil)
	resp, body = f.do(t, http.MethodGet, "/api/chat/conversations/"+conv.ID, cara, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(body), "PERMISSION_DENIED")

	// Validation.
	resp, body = f.do(t, http.MethodPost, "/api/chat/conversations/"+conv.ID+"/messages", alice,
		map[string]any{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "INVALID_ARGUMENT")

	// Self conversation.
	resp, _ = f.do(t, http.MethodPost, "/api/chat/conversations", alice,
		map[string]any{"recipient_id": "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Conflict after deactivation.
	require.NoError(t, f.svc.DeactivateConversation(t.Context(), conv.ID))
	resp, body = f.do(t, http.MethodPost, "/api/chat/conversations/"+conv.ID+"/messages", alice,
		map[string]any{"content": "too late"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "deactivated")
}

func TestAPI_StrictBodyDecoding(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.tokenFor(t, "alice", "Alice A")

	// Unknown fields are rejected.
	resp, _ := f.do(t, http.MethodPost, "/api/chat/conversations", alice,
		map[string]any{"recipient_id": "bob", "surprise": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Trailing garbage is rejected.
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/chat/conversations",
		strings.NewReader(`{"recipient_id":"bob"} {"again":true}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+alice)
	req.Header.Set("Content-Type", "application/json")

	resp2, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	_ = resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}
