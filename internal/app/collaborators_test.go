package app

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"quadchat/internal/chat"

	apperrors "quadchat/pkg/errors"
)

func newMarketplaceStub(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "alice" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"alice","name":"Alice A"}`))
	})
	mux.HandleFunc("GET /api/listings/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "bike-123" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"bike-123"}`))
	})
	mux.HandleFunc("POST /api/notifications", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestMarketplaceClient(t *testing.T) {
	srv := newMarketplaceStub(t)
	mc := newMarketplaceClient(srv.URL, srv.URL)
	ctx := context.Background()

	u, err := mc.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Name != "Alice A" {
		t.Fatalf("user = %+v", u)
	}

	if _, err := mc.GetUser(ctx, "ghost"); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("missing user must map to NOT_FOUND, got %v", err)
	}

	ok, err := mc.ListingExists(ctx, "bike-123")
	if err != nil || !ok {
		t.Fatalf("ListingExists(bike-123) = %v, %v", ok, err)
	}
	ok, err = mc.ListingExists(ctx, "gone")
	if err != nil || ok {
		t.Fatalf("missing listing must be (false, nil), got %v, %v", ok, err)
	}

	if err := mc.CreateNotification(ctx, chat.Notification{UserID: "bob", Type: "chat_message"}); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}
}

func TestMarketplaceClient_NotificationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	mc := newMarketplaceClient(srv.URL, srv.URL)
	if err := mc.CreateNotification(context.Background(), chat.Notification{UserID: "bob"}); err == nil {
		t.Fatalf("expected error from failing endpoint")
	}
}

func TestOpenDirectory(t *testing.T) {
	d := openDirectory{}
	ctx := context.Background()

	u, err := d.GetUser(ctx, "whoever")
	if err != nil || u.ID != "whoever" {
		t.Fatalf("GetUser = %+v, %v", u, err)
	}
	if _, err := d.GetUser(ctx, "   "); err == nil {
		t.Fatalf("blank user id must be rejected")
	}

	if ok, _ := d.ListingExists(ctx, "anything"); !ok {
		t.Fatalf("open catalog must accept listings")
	}
	if ok, _ := d.ListingExists(ctx, ""); ok {
		t.Fatalf("blank listing id must be rejected")
	}
}

func TestNewCollaborators_DevFallback(t *testing.T) {
	users, listings, notifier := newCollaborators(Config{}, slog.Default())

	if _, ok := users.(openDirectory); !ok {
		t.Fatalf("expected openDirectory, got %T", users)
	}
	if _, ok := listings.(openDirectory); !ok {
		t.Fatalf("expected openDirectory, got %T", listings)
	}
	if _, ok := notifier.(logNotifier); !ok {
		t.Fatalf("expected logNotifier, got %T", notifier)
	}
}
