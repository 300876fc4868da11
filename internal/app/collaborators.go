package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quadchat/internal/chat"

	apperrors "quadchat/pkg/errors"
)

const collaboratorTimeout = 5 * time.Second

// marketplaceClient talks to the campus marketplace backend over REST.
// It implements chat.UserDirectory, chat.ListingCatalog, and chat.Notifier.
type marketplaceClient struct {
	base   string
	notify string
	hc     *http.Client
}

func newMarketplaceClient(directoryBase, notificationsBase string) *marketplaceClient {
	return &marketplaceClient{
		base:   strings.TrimRight(directoryBase, "/"),
		notify: strings.TrimRight(notificationsBase, "/"),
		hc:     &http.Client{Timeout: collaboratorTimeout},
	}
}

func (c *marketplaceClient) GetUser(ctx context.Context, userID string) (chat.User, error) {
	var out struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, c.base+"/api/users/"+url.PathEscape(userID), &out); err != nil {
		return chat.User{}, err
	}
	if out.ID == "" {
		out.ID = userID
	}
	return chat.User{ID: out.ID, Name: out.Name}, nil
}

func (c *marketplaceClient) ListingExists(ctx context.Context, listingID string) (bool, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.getJSON(ctx, c.base+"/api/listings/"+url.PathEscape(listingID), &out)
	switch {
	case err == nil:
		return true, nil
	case apperrors.CodeOf(err) == apperrors.CodeNotFound:
		return false, nil
	default:
		return false, err
	}
}

// CreateNotification is best-effort on the caller's side; here we still
// surface the error so the service can log it.
func (c *marketplaceClient) CreateNotification(ctx context.Context, n chat.Notification) error {
	target := c.notify
	if target == "" {
		target = c.base
	}

	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target+"/api/notifications", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (c *marketplaceClient) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.NotFound("resource not found")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return apperrors.Internal(fmt.Sprintf("marketplace returned %d", resp.StatusCode))
	}

	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}

// openDirectory accepts any user and listing id. Dev mode only: without a
// marketplace to ask, existence checks cannot be enforced.
type openDirectory struct{}

func (openDirectory) GetUser(_ context.Context, userID string) (chat.User, error) {
	if strings.TrimSpace(userID) == "" {
		return chat.User{}, chat.ErrUserNotFound
	}
	return chat.User{ID: userID, Name: userID}, nil
}

func (openDirectory) ListingExists(_ context.Context, listingID string) (bool, error) {
	return strings.TrimSpace(listingID) != "", nil
}

// logNotifier records notifications in the log instead of delivering them.
type logNotifier struct {
	log *slog.Logger
}

func (n logNotifier) CreateNotification(_ context.Context, notif chat.Notification) error {
	n.log.Info("notification.log_only",
		"user_id", notif.UserID,
		"type", notif.Type,
		"title", notif.Title,
	)
	return nil
}
