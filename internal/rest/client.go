// Package rest is the client of the chat server's REST surface.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/credential"
	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/wire"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code   int
	Method string
	Path   string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
}

// Unwrap maps auth and not-found statuses to sentinels.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.ErrUnauthorized
	case http.StatusNotFound:
		return errs.ErrNotFound
	default:
		return nil
	}
}

// Client calls the REST API with a bearer credential.
type Client struct {
	base   *url.URL
	http   *http.Client
	cred   credential.Accessor
	logger *zap.Logger
}

// New builds a client for baseURL. A nil httpClient gets one with timeout.
func New(baseURL string, cred credential.Accessor, httpClient *http.Client, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("rest base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: u, http: httpClient, cred: cred, logger: logger.Named("rest")}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rdr)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cred != nil {
		tok, err := c.cred.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Method: method, Path: path, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// --- groups ---

// Groups returns the groups visible to the current user.
func (c *Client) Groups(ctx context.Context) ([]wire.Group, error) {
	var out []wire.Group
	if err := c.do(ctx, http.MethodGet, "/api/groups", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateGroup creates a group and returns its id.
func (c *Client) CreateGroup(ctx context.Context, name, description string) (string, error) {
	var out wire.CreateGroupResponse
	if err := c.do(ctx, http.MethodPost, "/api/groups", wire.CreateGroupRequest{Name: name, Description: description}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Members returns the member list of a group.
func (c *Client) Members(ctx context.Context, groupID string) ([]wire.Member, error) {
	var out []wire.Member
	if err := c.do(ctx, http.MethodGet, "/api/groups/"+url.PathEscape(groupID)+"/members", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- history ---

// PublicHistory returns the public channel history.
func (c *Client) PublicHistory(ctx context.Context) ([]wire.Message, error) {
	return c.history(ctx, "/api/messages/public")
}

// PrivateHistory returns the 1:1 history with userID.
func (c *Client) PrivateHistory(ctx context.Context, userID string) ([]wire.Message, error) {
	return c.history(ctx, "/api/messages/private/"+url.PathEscape(userID))
}

// GroupHistory returns the history of a group.
func (c *Client) GroupHistory(ctx context.Context, groupID string) ([]wire.Message, error) {
	return c.history(ctx, "/api/groups/"+url.PathEscape(groupID)+"/messages")
}

func (c *Client) history(ctx context.Context, path string) ([]wire.Message, error) {
	var out []wire.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- notifications ---

// Notifications returns the notification list.
func (c *Client) Notifications(ctx context.Context) ([]wire.Notification, error) {
	var out []wire.Notification
	if err := c.do(ctx, http.MethodGet, "/api/notifications", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkNotificationRead marks one notification as read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPut, "/api/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

// MarkAllNotificationsRead marks every notification as read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/api/notifications/read-all", nil, nil)
}

// DeleteNotifications deletes every notification.
func (c *Client) DeleteNotifications(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/notifications", nil, nil)
}
