package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/backoff"
	"github.com/and161185/chatsync/internal/convert"
	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/model"
)

// NotificationService defines operations over the notification log.
type NotificationService interface {
	Fetch(ctx context.Context) error
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	DeleteAll(ctx context.Context) error
	Notifications() []model.Notification
	UnreadCount() int
}

// Notifications aggregates fetched and pushed notifications, most recent first.
// UnreadCount always equals the number of entries with IsRead=false.
type Notifications struct {
	mu     sync.RWMutex
	items  []model.Notification
	unread int

	retries   int
	retryBase time.Duration
	now       func() time.Time

	api      API
	sel      *SelectionState
	unreadTr *UnreadTracker
	bus      *Bus
	logger   *zap.Logger
}

var _ NotificationService = (*Notifications)(nil)

// NewNotifications constructs an empty aggregator.
func NewNotifications(api API, sel *SelectionState, unread *UnreadTracker, bus *Bus, retries int, retryBase time.Duration, logger *zap.Logger) *Notifications {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retries < 0 {
		retries = 0
	}
	return &Notifications{
		retries:   retries,
		retryBase: retryBase,
		now:       time.Now,
		api:       api,
		sel:       sel,
		unreadTr:  unread,
		bus:       bus,
		logger:    logger.Named("notifications"),
	}
}

func permanent(err error) bool {
	return errors.Is(err, errs.ErrUnauthorized) || errors.Is(err, errs.ErrNoCredential)
}

// Fetch loads the notification list with bounded retry and merges it into the
// local log. An auth rejection clears the state without reporting an error.
func (n *Notifications) Fetch(ctx context.Context) error {
	var fresh []model.Notification
	err := backoff.Retry(ctx, n.retries, n.retryBase, permanent, func(ctx context.Context) error {
		in, err := n.api.Notifications(ctx)
		if err != nil {
			return err
		}
		fresh = fresh[:0]
		for _, w := range in {
			m, perr := convert.FromWireNotification(w)
			if perr != nil {
				n.logger.Debug("notification payload normalized", zap.String("id", w.ID), zap.Error(perr))
			}
			fresh = append(fresh, m)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errs.ErrUnauthorized) {
			n.logger.Info("notifications unauthorized, clearing")
			n.Reset()
			n.bus.emit(Event{Type: EventNotifications})
			return nil
		}
		return fmt.Errorf("fetch notifications: %w", err)
	}

	n.mu.Lock()
	prev := make(map[string]model.Notification, len(n.items))
	for _, it := range n.items {
		prev[it.ID] = it
	}
	for i := range fresh {
		old, ok := prev[fresh[i].ID]
		if !ok {
			continue
		}
		fresh[i].Payload = mergePayload(fresh[i].Payload, old.Payload)
	}
	n.items = fresh
	n.recount()
	n.mu.Unlock()

	n.bus.emit(Event{Type: EventNotifications})
	return nil
}

// mergePayload keeps fields of old that fresh does not carry.
func mergePayload(fresh, old map[string]any) map[string]any {
	if fresh == nil {
		fresh = make(map[string]any, len(old))
	}
	for k, v := range old {
		if _, ok := fresh[k]; !ok {
			fresh[k] = v
		}
	}
	return fresh
}

// recount must be called with mu held.
func (n *Notifications) recount() {
	c := 0
	for _, it := range n.items {
		if !it.IsRead {
			c++
		}
	}
	n.unread = c
}

// MarkRead marks one notification read on the server, then locally.
func (n *Notifications) MarkRead(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: notification id required", errs.ErrInvalidArgument)
	}
	if err := n.api.MarkNotificationRead(ctx, id); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	n.mu.Lock()
	for i := range n.items {
		if n.items[i].ID == id && !n.items[i].IsRead {
			n.items[i].IsRead = true
			if n.unread > 0 {
				n.unread--
			}
			break
		}
	}
	n.mu.Unlock()
	n.bus.emit(Event{Type: EventNotifications})
	return nil
}

// MarkAllRead marks every notification read.
func (n *Notifications) MarkAllRead(ctx context.Context) error {
	if err := n.api.MarkAllNotificationsRead(ctx); err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}
	n.mu.Lock()
	for i := range n.items {
		n.items[i].IsRead = true
	}
	n.unread = 0
	n.mu.Unlock()
	n.bus.emit(Event{Type: EventNotifications})
	return nil
}

// DeleteAll deletes every notification.
func (n *Notifications) DeleteAll(ctx context.Context) error {
	if err := n.api.DeleteNotifications(ctx); err != nil {
		return fmt.Errorf("delete notifications: %w", err)
	}
	n.Reset()
	n.bus.emit(Event{Type: EventNotifications})
	return nil
}

// Notifications returns a snapshot, most recent first.
func (n *Notifications) Notifications() []model.Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]model.Notification, 0, len(n.items))
	for _, it := range n.items {
		it.Payload = copyPayload(it.Payload)
		out = append(out, it)
	}
	return out
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// UnreadCount returns the number of unread notifications.
func (n *Notifications) UnreadCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.unread
}

// Reset empties the log.
func (n *Notifications) Reset() {
	n.mu.Lock()
	n.items = nil
	n.unread = 0
	n.mu.Unlock()
}

// --- push ---

func (n *Notifications) register(ch Channel) {
	ch.On(pushNotification, n.onNewNotification)
}

func (n *Notifications) onNewNotification(args []json.RawMessage) {
	var id string
	if err := decodeArgs(args, &id); err != nil || id == "" {
		n.logger.Warn("bad push", zap.String("target", pushNotification), zap.Error(err))
		return
	}
	var payload json.RawMessage
	if len(args) > 1 {
		payload = args[1]
	}
	sentAt := n.now()
	if len(args) > 2 {
		var ts time.Time
		if err := json.Unmarshal(args[2], &ts); err == nil && !ts.IsZero() {
			sentAt = ts
		}
	}

	item, err := convert.NewNotification(id, payload, sentAt)
	if err != nil {
		n.logger.Debug("notification payload normalized", zap.String("id", id), zap.Error(err))
	}

	n.mu.Lock()
	known := false
	for i := range n.items {
		if n.items[i].ID == id {
			item.IsRead = n.items[i].IsRead
			item.Payload = mergePayload(item.Payload, n.items[i].Payload)
			n.items[i] = item
			known = true
			break
		}
	}
	if !known {
		n.items = append([]model.Notification{item}, n.items...)
		n.unread++
	}
	n.mu.Unlock()

	if groupID, ok := convert.GroupMessageTarget(item); ok && n.sel.Current().GroupID != groupID {
		n.unreadTr.MarkGroup(groupID)
	}
	n.bus.emit(Event{Type: EventNotification, Notification: item})
}
