// Package relay republishes engine events to a message broker.
package relay

import (
	"time"

	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/service"
)

// Routing keys on the topic exchange.
const (
	KeyMessagePublic  = "chat.message.public"
	KeyMessagePrivate = "chat.message.private"
	KeyMessageGroup   = "chat.message.group"
	KeyNotification   = "chat.notification"
	KeyConnection     = "chat.connection"
)

// Meta describes one published event.
type Meta struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
}

// Envelope is the JSON body of every published event.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// MessageData is the payload of chat.message.* events.
type MessageData struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversationId,omitempty"`
	Sender         string    `json:"sender"`
	SenderID       string    `json:"senderId,omitempty"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// NotificationData is the payload of chat.notification events.
type NotificationData struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	IsRead  bool           `json:"isRead"`
	SentAt  time.Time      `json:"sentAt"`
}

// ConnectionData is the payload of chat.connection events.
type ConnectionData struct {
	State string `json:"state"`
}

// route maps an engine event to its routing key and payload. ok is false
// for events that are not relayed.
func route(ev service.Event) (key string, data any, ok bool) {
	switch ev.Type {
	case service.EventMessage:
		m := ev.Message
		conv := m.Conversation()
		switch m.Kind {
		case model.Private:
			key = KeyMessagePrivate
		case model.Group:
			key = KeyMessageGroup
		default:
			key = KeyMessagePublic
		}
		return key, MessageData{
			ID:             m.ID.String(),
			Kind:           m.Kind.String(),
			ConversationID: conv.ID,
			Sender:         m.Sender,
			SenderID:       m.SenderID,
			Content:        m.Content,
			Timestamp:      m.Timestamp,
		}, true
	case service.EventNotification:
		n := ev.Notification
		return KeyNotification, NotificationData{
			ID:      n.ID,
			Type:    n.Type,
			Payload: n.Payload,
			IsRead:  n.IsRead,
			SentAt:  n.SentAt,
		}, true
	case service.EventState:
		return KeyConnection, ConnectionData{State: ev.State.String()}, true
	default:
		return "", nil, false
	}
}
