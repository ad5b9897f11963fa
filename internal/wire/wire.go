// Package wire holds the JSON shapes exchanged with the chat server over REST and the hub.
package wire

import (
	"encoding/json"
	"time"
)

// Message is a history entry returned by the REST message endpoints.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Sender     string    `json:"senderUsername"`
	SenderID   string    `json:"senderId,omitempty"`
	ReceiverID string    `json:"receiverId,omitempty"`
	GroupID    string    `json:"groupId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Group is a group summary as seen by the current user.
type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	MemberCount int    `json:"memberCount"`
	IsMember    bool   `json:"isMember"`
	UserRole    *int   `json:"userRole,omitempty"`
	IsPrivate   bool   `json:"isPrivate"`
}

// Member is an entry of GET /api/groups/{id}/members.
type Member struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	Role     int       `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// User is a roster entry pushed by UpdateUserList.
type User struct {
	UserID            string `json:"userId"`
	Username          string `json:"username"`
	IsOnline          bool   `json:"isOnline"`
	ProfilePictureURL string `json:"profilePictureUrl,omitempty"`
	Bio               string `json:"bio,omitempty"`
}

// Notification is an entry of GET /api/notifications. Payload is kept raw
// because the server sends it as an object, a JSON string or an envelope.
type Notification struct {
	ID      string          `json:"id"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	IsRead  bool            `json:"isRead"`
	SentAt  time.Time       `json:"sentAt"`
}

// CreateGroupRequest is the body of POST /api/groups.
type CreateGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreateGroupResponse is returned by POST /api/groups.
type CreateGroupResponse struct {
	ID string `json:"id"`
}
