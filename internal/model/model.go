// Package model defines domain entities shared by the sync engine, transport and storage.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// ChannelKind identifies one of the three message channels.
type ChannelKind int

const (
	Public ChannelKind = iota
	Private
	Group
)

func (k ChannelKind) String() string {
	switch k {
	case Public:
		return "public"
	case Private:
		return "private"
	case Group:
		return "group"
	default:
		return "unknown"
	}
}

// SystemSender is the sender name of synthetic messages produced by the client itself.
const SystemSender = "System"

// ConversationKey partitions the message log. ID is empty for the public channel,
// the peer user id for private conversations and the group id for groups.
type ConversationKey struct {
	Kind ChannelKind
	ID   string
}

// PublicKey returns the key of the public broadcast channel.
func PublicKey() ConversationKey { return ConversationKey{Kind: Public} }

// PrivateKey returns the key of a 1:1 conversation with peerID.
func PrivateKey(peerID string) ConversationKey { return ConversationKey{Kind: Private, ID: peerID} }

// GroupKey returns the key of a group conversation.
func GroupKey(groupID string) ConversationKey { return ConversationKey{Kind: Group, ID: groupID} }

func (k ConversationKey) String() string {
	if k.Kind == Public {
		return "public"
	}
	return k.Kind.String() + ":" + k.ID
}

// Message is a single entry of the unified message log.
type Message struct {
	ID         uuid.UUID // local key only, never correlated with server ids
	Content    string
	Sender     string // display name
	SenderID   string // resolved from the user roster when known
	Timestamp  time.Time
	Kind       ChannelKind
	ReceiverID string // private only
	GroupID    string // group only
	Peer       string // private only: the other participant, whichever side sent it
}

// NewMessageID mints a random local message id.
func NewMessageID() uuid.UUID { return uuid.Must(uuid.NewV4()) }

// Conversation returns the key the message belongs to.
func (m Message) Conversation() ConversationKey {
	switch m.Kind {
	case Private:
		return PrivateKey(m.Peer)
	case Group:
		return GroupKey(m.GroupID)
	default:
		return PublicKey()
	}
}

// Selection is the active conversation. At most one of UserID/GroupID is set;
// both empty means the public channel.
type Selection struct {
	UserID  string
	GroupID string
}

// Key maps the selection to a conversation key. A selected group wins over a selected user.
func (s Selection) Key() ConversationKey {
	switch {
	case s.GroupID != "":
		return GroupKey(s.GroupID)
	case s.UserID != "":
		return PrivateKey(s.UserID)
	default:
		return PublicKey()
	}
}

// Role is a member's role inside a group. Higher value outranks lower.
type Role int

const (
	RoleNonMember Role = -1
	RoleMember    Role = 0
	RoleAdmin     Role = 1
	RoleOwner     Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleAdmin:
		return "admin"
	case RoleOwner:
		return "owner"
	default:
		return "non-member"
	}
}

// Outranks reports whether r is strictly higher than other.
func (r Role) Outranks(other Role) bool { return r > other }

// GroupInfo is the locally held view of a group.
type GroupInfo struct {
	ID          string
	Name        string
	Description string
	ImageURL    string
	MemberCount int
	IsMember    bool
	UserRole    Role
	IsPrivate   bool
}

// Normalize enforces IsMember=false => UserRole=NonMember.
func (g GroupInfo) Normalize() GroupInfo {
	if !g.IsMember {
		g.UserRole = RoleNonMember
	}
	return g
}

// Member is an entry of a group's member list.
type Member struct {
	UserID   string
	Username string
	Role     Role
	JoinedAt time.Time
}

// UserInfo is a roster entry; the roster is replaced wholesale on every push.
type UserInfo struct {
	UserID            string
	Username          string
	IsOnline          bool
	ProfilePictureURL string
	Bio               string
}

// Notification is an entry of the notification log.
type Notification struct {
	ID      string
	Type    string
	Payload map[string]any
	IsRead  bool
	SentAt  time.Time
}

// ConnectionState is the lifecycle state of the hub connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}
