package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/and161185/chatsync/internal/rest"
	"github.com/and161185/chatsync/internal/transport/hub"
	"github.com/and161185/chatsync/internal/wire"
)

// Channel is the duplex hub connection used by the engine.
type Channel interface {
	// On registers a push handler; must be called before Start.
	On(target string, h hub.Handler)
	// OnClose registers the termination callback; err is nil for an explicit Close.
	OnClose(fn func(err error))
	// Start opens the connection.
	Start(ctx context.Context) error
	// Invoke calls a server method and waits for its completion.
	Invoke(ctx context.Context, target string, args ...any) error
	// Close terminates the connection.
	Close() error
}

// Dialer builds an unstarted channel for one connection generation.
type Dialer func(token string) Channel

var _ Channel = (*hub.Conn)(nil)

// API is the REST surface the engine reads and reconciles from.
type API interface {
	Groups(ctx context.Context) ([]wire.Group, error)
	CreateGroup(ctx context.Context, name, description string) (string, error)
	Members(ctx context.Context, groupID string) ([]wire.Member, error)

	PublicHistory(ctx context.Context) ([]wire.Message, error)
	PrivateHistory(ctx context.Context, userID string) ([]wire.Message, error)
	GroupHistory(ctx context.Context, groupID string) ([]wire.Message, error)

	Notifications(ctx context.Context) ([]wire.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
	DeleteNotifications(ctx context.Context) error
}

var _ API = (*rest.Client)(nil)

// Hub method names.
const (
	invSendPublic    = "SendPublicMessage"
	invSendPrivate   = "SendPrivateMessage"
	invSendGroup     = "SendGroupMessage"
	invJoinGroup     = "JoinGroup"
	invLeaveGroup    = "LeaveGroup"
	invDeleteGroup   = "DeleteGroup"
	invInviteToGroup = "InviteToGroup"
	invRemoveMember  = "RemoveFromGroup"
	invGroupPrivacy  = "UpdateGroupPrivacy"

	pushMessage        = "ReceiveMessage"
	pushPrivateMessage = "ReceivePrivateMessage"
	pushGroupMessage   = "ReceiveGroupMessage"
	pushUserList       = "UpdateUserList"
	pushGroupList      = "UpdateGroupList"
	pushUserNotOnline  = "UserNotConnected"
	pushNotification   = "NewNotification"
	pushMemberJoined   = "GroupMemberJoined"
	pushMemberLeft     = "GroupMemberLeft"
	pushGroupDeleted   = "GroupDeleted"
	pushJoinedGroup    = "JoinedGroup"
	pushLeftGroup      = "LeftGroup"
)

// decodeArgs unmarshals the leading push arguments into dst.
func decodeArgs(args []json.RawMessage, dst ...any) error {
	if len(args) < len(dst) {
		return fmt.Errorf("want %d arguments, got %d", len(dst), len(args))
	}
	for i, d := range dst {
		if err := json.Unmarshal(args[i], d); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return nil
}
