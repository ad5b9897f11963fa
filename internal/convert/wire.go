// Package convert maps wire DTOs to domain model types.
package convert

import (
	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/wire"
)

// --- messages ---

// FromWireMessage converts a history entry fetched for conversation key.
// Server ids are dropped; every entry gets a fresh local id.
func FromWireMessage(in wire.Message, key model.ConversationKey) model.Message {
	m := model.Message{
		ID:        model.NewMessageID(),
		Content:   in.Content,
		Sender:    in.Sender,
		SenderID:  in.SenderID,
		Timestamp: in.Timestamp,
		Kind:      key.Kind,
	}
	switch key.Kind {
	case model.Private:
		m.ReceiverID = in.ReceiverID
		m.Peer = key.ID
	case model.Group:
		m.GroupID = key.ID
	}
	return m
}

// FromWireMessages converts a history page fetched for conversation key.
func FromWireMessages(in []wire.Message, key model.ConversationKey) []model.Message {
	out := make([]model.Message, 0, len(in))
	for _, m := range in {
		out = append(out, FromWireMessage(m, key))
	}
	return out
}

// --- groups ---

// FromWireGroup converts a group summary and enforces the membership/role invariant.
func FromWireGroup(in wire.Group) model.GroupInfo {
	role := model.RoleNonMember
	if in.UserRole != nil {
		role = model.Role(*in.UserRole)
	} else if in.IsMember {
		role = model.RoleMember
	}
	return model.GroupInfo{
		ID:          in.ID,
		Name:        in.Name,
		Description: in.Description,
		ImageURL:    in.ImageURL,
		MemberCount: in.MemberCount,
		IsMember:    in.IsMember,
		UserRole:    role,
		IsPrivate:   in.IsPrivate,
	}.Normalize()
}

// FromWireGroups converts a group list, skipping entries without an id.
func FromWireGroups(in []wire.Group) []model.GroupInfo {
	out := make([]model.GroupInfo, 0, len(in))
	for _, g := range in {
		if g.ID == "" {
			continue
		}
		out = append(out, FromWireGroup(g))
	}
	return out
}

// FromWireMembers converts a member list.
func FromWireMembers(in []wire.Member) []model.Member {
	out := make([]model.Member, 0, len(in))
	for _, m := range in {
		out = append(out, model.Member{
			UserID:   m.UserID,
			Username: m.Username,
			Role:     model.Role(m.Role),
			JoinedAt: m.JoinedAt,
		})
	}
	return out
}

// --- users ---

// FromWireUsers converts a roster push.
func FromWireUsers(in []wire.User) []model.UserInfo {
	out := make([]model.UserInfo, 0, len(in))
	for _, u := range in {
		out = append(out, model.UserInfo{
			UserID:            u.UserID,
			Username:          u.Username,
			IsOnline:          u.IsOnline,
			ProfilePictureURL: u.ProfilePictureURL,
			Bio:               u.Bio,
		})
	}
	return out
}
