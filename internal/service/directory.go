package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/convert"
	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/wire"
)

// systemLog receives synthetic group messages and roster updates.
type systemLog interface {
	AppendSystem(groupID, text string)
	ResolvePeers(users []model.UserInfo)
}

// DirectoryService defines group membership and presence operations.
type DirectoryService interface {
	FetchGroups(ctx context.Context) error
	CreateGroup(ctx context.Context, name, description string) (string, error)
	JoinGroup(ctx context.Context, groupID string) error
	LeaveGroup(ctx context.Context, groupID string) error
	DeleteGroup(ctx context.Context, groupID string) error
	InviteToGroup(ctx context.Context, groupID, userID string) error
	RemoveFromGroup(ctx context.Context, groupID string, member model.Member) error
	UpdateGroupPrivacy(ctx context.Context, groupID string, isPrivate bool) error
	FetchMembers(ctx context.Context, groupID string) ([]model.Member, error)
}

// Directory holds the group list and the user roster.
type Directory struct {
	mu     sync.RWMutex
	groups []model.GroupInfo
	users  []model.UserInfo

	api    API
	conn   connection
	system systemLog
	sel    *SelectionState
	unread *UnreadTracker
	errs   *ErrorState
	bus    *Bus
	logger *zap.Logger
}

var _ DirectoryService = (*Directory)(nil)

// NewDirectory constructs an empty directory.
func NewDirectory(api API, conn connection, system systemLog, sel *SelectionState, unread *UnreadTracker, errState *ErrorState, bus *Bus, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		api:    api,
		conn:   conn,
		system: system,
		sel:    sel,
		unread: unread,
		errs:   errState,
		bus:    bus,
		logger: logger.Named("directory"),
	}
}

// CanRemove applies the role gate for removing a member. The actor must
// outrank a target that is in the group; leaving (self) is allowed to
// everyone but the owner, who must transfer ownership first.
func CanRemove(actor, target model.Role, self bool) error {
	if self {
		switch actor {
		case model.RoleOwner:
			return fmt.Errorf("%w: owner must transfer ownership before leaving", errs.ErrForbidden)
		case model.RoleNonMember:
			return fmt.Errorf("%w: not a member", errs.ErrForbidden)
		}
		return nil
	}
	if target == model.RoleNonMember || !actor.Outranks(target) {
		return fmt.Errorf("%w: %s cannot remove %s", errs.ErrForbidden, actor, target)
	}
	return nil
}

// --- REST ---

// FetchGroups replaces the group list with the server's.
func (d *Directory) FetchGroups(ctx context.Context) error {
	in, err := d.api.Groups(ctx)
	if err != nil {
		return fmt.Errorf("fetch groups: %w", err)
	}
	d.setGroups(convert.FromWireGroups(in))
	return nil
}

// CreateGroup creates a group and reconciles the list.
func (d *Directory) CreateGroup(ctx context.Context, name, description string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: group name required", errs.ErrInvalidArgument)
	}
	id, err := d.api.CreateGroup(ctx, name, strings.TrimSpace(description))
	if err != nil {
		return "", fmt.Errorf("create group: %w", err)
	}
	d.reconcile(ctx)
	return id, nil
}

// FetchMembers returns the member list of a group.
func (d *Directory) FetchMembers(ctx context.Context, groupID string) ([]model.Member, error) {
	if groupID == "" {
		return nil, fmt.Errorf("%w: group id required", errs.ErrInvalidArgument)
	}
	in, err := d.api.Members(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("fetch members: %w", err)
	}
	return convert.FromWireMembers(in), nil
}

func (d *Directory) reconcile(ctx context.Context) {
	if err := d.FetchGroups(ctx); err != nil {
		d.logger.Warn("group reconciliation failed", zap.Error(err))
	}
}

// --- hub invocations ---

// invoke calls a hub method; not connected is a silent no-op (ok=false, err=nil).
func (d *Directory) invoke(ctx context.Context, failure, method string, args ...any) (bool, error) {
	ch, err := d.conn.Channel()
	if err != nil {
		return false, nil
	}
	if err := ch.Invoke(ctx, method, args...); err != nil {
		d.logger.Warn("invocation failed", zap.String("method", method), zap.Error(err))
		d.errs.Set(failure)
		return false, fmt.Errorf("%s: %w", method, err)
	}
	return true, nil
}

// JoinGroup joins a group, patches the local entry and reconciles.
func (d *Directory) JoinGroup(ctx context.Context, groupID string) error {
	ok, err := d.invoke(ctx, "Failed to join group", invJoinGroup, groupID)
	if !ok {
		return err
	}
	d.patch(groupID, func(g *model.GroupInfo) {
		if !g.IsMember {
			g.MemberCount++
		}
		g.IsMember = true
		if g.UserRole < model.RoleMember {
			g.UserRole = model.RoleMember
		}
	})
	d.reconcile(ctx)
	return nil
}

// LeaveGroup leaves a group; the selection falls back to public if it was active.
func (d *Directory) LeaveGroup(ctx context.Context, groupID string) error {
	ok, err := d.invoke(ctx, "Failed to leave group", invLeaveGroup, groupID)
	if !ok {
		return err
	}
	d.markLeft(groupID)
	d.reconcile(ctx)
	return nil
}

// DeleteGroup deletes a group and removes it locally.
func (d *Directory) DeleteGroup(ctx context.Context, groupID string) error {
	ok, err := d.invoke(ctx, "Failed to delete group", invDeleteGroup, groupID)
	if !ok {
		return err
	}
	d.remove(groupID)
	d.reconcile(ctx)
	return nil
}

// InviteToGroup invites a user into a group.
func (d *Directory) InviteToGroup(ctx context.Context, groupID, userID string) error {
	if groupID == "" || userID == "" {
		return fmt.Errorf("%w: group and user required", errs.ErrInvalidArgument)
	}
	_, err := d.invoke(ctx, "Failed to invite user", invInviteToGroup, groupID, userID)
	return err
}

// RemoveFromGroup removes member from a group after the local role check.
func (d *Directory) RemoveFromGroup(ctx context.Context, groupID string, member model.Member) error {
	g, ok := d.Group(groupID)
	if !ok {
		return fmt.Errorf("%w: group %s", errs.ErrNotFound, groupID)
	}
	self := member.UserID != "" && member.UserID == d.conn.Identity().UserID
	if err := CanRemove(g.UserRole, member.Role, self); err != nil {
		d.errs.Set("You are not allowed to remove this member")
		return err
	}
	done, err := d.invoke(ctx, "Failed to remove member", invRemoveMember, groupID, member.UserID)
	if !done {
		return err
	}
	if self {
		d.markLeft(groupID)
	} else {
		d.patch(groupID, func(g *model.GroupInfo) {
			if g.MemberCount > 0 {
				g.MemberCount--
			}
		})
	}
	d.reconcile(ctx)
	return nil
}

// UpdateGroupPrivacy toggles a group's privacy; admins and the owner only.
func (d *Directory) UpdateGroupPrivacy(ctx context.Context, groupID string, isPrivate bool) error {
	g, ok := d.Group(groupID)
	if !ok {
		return fmt.Errorf("%w: group %s", errs.ErrNotFound, groupID)
	}
	if g.UserRole < model.RoleAdmin {
		d.errs.Set("Only admins can change group privacy")
		return fmt.Errorf("%w: %s cannot change privacy", errs.ErrForbidden, g.UserRole)
	}
	done, err := d.invoke(ctx, "Failed to update group privacy", invGroupPrivacy, groupID, isPrivate)
	if !done {
		return err
	}
	d.patch(groupID, func(g *model.GroupInfo) { g.IsPrivate = isPrivate })
	return nil
}

// --- local state ---

func (d *Directory) setGroups(gs []model.GroupInfo) {
	d.mu.Lock()
	d.groups = gs
	d.mu.Unlock()
	d.bus.emit(Event{Type: EventGroups})
}

// patch applies fn to the group if it is known; it reports whether it was.
func (d *Directory) patch(groupID string, fn func(*model.GroupInfo)) bool {
	d.mu.Lock()
	found := false
	for i := range d.groups {
		if d.groups[i].ID == groupID {
			fn(&d.groups[i])
			d.groups[i] = d.groups[i].Normalize()
			found = true
			break
		}
	}
	d.mu.Unlock()
	if found {
		d.bus.emit(Event{Type: EventGroups})
	}
	return found
}

func (d *Directory) upsert(g model.GroupInfo) {
	g = g.Normalize()
	d.mu.Lock()
	replaced := false
	for i := range d.groups {
		if d.groups[i].ID == g.ID {
			d.groups[i] = g
			replaced = true
			break
		}
	}
	if !replaced {
		d.groups = append(d.groups, g)
	}
	d.mu.Unlock()
	d.bus.emit(Event{Type: EventGroups})
}

func (d *Directory) markLeft(groupID string) {
	d.patch(groupID, func(g *model.GroupInfo) {
		if g.IsMember && g.MemberCount > 0 {
			g.MemberCount--
		}
		g.IsMember = false
	})
	d.sel.ClearGroup(groupID)
}

func (d *Directory) remove(groupID string) {
	d.mu.Lock()
	kept := d.groups[:0:0]
	for _, g := range d.groups {
		if g.ID != groupID {
			kept = append(kept, g)
		}
	}
	d.groups = kept
	d.mu.Unlock()
	d.sel.ClearGroup(groupID)
	d.unread.Clear(model.GroupKey(groupID))
	d.bus.emit(Event{Type: EventGroups})
}

// Groups returns a snapshot of the group list.
func (d *Directory) Groups() []model.GroupInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]model.GroupInfo(nil), d.groups...)
}

// Group returns one group by id.
func (d *Directory) Group(groupID string) (model.GroupInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, g := range d.groups {
		if g.ID == groupID {
			return g, true
		}
	}
	return model.GroupInfo{}, false
}

// Users returns a snapshot of the roster.
func (d *Directory) Users() []model.UserInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]model.UserInfo(nil), d.users...)
}

// OnlineUsers returns the roster entries currently online.
func (d *Directory) OnlineUsers() []model.UserInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.UserInfo, 0, len(d.users))
	for _, u := range d.users {
		if u.IsOnline {
			out = append(out, u)
		}
	}
	return out
}

// UserByName looks a roster entry up by display name.
func (d *Directory) UserByName(name string) (model.UserInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, u := range d.users {
		if u.Username == name {
			return u, true
		}
	}
	return model.UserInfo{}, false
}

// Reset drops groups and users.
func (d *Directory) Reset() {
	d.mu.Lock()
	d.groups = nil
	d.users = nil
	d.mu.Unlock()
}

// --- push handlers ---

func (d *Directory) register(ch Channel) {
	ch.On(pushUserList, d.onUserList)
	ch.On(pushGroupList, d.onGroupList)
	ch.On(pushMemberJoined, d.onMemberJoined)
	ch.On(pushMemberLeft, d.onMemberLeft)
	ch.On(pushGroupDeleted, d.onGroupDeleted)
	ch.On(pushJoinedGroup, d.onJoinedGroup)
	ch.On(pushLeftGroup, d.onLeftGroup)
}

func (d *Directory) badPush(target string, err error) {
	d.logger.Warn("bad push", zap.String("target", target), zap.Error(err))
}

func (d *Directory) onUserList(args []json.RawMessage) {
	var users []wire.User
	if err := decodeArgs(args, &users); err != nil {
		d.badPush(pushUserList, err)
		return
	}
	roster := convert.FromWireUsers(users)
	d.mu.Lock()
	d.users = roster
	d.mu.Unlock()
	d.system.ResolvePeers(roster)
	d.bus.emit(Event{Type: EventUsers})
}

func (d *Directory) onGroupList(args []json.RawMessage) {
	var groups []wire.Group
	if err := decodeArgs(args, &groups); err != nil {
		d.badPush(pushGroupList, err)
		return
	}
	d.setGroups(convert.FromWireGroups(groups))
}

func (d *Directory) onMemberJoined(args []json.RawMessage) {
	var groupID, groupName, userID, username string
	if err := decodeArgs(args, &groupID, &groupName, &userID, &username); err != nil {
		d.badPush(pushMemberJoined, err)
		return
	}
	self := userID != "" && userID == d.conn.Identity().UserID
	d.patch(groupID, func(g *model.GroupInfo) {
		if self && g.IsMember {
			return
		}
		g.MemberCount++
		if self {
			g.IsMember = true
			g.UserRole = model.RoleMember
		}
	})
	d.system.AppendSystem(groupID, fmt.Sprintf("%s joined %s", username, groupName))
}

func (d *Directory) onMemberLeft(args []json.RawMessage) {
	var groupID, groupName, userID, username string
	if err := decodeArgs(args, &groupID, &groupName, &userID, &username); err != nil {
		d.badPush(pushMemberLeft, err)
		return
	}
	if userID != "" && userID == d.conn.Identity().UserID {
		d.markLeft(groupID)
	} else {
		d.patch(groupID, func(g *model.GroupInfo) {
			if g.MemberCount > 0 {
				g.MemberCount--
			}
		})
	}
	d.system.AppendSystem(groupID, fmt.Sprintf("%s left %s", username, groupName))
}

func (d *Directory) onGroupDeleted(args []json.RawMessage) {
	var groupID string
	if err := decodeArgs(args, &groupID); err != nil {
		d.badPush(pushGroupDeleted, err)
		return
	}
	name := groupID
	if g, ok := d.Group(groupID); ok {
		name = g.Name
	}
	d.remove(groupID)
	d.system.AppendSystem(groupID, fmt.Sprintf("Group %s was deleted", name))
}

func (d *Directory) onJoinedGroup(args []json.RawMessage) {
	var in wire.Group
	if err := decodeArgs(args, &in); err != nil || in.ID == "" {
		d.badPush(pushJoinedGroup, err)
		return
	}
	in.IsMember = true
	d.upsert(convert.FromWireGroup(in))
	d.system.AppendSystem(in.ID, fmt.Sprintf("You joined %s", in.Name))
}

func (d *Directory) onLeftGroup(args []json.RawMessage) {
	var groupID string
	if err := decodeArgs(args, &groupID); err != nil {
		d.badPush(pushLeftGroup, err)
		return
	}
	name := groupID
	if g, ok := d.Group(groupID); ok && g.Name != "" {
		name = g.Name
	}
	d.markLeft(groupID)
	d.system.AppendSystem(groupID, fmt.Sprintf("You left %s", name))
}
