package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/chatsync/internal/credential"
	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/wire"
)

type fakeSystemLog struct {
	lines   map[string][]string
	rosters [][]model.UserInfo
}

var _ systemLog = (*fakeSystemLog)(nil)

func (f *fakeSystemLog) AppendSystem(groupID, text string) {
	if f.lines == nil {
		f.lines = map[string][]string{}
	}
	f.lines[groupID] = append(f.lines[groupID], text)
}

func (f *fakeSystemLog) ResolvePeers(users []model.UserInfo) {
	f.rosters = append(f.rosters, users)
}

type dirFixture struct {
	dir    *Directory
	ch     *fakeChannel
	api    *fakeAPI
	conn   *fakeConn
	sys    *fakeSystemLog
	sel    *SelectionState
	unread *UnreadTracker
	errs   *ErrorState
}

func intPtr(v int) *int { return &v }

func newDirFixture(t *testing.T) *dirFixture {
	t.Helper()
	f := &dirFixture{
		ch:     newFakeChannel(),
		api:    &fakeAPI{},
		sys:    &fakeSystemLog{},
		unread: NewUnreadTracker(),
		errs:   NewErrorState(0, nil),
	}
	f.conn = &fakeConn{ch: f.ch, id: credential.Identity{UserID: "u1", Username: "alice"}}
	f.sel = NewSelectionState(f.unread)
	f.dir = NewDirectory(f.api, f.conn, f.sys, f.sel, f.unread, f.errs, nil, zaptest.NewLogger(t))
	f.dir.register(f.ch)
	return f
}

func (f *dirFixture) seed(gs ...model.GroupInfo) { f.dir.setGroups(gs) }

func TestCanRemove_RoleGate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		actor  model.Role
		target model.Role
		self   bool
		ok     bool
	}{
		{"member removes member", model.RoleMember, model.RoleMember, false, false},
		{"admin removes member", model.RoleAdmin, model.RoleMember, false, true},
		{"admin removes admin", model.RoleAdmin, model.RoleAdmin, false, false},
		{"admin removes owner", model.RoleAdmin, model.RoleOwner, false, false},
		{"owner removes admin", model.RoleOwner, model.RoleAdmin, false, true},
		{"owner removes member", model.RoleOwner, model.RoleMember, false, true},
		{"owner removes self", model.RoleOwner, model.RoleOwner, true, false},
		{"admin leaves", model.RoleAdmin, model.RoleAdmin, true, true},
		{"member leaves", model.RoleMember, model.RoleMember, true, true},
		{"member removes non member", model.RoleMember, model.RoleNonMember, false, false},
	}
	for _, tc := range cases {
		err := CanRemove(tc.actor, tc.target, tc.self)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, errs.ErrForbidden) {
			t.Fatalf("%s: want ErrForbidden, got %v", tc.name, err)
		}
	}
}

func TestDirectory_RemoveFromGroupEnforcesRole(t *testing.T) {
	f := newDirFixture(t)
	ctx := context.Background()
	f.seed(model.GroupInfo{ID: "g", IsMember: true, UserRole: model.RoleMember, MemberCount: 3})

	err := f.dir.RemoveFromGroup(ctx, "g", model.Member{UserID: "u9", Role: model.RoleMember})
	require.ErrorIs(t, err, errs.ErrForbidden)
	require.Empty(t, f.ch.invocations(), "rejected locally, nothing invoked")
	require.NotEmpty(t, f.errs.Current())

	f.seed(model.GroupInfo{ID: "g", IsMember: true, UserRole: model.RoleAdmin, MemberCount: 3})
	require.NoError(t, f.dir.RemoveFromGroup(ctx, "g", model.Member{UserID: "u9", Role: model.RoleMember}))
	calls := f.ch.invocations()
	require.Len(t, calls, 1)
	require.Equal(t, invRemoveMember, calls[0].target)
	require.Equal(t, []any{"g", "u9"}, calls[0].args)

	require.ErrorIs(t, f.dir.RemoveFromGroup(ctx, "missing", model.Member{UserID: "u9"}), errs.ErrNotFound)
}

func TestDirectory_JoinLeaveDelete(t *testing.T) {
	f := newDirFixture(t)
	ctx := context.Background()
	f.api.groupsErr = errors.New("offline") // keep optimistic state visible
	f.seed(
		model.GroupInfo{ID: "g1", Name: "one", MemberCount: 2, UserRole: model.RoleNonMember},
		model.GroupInfo{ID: "g2", Name: "two", MemberCount: 5, IsMember: true, UserRole: model.RoleOwner},
	)

	require.NoError(t, f.dir.JoinGroup(ctx, "g1"))
	g, _ := f.dir.Group("g1")
	require.True(t, g.IsMember)
	require.Equal(t, model.RoleMember, g.UserRole)
	require.Equal(t, 3, g.MemberCount)

	f.sel.Set(model.Selection{GroupID: "g1"})
	require.NoError(t, f.dir.LeaveGroup(ctx, "g1"))
	g, _ = f.dir.Group("g1")
	require.False(t, g.IsMember)
	require.Equal(t, model.RoleNonMember, g.UserRole)
	require.Equal(t, 2, g.MemberCount)
	require.Equal(t, model.Selection{}, f.sel.Current(), "leaving the active group selects public")

	f.sel.Set(model.Selection{GroupID: "g2"})
	f.unread.MarkGroup("g2")
	require.NoError(t, f.dir.DeleteGroup(ctx, "g2"))
	_, ok := f.dir.Group("g2")
	require.False(t, ok)
	require.Equal(t, model.Selection{}, f.sel.Current())
	require.False(t, f.unread.HasGroup("g2"))

	require.Equal(t, 3, f.api.groupsN, "each mutation reconciles with the server")
}

func TestDirectory_ReconcileWins(t *testing.T) {
	f := newDirFixture(t)
	f.seed(model.GroupInfo{ID: "g1", MemberCount: 2})
	f.api.groups = []wire.Group{{ID: "g1", MemberCount: 10, IsMember: true, UserRole: intPtr(1)}}

	require.NoError(t, f.dir.JoinGroup(context.Background(), "g1"))
	g, _ := f.dir.Group("g1")
	require.Equal(t, 10, g.MemberCount)
	require.Equal(t, model.RoleAdmin, g.UserRole)
}

func TestDirectory_InvocationFailureSurfaces(t *testing.T) {
	f := newDirFixture(t)
	f.seed(model.GroupInfo{ID: "g1"})
	f.ch.invokeErr = errors.New("denied")

	require.Error(t, f.dir.JoinGroup(context.Background(), "g1"))
	g, _ := f.dir.Group("g1")
	require.False(t, g.IsMember, "no optimistic patch on failure")
	require.NotEmpty(t, f.errs.Current())
}

func TestDirectory_NotConnectedIsNoop(t *testing.T) {
	f := newDirFixture(t)
	f.conn.ch = nil
	require.NoError(t, f.dir.JoinGroup(context.Background(), "g1"))
	require.NoError(t, f.dir.LeaveGroup(context.Background(), "g1"))
	require.Empty(t, f.ch.invocations())
	require.Zero(t, f.api.groupsN)
}

func TestDirectory_CreateGroup(t *testing.T) {
	f := newDirFixture(t)
	f.api.createID = "g9"
	f.api.groups = []wire.Group{{ID: "g9", Name: "new", IsMember: true, UserRole: intPtr(2)}}

	_, err := f.dir.CreateGroup(context.Background(), "  ", "")
	require.ErrorIs(t, err, errs.ErrInvalidArgument)

	id, err := f.dir.CreateGroup(context.Background(), " new ", "desc")
	require.NoError(t, err)
	require.Equal(t, "g9", id)
	require.Equal(t, "new", f.api.createdName)
	require.Len(t, f.dir.Groups(), 1)
}

func TestDirectory_UpdateGroupPrivacy(t *testing.T) {
	f := newDirFixture(t)
	ctx := context.Background()
	f.seed(model.GroupInfo{ID: "g", IsMember: true, UserRole: model.RoleMember})
	require.ErrorIs(t, f.dir.UpdateGroupPrivacy(ctx, "g", true), errs.ErrForbidden)

	f.seed(model.GroupInfo{ID: "g", IsMember: true, UserRole: model.RoleOwner})
	require.NoError(t, f.dir.UpdateGroupPrivacy(ctx, "g", true))
	g, _ := f.dir.Group("g")
	require.True(t, g.IsPrivate)
}

func TestDirectory_InviteAndMembers(t *testing.T) {
	f := newDirFixture(t)
	ctx := context.Background()
	require.ErrorIs(t, f.dir.InviteToGroup(ctx, "g", ""), errs.ErrInvalidArgument)
	require.NoError(t, f.dir.InviteToGroup(ctx, "g", "u5"))
	require.Equal(t, invInviteToGroup, f.ch.invocations()[0].target)

	f.api.members = []wire.Member{{UserID: "u1", Username: "alice", Role: 2}}
	ms, err := f.dir.FetchMembers(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, model.RoleOwner, ms[0].Role)
}

func TestDirectory_PushHandlers(t *testing.T) {
	f := newDirFixture(t)
	f.ch.push(t, pushGroupList, []wire.Group{
		{ID: "g1", Name: "one", MemberCount: 1, IsMember: true},
		{ID: "g2", Name: "two", MemberCount: 4},
	})
	require.Len(t, f.dir.Groups(), 2)

	f.ch.push(t, pushMemberJoined, "g1", "one", "u7", "zed")
	g, _ := f.dir.Group("g1")
	require.Equal(t, 2, g.MemberCount)
	require.Equal(t, []string{"zed joined one"}, f.sys.lines["g1"])

	f.ch.push(t, pushMemberLeft, "g1", "one", "u7", "zed")
	g, _ = f.dir.Group("g1")
	require.Equal(t, 1, g.MemberCount)

	f.ch.push(t, pushJoinedGroup, wire.Group{ID: "g3", Name: "three", MemberCount: 8})
	g, ok := f.dir.Group("g3")
	require.True(t, ok)
	require.True(t, g.IsMember)
	require.Equal(t, model.RoleMember, g.UserRole)

	f.sel.Set(model.Selection{GroupID: "g3"})
	f.ch.push(t, pushLeftGroup, "g3")
	g, _ = f.dir.Group("g3")
	require.False(t, g.IsMember)
	require.Equal(t, model.Selection{}, f.sel.Current())
	require.Equal(t, []string{"You joined three", "You left three"}, f.sys.lines["g3"])

	f.ch.push(t, pushGroupDeleted, "g2")
	_, ok = f.dir.Group("g2")
	require.False(t, ok)
	require.Equal(t, []string{"Group two was deleted"}, f.sys.lines["g2"])

	f.ch.push(t, pushUserList, []wire.User{
		{UserID: "u2", Username: "bob", IsOnline: true},
		{UserID: "u3", Username: "carol"},
	})
	require.Len(t, f.dir.Users(), 2)
	require.Len(t, f.dir.OnlineUsers(), 1)
	require.Len(t, f.sys.rosters, 1)
	require.Len(t, f.sys.rosters[0], 2)
	u, ok := f.dir.UserByName("carol")
	require.True(t, ok)
	require.Equal(t, "u3", u.UserID)
}

func TestDirectory_SelfJoinPush(t *testing.T) {
	f := newDirFixture(t)
	f.seed(model.GroupInfo{ID: "g1", MemberCount: 1})
	f.ch.push(t, pushMemberJoined, "g1", "one", "u1", "alice")
	g, _ := f.dir.Group("g1")
	require.True(t, g.IsMember)
	require.Equal(t, 2, g.MemberCount)
}
