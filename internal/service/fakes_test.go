package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/and161185/chatsync/internal/credential"
	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/transport/hub"
	"github.com/and161185/chatsync/internal/wire"
)

// --- channel ---

type call struct {
	target string
	args   []any
}

type fakeChannel struct {
	mu        sync.Mutex
	handlers  map[string]hub.Handler
	onClose   func(error)
	gate      chan struct{} // Start blocks until closed when non-nil
	closedCh  chan struct{}
	startErr  error
	dropStart error // delivered to OnClose before Start returns
	starts    int
	closes    int
	invokeErr error
	calls     []call
}

var _ Channel = (*fakeChannel)(nil)

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]hub.Handler), closedCh: make(chan struct{})}
}

func (f *fakeChannel) On(target string, h hub.Handler) {
	f.mu.Lock()
	f.handlers[target] = h
	f.mu.Unlock()
}

func (f *fakeChannel) OnClose(fn func(error)) {
	f.mu.Lock()
	f.onClose = fn
	f.mu.Unlock()
}

func (f *fakeChannel) Start(ctx context.Context) error {
	f.mu.Lock()
	f.starts++
	gate, err, drop, fn := f.gate, f.startErr, f.dropStart, f.onClose
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-f.closedCh:
			return errs.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if drop != nil && fn != nil {
		fn(drop)
	}
	return err
}

func (f *fakeChannel) Invoke(_ context.Context, target string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{target: target, args: args})
	return f.invokeErr
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closes++
	first := f.closes == 1
	fn := f.onClose
	f.mu.Unlock()
	if first {
		close(f.closedCh)
		if fn != nil {
			fn(nil)
		}
	}
	return nil
}

// push delivers a server event the way the hub read loop does.
func (f *fakeChannel) push(t *testing.T, target string, args ...any) {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			t.Fatalf("marshal %v: %v", a, err)
		}
		raw = append(raw, b)
	}
	f.mu.Lock()
	h := f.handlers[target]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler registered for %s", target)
	}
	h(raw)
}

// drop simulates an unexpected termination.
func (f *fakeChannel) drop(err error) {
	f.mu.Lock()
	fn := f.onClose
	f.mu.Unlock()
	fn(err)
}

func (f *fakeChannel) invocations() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeChannel) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// --- connection ---

type fakeConn struct {
	ch Channel
	id credential.Identity
}

var _ connection = (*fakeConn)(nil)

func (f *fakeConn) Channel() (Channel, error) {
	if f.ch == nil {
		return nil, errs.ErrNotConnected
	}
	return f.ch, nil
}

func (f *fakeConn) Identity() credential.Identity { return f.id }

// --- REST ---

type fakeAPI struct {
	mu sync.Mutex

	groups    []wire.Group
	groupsErr error
	groupsN   int

	createdName string
	createID    string
	createErr   error

	members    []wire.Member
	membersErr error

	public   []wire.Message
	private  map[string][]wire.Message
	group    map[string][]wire.Message
	histErr  error
	histKeys []string

	notifs      []wire.Notification
	notifsErrs  []error // consumed one per call before notifs is returned
	notifsCalls int
	markedRead  []string
	markAllN    int
	deleteN     int
	cmdErr      error
}

var _ API = (*fakeAPI)(nil)

func (f *fakeAPI) Groups(context.Context) ([]wire.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupsN++
	return append([]wire.Group(nil), f.groups...), f.groupsErr
}

func (f *fakeAPI) CreateGroup(_ context.Context, name, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdName = name
	return f.createID, f.createErr
}

func (f *fakeAPI) Members(context.Context, string) ([]wire.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Member(nil), f.members...), f.membersErr
}

func (f *fakeAPI) PublicHistory(context.Context) ([]wire.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histKeys = append(f.histKeys, "public")
	return append([]wire.Message(nil), f.public...), f.histErr
}

func (f *fakeAPI) PrivateHistory(_ context.Context, userID string) ([]wire.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histKeys = append(f.histKeys, "private:"+userID)
	return append([]wire.Message(nil), f.private[userID]...), f.histErr
}

func (f *fakeAPI) GroupHistory(_ context.Context, groupID string) ([]wire.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histKeys = append(f.histKeys, "group:"+groupID)
	return append([]wire.Message(nil), f.group[groupID]...), f.histErr
}

func (f *fakeAPI) Notifications(context.Context) ([]wire.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifsCalls++
	if len(f.notifsErrs) > 0 {
		err := f.notifsErrs[0]
		f.notifsErrs = f.notifsErrs[1:]
		return nil, err
	}
	return append([]wire.Notification(nil), f.notifs...), nil
}

func (f *fakeAPI) MarkNotificationRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, id)
	return f.cmdErr
}

func (f *fakeAPI) MarkAllNotificationsRead(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markAllN++
	return f.cmdErr
}

func (f *fakeAPI) DeleteNotifications(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteN++
	return f.cmdErr
}

func (f *fakeAPI) historyKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.histKeys...)
}

// --- clock ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
