package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/convert"
	"github.com/and161185/chatsync/internal/credential"
	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/wire"
)

// connection is the part of the ConnectionManager other components depend on.
type connection interface {
	Channel() (Channel, error)
	Identity() credential.Identity
}

// roster resolves display names to user ids.
type roster interface {
	UserByName(name string) (model.UserInfo, bool)
}

// MessageService defines the operations over the unified message log.
type MessageService interface {
	// Send delivers content to a conversation; a no-op when not connected or content is blank.
	Send(ctx context.Context, key model.ConversationKey, content string) error
	// FetchHistory replaces the entries of key with the server history.
	FetchHistory(ctx context.Context, key model.ConversationKey) error
	// Messages returns the whole log ordered by timestamp.
	Messages() []model.Message
	// Conversation returns the messages of the selected conversation.
	Conversation(sel model.Selection) []model.Message
}

type entry struct {
	msg    model.Message
	at     time.Time // local append time, used by dedup; zero for history
	byName bool      // private entry keyed by the sender name until the roster resolves it
}

// MessageEngine owns the append-only message log.
type MessageEngine struct {
	mu  sync.RWMutex
	log []entry

	window time.Duration
	now    func() time.Time

	api    API
	conn   connection
	roster roster
	sel    *SelectionState
	unread *UnreadTracker
	errs   *ErrorState
	bus    *Bus
	logger *zap.Logger
}

var _ MessageService = (*MessageEngine)(nil)

// NewMessageEngine constructs an empty log with the given dedup window.
func NewMessageEngine(api API, conn connection, sel *SelectionState, unread *UnreadTracker, errState *ErrorState, bus *Bus, window time.Duration, logger *zap.Logger) *MessageEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageEngine{
		window: window,
		now:    time.Now,
		api:    api,
		conn:   conn,
		sel:    sel,
		unread: unread,
		errs:   errState,
		bus:    bus,
		logger: logger.Named("messages"),
	}
}

// SetRoster wires the directory used to resolve sender ids.
func (e *MessageEngine) SetRoster(r roster) { e.roster = r }

// Send invokes the hub method for key's channel. Private and group messages
// are appended optimistically once the server accepted the invocation; public
// messages appear only through the server echo.
func (e *MessageEngine) Send(ctx context.Context, key model.ConversationKey, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	ch, err := e.conn.Channel()
	if err != nil {
		return nil
	}
	if key.Kind != model.Public && key.ID == "" {
		return nil
	}

	switch key.Kind {
	case model.Private:
		err = ch.Invoke(ctx, invSendPrivate, key.ID, content)
	case model.Group:
		err = ch.Invoke(ctx, invSendGroup, key.ID, content)
	default:
		err = ch.Invoke(ctx, invSendPublic, content)
	}
	if err != nil {
		e.logger.Warn("send failed", zap.Stringer("conversation", key), zap.Error(err))
		e.errs.Set("Failed to send message")
		return fmt.Errorf("send %s: %w", key, err)
	}
	if key.Kind == model.Public {
		return nil
	}

	self := e.conn.Identity()
	m := model.Message{
		ID:        model.NewMessageID(),
		Content:   content,
		Sender:    self.Username,
		SenderID:  self.UserID,
		Timestamp: e.now(),
		Kind:      key.Kind,
	}
	if key.Kind == model.Private {
		m.ReceiverID = key.ID
		m.Peer = key.ID
	} else {
		m.GroupID = key.ID
	}
	e.Append(m)
	return nil
}

// Append adds m unless an entry with the same sender and content was
// appended within the dedup window. It reports whether m was added.
func (e *MessageEngine) Append(m model.Message) bool {
	return e.add(m, false, false)
}

// AppendSystem appends a synthetic message from SystemSender to a group log.
// System messages only dedup against the same group.
func (e *MessageEngine) AppendSystem(groupID, text string) {
	e.add(model.Message{
		Content: text,
		Sender:  model.SystemSender,
		Kind:    model.Group,
		GroupID: groupID,
	}, true, false)
}

// add appends m; scoped limits dedup to m's conversation, byName marks a
// private entry keyed by an unresolved sender name. History entries carry
// no append time and never suppress a push.
func (e *MessageEngine) add(m model.Message, scoped, byName bool) bool {
	now := e.now()
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	if m.ID.IsNil() {
		m.ID = model.NewMessageID()
	}
	key := m.Conversation()

	e.mu.Lock()
	for i := len(e.log) - 1; i >= 0; i-- {
		prev := e.log[i]
		if prev.at.IsZero() || now.Sub(prev.at) >= e.window {
			continue
		}
		if scoped && prev.msg.Conversation() != key {
			continue
		}
		if prev.msg.Sender == m.Sender && prev.msg.Content == m.Content {
			e.mu.Unlock()
			e.logger.Debug("duplicate dropped", zap.Stringer("conversation", key))
			return false
		}
	}
	e.log = append(e.log, entry{msg: m, at: now, byName: byName})
	e.mu.Unlock()

	e.bus.emit(Event{Type: EventMessage, Message: m, Key: key})
	return true
}

// ResolvePeers re-keys private entries that arrived before the roster knew
// their sender and moves their unread flags to the user id.
func (e *MessageEngine) ResolvePeers(users []model.UserInfo) {
	ids := make(map[string]string, len(users))
	for _, u := range users {
		if u.Username != "" && u.UserID != "" {
			ids[u.Username] = u.UserID
		}
	}
	moved := make(map[string]string)
	e.mu.Lock()
	for i := range e.log {
		en := &e.log[i]
		if !en.byName {
			continue
		}
		id, ok := ids[en.msg.Peer]
		if !ok {
			continue
		}
		moved[en.msg.Peer] = id
		if en.msg.SenderID == "" && en.msg.Sender == en.msg.Peer {
			en.msg.SenderID = id
		}
		en.msg.Peer = id
		en.byName = false
	}
	e.mu.Unlock()

	for name, id := range moved {
		if e.unread.HasUser(name) {
			e.unread.Clear(model.PrivateKey(name))
			if !e.sel.IsActive(model.PrivateKey(id)) {
				e.unread.MarkUser(id)
			}
		}
		e.bus.emit(Event{Type: EventHistory, Key: model.PrivateKey(id)})
	}
}

// FetchHistory replaces the entries of key with the server's history. Entries
// of other conversations are untouched, whether or not key is still selected.
func (e *MessageEngine) FetchHistory(ctx context.Context, key model.ConversationKey) error {
	var (
		in  []wire.Message
		err error
	)
	switch key.Kind {
	case model.Private:
		in, err = e.api.PrivateHistory(ctx, key.ID)
	case model.Group:
		in, err = e.api.GroupHistory(ctx, key.ID)
	default:
		in, err = e.api.PublicHistory(ctx)
	}
	if err != nil {
		return fmt.Errorf("fetch history %s: %w", key, err)
	}

	msgs := convert.FromWireMessages(in, key)
	for i := range msgs {
		if msgs[i].SenderID == "" {
			msgs[i].SenderID = e.resolve(msgs[i].Sender)
		}
	}
	e.replace(key, msgs)
	e.bus.emit(Event{Type: EventHistory, Key: key})
	return nil
}

func (e *MessageEngine) replace(key model.ConversationKey, msgs []model.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.log[:0:0]
	for _, en := range e.log {
		if en.msg.Conversation() != key {
			kept = append(kept, en)
		}
	}
	for _, m := range msgs {
		kept = append(kept, entry{msg: m})
	}
	e.log = kept
}

// Messages returns a snapshot of the whole log ordered by timestamp.
func (e *MessageEngine) Messages() []model.Message {
	e.mu.RLock()
	out := make([]model.Message, 0, len(e.log))
	for _, en := range e.log {
		out = append(out, en.msg)
	}
	e.mu.RUnlock()
	sortByTime(out)
	return out
}

// Conversation returns the messages of sel ordered by timestamp.
func (e *MessageEngine) Conversation(sel model.Selection) []model.Message {
	return Filter(e.Messages(), sel)
}

// Reset empties the log.
func (e *MessageEngine) Reset() {
	e.mu.Lock()
	e.log = nil
	e.mu.Unlock()
}

// Filter returns the messages of the selected conversation in ascending timestamp order.
// Private messages match in both directions because they are keyed by the peer.
func Filter(msgs []model.Message, sel model.Selection) []model.Message {
	key := sel.Key()
	out := make([]model.Message, 0)
	for _, m := range msgs {
		if m.Conversation() == key {
			out = append(out, m)
		}
	}
	sortByTime(out)
	return out
}

func sortByTime(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
}

func (e *MessageEngine) resolve(name string) string {
	if name == "" {
		return ""
	}
	if self := e.conn.Identity(); self.Username == name && self.UserID != "" {
		return self.UserID
	}
	if e.roster == nil {
		return ""
	}
	if u, ok := e.roster.UserByName(name); ok {
		return u.UserID
	}
	return ""
}

// --- push handlers ---

func (e *MessageEngine) register(ch Channel) {
	ch.On(pushMessage, e.onPublic)
	ch.On(pushPrivateMessage, e.onPrivate)
	ch.On(pushGroupMessage, e.onGroup)
	ch.On(pushUserNotOnline, e.onUserNotConnected)
}

func (e *MessageEngine) onPublic(args []json.RawMessage) {
	var sender, content string
	if err := decodeArgs(args, &sender, &content); err != nil {
		e.logger.Warn("bad push", zap.String("target", pushMessage), zap.Error(err))
		return
	}
	e.Append(model.Message{
		Content:  content,
		Sender:   sender,
		SenderID: e.resolve(sender),
		Kind:     model.Public,
	})
}

func (e *MessageEngine) onPrivate(args []json.RawMessage) {
	var sender, content string
	if err := decodeArgs(args, &sender, &content); err != nil {
		e.logger.Warn("bad push", zap.String("target", pushPrivateMessage), zap.Error(err))
		return
	}
	senderID := e.resolve(sender)
	peer := senderID
	if peer == "" {
		peer = sender
	}
	self := e.conn.Identity()
	m := model.Message{
		Content:    content,
		Sender:     sender,
		SenderID:   senderID,
		Kind:       model.Private,
		ReceiverID: self.UserID,
		Peer:       peer,
	}
	if !e.add(m, false, senderID == "") {
		return
	}
	if sender != self.Username && !e.sel.IsActive(m.Conversation()) {
		e.unread.MarkUser(peer)
	}
}

func (e *MessageEngine) onGroup(args []json.RawMessage) {
	var groupID, groupName, sender, content string
	if err := decodeArgs(args, &groupID, &groupName, &sender, &content); err != nil {
		e.logger.Warn("bad push", zap.String("target", pushGroupMessage), zap.Error(err))
		return
	}
	m := model.Message{
		Content:  content,
		Sender:   sender,
		SenderID: e.resolve(sender),
		Kind:     model.Group,
		GroupID:  groupID,
	}
	if !e.Append(m) {
		return
	}
	if sender != e.conn.Identity().Username && !e.sel.IsActive(m.Conversation()) {
		e.unread.MarkGroup(groupID)
	}
}

func (e *MessageEngine) onUserNotConnected(args []json.RawMessage) {
	var msg string
	if err := decodeArgs(args, &msg); err != nil || msg == "" {
		msg = "User is not connected"
	}
	e.errs.Set(msg)
}
