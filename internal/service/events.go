package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/model"
)

// EventType identifies what changed in the engine.
type EventType int

const (
	// EventMessage: a message was appended to the log (push, send or system).
	EventMessage EventType = iota
	// EventHistory: a conversation was replaced by a history fetch.
	EventHistory
	// EventNotification: a notification arrived by push.
	EventNotification
	// EventNotifications: the notification list was reconciled or changed in bulk.
	EventNotifications
	// EventState: the connection state changed.
	EventState
	// EventError: the transient error message changed; empty Text means cleared.
	EventError
	// EventGroups: the group directory changed.
	EventGroups
	// EventUsers: the user roster was replaced.
	EventUsers
)

func (t EventType) String() string {
	switch t {
	case EventMessage:
		return "message"
	case EventHistory:
		return "history"
	case EventNotification:
		return "notification"
	case EventNotifications:
		return "notifications"
	case EventState:
		return "state"
	case EventError:
		return "error"
	case EventGroups:
		return "groups"
	case EventUsers:
		return "users"
	default:
		return "unknown"
	}
}

// Event is a change notification delivered to observers.
type Event struct {
	Type         EventType
	At           time.Time
	Message      model.Message
	Notification model.Notification
	Key          model.ConversationKey
	State        model.ConnectionState
	Text         string
}

// Observer receives events synchronously on the goroutine that caused them; it must not block.
type Observer func(Event)

// Bus fans events out to observers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]Observer
	next   int
	logger *zap.Logger
	now    func() time.Time
}

// NewBus constructs an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{subs: make(map[int]Observer), logger: logger.Named("bus"), now: time.Now}
}

// Subscribe registers fn and returns a function removing it.
func (b *Bus) Subscribe(fn Observer) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) emit(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	b.mu.RLock()
	subs := make([]Observer, 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		b.deliver(fn, ev)
	}
}

func (b *Bus) deliver(fn Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("observer panic", zap.Stringer("event", ev.Type), zap.Any("reason", r))
		}
	}()
	fn(ev)
}
