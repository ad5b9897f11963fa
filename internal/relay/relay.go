package relay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/service"
)

type outgoing struct {
	key string
	env Envelope
}

// Relay queues engine events and publishes them from its own goroutine.
type Relay struct {
	pub     Publisher
	queue   chan outgoing
	timeout time.Duration
	dropped atomic.Int64
	now     func() time.Time
	logger  *zap.Logger
}

// New constructs a relay with a queue of size entries.
func New(pub Publisher, size int, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = 256
	}
	return &Relay{
		pub:     pub,
		queue:   make(chan outgoing, size),
		timeout: 5 * time.Second,
		now:     time.Now,
		logger:  logger.Named("relay"),
	}
}

// Observe is a service.Observer. It enqueues relayed events and drops them
// with a warning when the queue is full.
func (r *Relay) Observe(ev service.Event) {
	key, data, ok := route(ev)
	if !ok {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = r.now()
	}
	env := Envelope{
		Meta: Meta{ID: uuid.Must(uuid.NewV4()).String(), Type: key, Time: at.UTC()},
		Data: data,
	}
	select {
	case r.queue <- outgoing{key: key, env: env}:
	default:
		r.dropped.Add(1)
		r.logger.Warn("relay queue full, event dropped", zap.String("key", key))
	}
}

// Dropped returns how many events were lost to a full queue.
func (r *Relay) Dropped() int64 { return r.dropped.Load() }

// Run publishes queued events until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-r.queue:
			pctx, cancel := context.WithTimeout(ctx, r.timeout)
			if err := r.pub.Publish(pctx, out.key, out.env); err != nil {
				r.logger.Warn("relay publish failed", zap.String("key", out.key), zap.Error(err))
			}
			cancel()
		}
	}
}
