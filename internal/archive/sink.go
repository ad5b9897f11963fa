// Package archive persists the engine's message stream to the encrypted transcript store.
package archive

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/crypto/archivecrypto"
	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/repository"
	"github.com/and161185/chatsync/internal/service"
)

// Options tunes the write path.
type Options struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

// Sink observes appended messages and writes them in batches. Failures are
// logged and never propagate to the engine.
type Sink struct {
	repo    repository.ArchiveRepository
	sealer  *archivecrypto.Sealer
	queue   chan model.Message
	batch   int
	flush   time.Duration
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewSink constructs a sink; call Run to start writing.
func NewSink(repo repository.ArchiveRepository, sealer *archivecrypto.Sealer, opts Options, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	return &Sink{
		repo:   repo,
		sealer: sealer,
		queue:  make(chan model.Message, opts.QueueSize),
		batch:  opts.BatchSize,
		flush:  opts.FlushInterval,
		logger: logger.Named("archive"),
	}
}

// Observe is a service.Observer; it never blocks the engine.
func (s *Sink) Observe(ev service.Event) {
	if ev.Type != service.EventMessage {
		return
	}
	select {
	case s.queue <- ev.Message:
	default:
		s.dropped.Add(1)
		s.logger.Warn("archive queue full, message dropped", zap.Stringer("conversation", ev.Key))
	}
}

// Dropped returns how many messages were lost to a full queue.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Run writes queued messages until ctx is done, then flushes what is left.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flush)
	defer ticker.Stop()

	pending := make([]repository.ArchivedMessage, 0, s.batch)
	write := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := s.repo.SaveBatch(ctx, pending); err != nil {
			s.logger.Warn("archive write failed", zap.Int("messages", len(pending)), zap.Error(err))
		}
		pending = pending[:0]
	}

	for {
		select {
		case m := <-s.queue:
			am, err := s.seal(m)
			if err != nil {
				s.logger.Warn("archive seal failed", zap.Error(err))
				continue
			}
			pending = append(pending, am)
			if len(pending) >= s.batch {
				write(ctx)
			}
		case <-ticker.C:
			write(ctx)
		case <-ctx.Done():
			for len(s.queue) > 0 {
				if am, err := s.seal(<-s.queue); err == nil {
					pending = append(pending, am)
				}
			}
			drain, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			write(drain)
			cancel()
			return
		}
	}
}

func (s *Sink) seal(m model.Message) (repository.ArchivedMessage, error) {
	key := m.Conversation()
	enc, err := s.sealer.Seal(key, m.ID, []byte(m.Content))
	if err != nil {
		return repository.ArchivedMessage{}, err
	}
	return repository.ArchivedMessage{
		ID:             m.ID,
		Kind:           key.Kind,
		ConversationID: key.ID,
		Sender:         m.Sender,
		SentAt:         m.Timestamp,
		ContentEnc:     enc,
	}, nil
}

// History returns the archived transcript of key, decrypted, oldest first.
func (s *Sink) History(ctx context.Context, key model.ConversationKey, limit int) ([]model.Message, error) {
	rows, err := s.repo.ListConversation(ctx, key, limit)
	if err != nil {
		return nil, fmt.Errorf("archive history: %w", err)
	}
	out := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		plain, err := s.sealer.Open(r.Key(), r.ID, r.ContentEnc)
		if err != nil {
			return nil, fmt.Errorf("archive open %s: %w", r.ID, err)
		}
		m := model.Message{
			ID:        r.ID,
			Content:   string(plain),
			Sender:    r.Sender,
			Timestamp: r.SentAt,
			Kind:      r.Kind,
		}
		switch r.Kind {
		case model.Private:
			m.Peer = r.ConversationID
		case model.Group:
			m.GroupID = r.ConversationID
		}
		out = append(out, m)
	}
	return out, nil
}

// Count returns the number of archived messages.
func (s *Sink) Count(ctx context.Context) (int64, error) { return s.repo.Count(ctx) }
