package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/backoff"
	"github.com/and161185/chatsync/internal/credential"
	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/model"
)

// ConnectionService defines the lifecycle of the single hub connection.
type ConnectionService interface {
	// Connect establishes the connection; idempotent while connected or connecting.
	Connect(ctx context.Context, token string) error
	// Disconnect tears the connection down and wipes dependent state.
	Disconnect()
	// Channel returns the live channel or errs.ErrNotConnected.
	Channel() (Channel, error)
	State() model.ConnectionState
	Identity() credential.Identity
}

// ConnectionHooks lets the engine plug its components into the lifecycle.
type ConnectionHooks struct {
	// Register installs push handlers on a fresh channel before Start.
	Register func(ch Channel)
	// Bootstrap runs after every successful start.
	Bootstrap func(ctx context.Context)
	// Reset wipes dependent state on Disconnect.
	Reset func()
}

// ConnectionConfig holds the connect and reconnect tunables.
type ConnectionConfig struct {
	WaitTimeout  time.Duration
	PollInterval time.Duration
	Schedule     backoff.Schedule
	MaxAttempts  int
}

// ConnectionManager owns the one Channel of the process. Each construction
// is a generation; callbacks of superseded generations are ignored.
type ConnectionManager struct {
	mu        sync.Mutex
	state     model.ConnectionState
	ch        Channel       // live channel, set only while Connected
	attempt   Channel       // channel of the in-flight attempt
	inflight  chan struct{} // closed when the in-flight attempt settles
	gen       uint64
	token     string
	identity  credential.Identity
	timer     *time.Timer
	tracker   *backoff.Tracker
	lost      uint64 // generation whose channel closed before it went live

	cfg       ConnectionConfig
	afterFunc func(time.Duration, func()) *time.Timer
	dial      Dialer
	cred      credential.Accessor
	hooks     ConnectionHooks
	errs      *ErrorState
	bus       *Bus
	logger    *zap.Logger
}

var (
	_ ConnectionService   = (*ConnectionManager)(nil)
	_ credential.Accessor = (*ConnectionManager)(nil)
)

// NewConnectionManager constructs a disconnected manager.
func NewConnectionManager(cfg ConnectionConfig, dial Dialer, cred credential.Accessor, hooks ConnectionHooks, errState *ErrorState, bus *Bus, logger *zap.Logger) *ConnectionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &ConnectionManager{
		cfg:       cfg,
		afterFunc: time.AfterFunc,
		dial:      dial,
		cred:      cred,
		hooks:     hooks,
		errs:      errState,
		bus:       bus,
		tracker:   backoff.NewTracker(cfg.Schedule, cfg.MaxAttempts),
		logger:    logger.Named("connection"),
	}
}

// Connect returns nil immediately when already connected and waits for an
// attempt in flight. token overrides the credential accessor when non-empty.
func (m *ConnectionManager) Connect(ctx context.Context, token string) error {
	for {
		m.mu.Lock()
		if m.ch != nil && m.state == model.Connected {
			m.mu.Unlock()
			return nil
		}
		if wait := m.inflight; wait != nil {
			m.mu.Unlock()
			if err := m.awaitAttempt(ctx, wait); err != nil {
				return err
			}
			continue
		}
		return m.attemptLocked(ctx, token)
	}
}

// awaitAttempt blocks until the attempt behind wait settles, the manager
// becomes connected, or WaitTimeout elapses; on timeout the stale attempt is
// torn down so the caller can start afresh.
func (m *ConnectionManager) awaitAttempt(ctx context.Context, wait chan struct{}) error {
	deadline := time.NewTimer(m.cfg.WaitTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-wait:
			return nil
		case <-poll.C:
			if m.State() == model.Connected {
				return nil
			}
		case <-deadline.C:
			m.logger.Warn("connect attempt stalled, tearing down", zap.Duration("waited", m.cfg.WaitTimeout))
			m.abandon(wait)
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", errs.ErrConnectTimeout, ctx.Err())
		}
	}
}

// abandon force-closes the attempt identified by wait if it is still current.
func (m *ConnectionManager) abandon(wait chan struct{}) {
	m.mu.Lock()
	if m.inflight != wait {
		m.mu.Unlock()
		return
	}
	m.gen++
	stale := m.attempt
	m.attempt = nil
	m.inflight = nil
	close(wait)
	m.mu.Unlock()
	if stale != nil {
		_ = stale.Close()
	}
}

// attemptLocked runs one connection attempt; m.mu must be held and is released.
func (m *ConnectionManager) attemptLocked(ctx context.Context, token string) error {
	if token == "" {
		token = m.token
	}
	if token == "" && m.cred != nil {
		m.mu.Unlock()
		tok, err := m.cred.Token(ctx)
		m.mu.Lock()
		if err == nil {
			token = tok
		} else if !errors.Is(err, errs.ErrNoCredential) {
			m.logger.Warn("credential accessor failed", zap.Error(err))
		}
		// another caller may have started meanwhile
		if m.inflight != nil || (m.ch != nil && m.state == model.Connected) {
			m.mu.Unlock()
			return m.Connect(ctx, token)
		}
	}
	if token == "" {
		m.mu.Unlock()
		m.logger.Warn("connect without credential")
		return errs.ErrNoCredential
	}

	m.gen++
	gen := m.gen
	done := make(chan struct{})
	m.inflight = done
	m.token = token
	changed := m.state == model.Disconnected
	if changed {
		m.state = model.Connecting
	}
	m.mu.Unlock()
	if changed {
		m.emitState()
	}

	ch := m.dial(token)
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = ch.Close()
		return fmt.Errorf("%w: attempt superseded", errs.ErrConnectTimeout)
	}
	m.attempt = ch
	m.mu.Unlock()

	if m.hooks.Register != nil {
		m.hooks.Register(ch)
	}
	ch.OnClose(func(err error) { m.onClose(gen, err) })

	err := ch.Start(ctx)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = ch.Close()
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: attempt superseded", errs.ErrConnectTimeout)
	}
	m.attempt = nil
	m.settle(done)
	if err == nil && m.lost == gen {
		err = errs.ErrClosed
	}

	if err != nil {
		m.failLocked(err)
		return fmt.Errorf("connect: %w", err)
	}

	id := credential.ParseIdentity(token)
	m.ch = ch
	m.state = model.Connected
	m.identity = id
	m.tracker.Success()
	m.stopTimerLocked()
	m.mu.Unlock()

	m.logger.Info("connected", zap.String("user", id.Username))
	m.emitState()
	if m.hooks.Bootstrap != nil {
		m.hooks.Bootstrap(ctx)
	}
	return nil
}

// settle closes done if it is still the in-flight marker; m.mu must be held.
func (m *ConnectionManager) settle(done chan struct{}) {
	if m.inflight == done {
		m.inflight = nil
		close(done)
	}
}

// failLocked records a failed or lost generation and arms the reconnect
// timer; m.mu must be held and is released.
func (m *ConnectionManager) failLocked(cause error) (exhausted bool) {
	m.ch = nil
	delay, exhausted := m.tracker.Failure()
	if exhausted {
		m.state = model.Disconnected
		m.stopTimerLocked()
		m.mu.Unlock()
		m.logger.Warn("reconnect attempts exhausted", zap.Error(cause))
		m.errs.Set("Connection lost, reconnect attempts exhausted")
		m.emitState()
		return true
	}
	m.state = model.Reconnecting
	armed := m.armLocked(delay)
	m.mu.Unlock()

	m.logger.Info("connection failed, reconnect scheduled",
		zap.Error(cause),
		zap.Duration("delay", delay),
		zap.Bool("armed", armed),
	)
	m.emitState()
	return false
}

// armLocked starts the single reconnect timer; a no-op when already armed.
func (m *ConnectionManager) armLocked(delay time.Duration) bool {
	if m.timer != nil {
		return false
	}
	m.timer = m.afterFunc(delay, m.reconnect)
	return true
}

func (m *ConnectionManager) reconnect() {
	m.mu.Lock()
	m.timer = nil
	if m.state != model.Reconnecting {
		m.mu.Unlock()
		return
	}
	tok := m.token
	m.mu.Unlock()

	if err := m.Connect(context.Background(), tok); err != nil {
		m.logger.Debug("reconnect attempt failed", zap.Error(err))
	}
}

func (m *ConnectionManager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// onClose handles the termination of generation gen.
func (m *ConnectionManager) onClose(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.ch == nil {
		// still starting; the attempt observes it after Start returns
		m.lost = gen
		m.mu.Unlock()
		return
	}
	if err == nil {
		err = errs.ErrClosed
	}
	if !m.failLocked(err) {
		m.errs.Set("Connection lost, reconnecting")
	}
}

// Disconnect closes the connection, cancels reconnects and wipes dependent state.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.gen++
	ch, attempt := m.ch, m.attempt
	m.ch, m.attempt = nil, nil
	if m.inflight != nil {
		close(m.inflight)
		m.inflight = nil
	}
	m.stopTimerLocked()
	m.tracker.Success()
	m.state = model.Disconnected
	m.token = ""
	m.identity = credential.Identity{}
	m.mu.Unlock()

	for _, c := range []Channel{ch, attempt} {
		if c != nil {
			_ = c.Close()
		}
	}
	if m.hooks.Reset != nil {
		m.hooks.Reset()
	}
	m.logger.Info("disconnected")
	m.emitState()
}

// Channel returns the live channel when connected.
func (m *ConnectionManager) Channel() (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch == nil || m.state != model.Connected {
		return nil, errs.ErrNotConnected
	}
	return m.ch, nil
}

// State returns the current lifecycle state.
func (m *ConnectionManager) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the identity extracted from the credential of the live session.
func (m *ConnectionManager) Identity() credential.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Token serves the session credential to the REST client, falling back to the accessor.
func (m *ConnectionManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	tok := m.token
	m.mu.Unlock()
	if tok != "" {
		return tok, nil
	}
	if m.cred != nil {
		return m.cred.Token(ctx)
	}
	return "", errs.ErrNoCredential
}

// Failures returns the number of consecutive failed generations.
func (m *ConnectionManager) Failures() int { return m.tracker.Failures() }

// ReconnectArmed reports whether the reconnect timer is pending.
func (m *ConnectionManager) ReconnectArmed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

func (m *ConnectionManager) emitState() {
	m.bus.emit(Event{Type: EventState, State: m.State()})
}

// IsFatal reports whether a Connect error will not be retried.
func IsFatal(err error) bool { return errors.Is(err, errs.ErrNoCredential) }
