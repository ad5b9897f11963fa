package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/backoff"
	"github.com/and161185/chatsync/internal/config"
	"github.com/and161185/chatsync/internal/credential"
	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/rest"
	"github.com/and161185/chatsync/internal/transport/hub"
)

// Options configures NewEngine. API and Dialer default to the REST client and
// the hub transport built from Config.
type Options struct {
	Config     *config.Config
	Credential credential.Accessor
	API        API
	Dialer     Dialer
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Engine wires the sync components around one ConnectionManager.
type Engine struct {
	Conn          *ConnectionManager
	Messages      *MessageEngine
	Directory     *Directory
	Notifications *Notifications
	Unread        *UnreadTracker
	Selection     *SelectionState
	Errors        *ErrorState

	bus    *Bus
	logger *zap.Logger
}

// HubDialer returns a Dialer building hub connections to url.
func HubDialer(url string, handshakeTimeout time.Duration, httpClient *http.Client, logger *zap.Logger) Dialer {
	return func(token string) Channel {
		return hub.New(hub.Options{
			URL:              url,
			Token:            token,
			HandshakeTimeout: handshakeTimeout,
			HTTPClient:       httpClient,
			Logger:           logger,
		})
	}
}

// NewEngine builds every component and wires them together.
func NewEngine(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dial := opts.Dialer
	if dial == nil {
		u, err := cfg.HubURL()
		if err != nil {
			return nil, fmt.Errorf("hub url: %w", err)
		}
		dial = HubDialer(u, cfg.Connect.HandshakeTimeout, opts.HTTPClient, logger)
	}

	e := &Engine{bus: NewBus(logger), logger: logger.Named("engine")}
	e.Errors = NewErrorState(cfg.Errors.ClearDelay, e.bus)
	e.Unread = NewUnreadTracker()
	e.Selection = NewSelectionState(e.Unread)

	e.Conn = NewConnectionManager(ConnectionConfig{
		WaitTimeout:  cfg.Connect.WaitTimeout,
		PollInterval: cfg.Connect.PollInterval,
		Schedule:     backoff.Schedule(cfg.Reconnect.Schedule),
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
	}, dial, opts.Credential, ConnectionHooks{
		Register:  e.register,
		Bootstrap: e.bootstrap,
		Reset:     e.reset,
	}, e.Errors, e.bus, logger)

	api := opts.API
	if api == nil {
		c, err := rest.New(cfg.BaseURL, e.Conn, opts.HTTPClient, cfg.HTTP.Timeout, logger)
		if err != nil {
			return nil, err
		}
		api = c
	}

	e.Messages = NewMessageEngine(api, e.Conn, e.Selection, e.Unread, e.Errors, e.bus, cfg.Dedup.Window, logger)
	e.Directory = NewDirectory(api, e.Conn, e.Messages, e.Selection, e.Unread, e.Errors, e.bus, logger)
	e.Messages.SetRoster(e.Directory)
	e.Notifications = NewNotifications(api, e.Selection, e.Unread, e.bus, cfg.Notifications.Retries, cfg.Notifications.RetryBase, logger)
	return e, nil
}

func (e *Engine) register(ch Channel) {
	e.Messages.register(ch)
	e.Directory.register(ch)
	e.Notifications.register(ch)
}

// bootstrap loads groups, notifications and the active conversation's history.
func (e *Engine) bootstrap(ctx context.Context) {
	if err := e.Directory.FetchGroups(ctx); err != nil {
		e.logger.Warn("bootstrap groups", zap.Error(err))
	}
	if err := e.Notifications.Fetch(ctx); err != nil {
		e.logger.Warn("bootstrap notifications", zap.Error(err))
	}
	key := e.Selection.Current().Key()
	if err := e.Messages.FetchHistory(ctx, key); err != nil {
		e.logger.Warn("bootstrap history", zap.Stringer("conversation", key), zap.Error(err))
	}
}

func (e *Engine) reset() {
	e.Messages.Reset()
	e.Directory.Reset()
	e.Notifications.Reset()
	e.Unread.Reset()
	e.Selection.Reset()
	e.Errors.Clear()
}

// Connect opens the hub connection; see ConnectionManager.Connect.
func (e *Engine) Connect(ctx context.Context, token string) error {
	return e.Conn.Connect(ctx, token)
}

// Disconnect closes the connection and wipes all state.
func (e *Engine) Disconnect() { e.Conn.Disconnect() }

// State returns the connection state.
func (e *Engine) State() model.ConnectionState { return e.Conn.State() }

// Username returns the display name of the connected identity.
func (e *Engine) Username() string { return e.Conn.Identity().Username }

// Subscribe registers an observer of engine events.
func (e *Engine) Subscribe(fn Observer) (unsubscribe func()) { return e.bus.Subscribe(fn) }

// Select activates a conversation, clears its unread flag and, when
// connected, refreshes its history.
func (e *Engine) Select(ctx context.Context, sel model.Selection) error {
	sel = e.Selection.Set(sel)
	if e.State() != model.Connected {
		return nil
	}
	return e.Messages.FetchHistory(ctx, sel.Key())
}

// Send sends content to the active conversation.
func (e *Engine) Send(ctx context.Context, content string) error {
	return e.Messages.Send(ctx, e.Selection.Current().Key(), content)
}

// Conversation returns the messages of the active conversation.
func (e *Engine) Conversation() []model.Message {
	return e.Messages.Conversation(e.Selection.Current())
}
