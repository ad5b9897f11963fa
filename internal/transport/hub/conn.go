// Package hub implements the duplex hub channel: server push events and client invocations
// over a single WebSocket connection.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/errs"
)

// Handler receives the raw arguments of a server push event.
type Handler func(args []json.RawMessage)

// Options configures a hub connection.
type Options struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	KeepAlive        time.Duration // client ping interval
	ServerTimeout    time.Duration // max silence before the connection is considered dead
	HTTPClient       *http.Client
	Logger           *zap.Logger
}

type completion struct {
	result json.RawMessage
	err    error
}

// Conn is a single hub connection. Handlers must be registered before Start.
type Conn struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]chan completion
	onClose  func(error)
	ws       *websocket.Conn
	err      error

	nextID  atomic.Int64
	started atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New constructs an unstarted connection.
func New(opts Options) *Conn {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.ServerTimeout <= 0 {
		opts.ServerTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		opts:     opts,
		logger:   opts.Logger.Named("hub"),
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan completion),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// On registers a push handler for target. Later registrations replace earlier ones.
func (c *Conn) On(target string, h Handler) {
	c.mu.Lock()
	c.handlers[target] = h
	c.mu.Unlock()
}

// OnClose registers the callback invoked once when the connection ends.
// err is nil for an explicit Close and non-nil for any unexpected termination.
func (c *Conn) OnClose(fn func(err error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Start dials the endpoint, performs the protocol handshake and starts the read loop.
func (c *Conn) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("hub: already started")
	}

	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	// Close during Start aborts the dial and the handshake
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	u, err := c.endpoint()
	if err != nil {
		c.abort(err)
		return err
	}
	hdr := http.Header{}
	if c.opts.Token != "" {
		hdr.Set("Authorization", "Bearer "+c.opts.Token)
	}
	ws, _, err := websocket.Dial(hctx, u, &websocket.DialOptions{HTTPHeader: hdr, HTTPClient: c.opts.HTTPClient})
	if err != nil {
		err = fmt.Errorf("hub dial: %w", err)
		c.abort(err)
		return err
	}
	ws.SetReadLimit(1 << 20)

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = ws.CloseNow()
		return errs.ErrClosed
	}
	c.ws = ws
	c.mu.Unlock()

	if err := c.handshake(hctx, ws); err != nil {
		c.abort(err)
		return err
	}

	go c.readLoop()
	go c.pingLoop()
	c.logger.Info("hub connected", zap.String("url", c.opts.URL))
	return nil
}

func (c *Conn) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("hub url: %w", err)
	}
	if c.opts.Token != "" {
		q := u.Query()
		q.Set("access_token", c.opts.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Conn) handshake(ctx context.Context, ws *websocket.Conn) error {
	req, err := encodeHandshake()
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, websocket.MessageText, req); err != nil {
		return fmt.Errorf("hub handshake write: %w", err)
	}
	_, data, err := ws.Read(ctx)
	if err != nil {
		return fmt.Errorf("hub handshake read: %w", err)
	}
	recs := SplitRecords(data)
	if len(recs) == 0 {
		return fmt.Errorf("%w: empty response", errs.ErrHandshake)
	}
	if e := gjson.GetBytes(recs[0], "error"); e.Exists() && e.String() != "" {
		return fmt.Errorf("%w: %s", errs.ErrHandshake, e.String())
	}
	// the server may piggyback messages after the handshake response
	for _, rec := range recs[1:] {
		c.dispatch(rec)
	}
	return nil
}

// readLoop pumps records from the socket to handlers in delivery order.
func (c *Conn) readLoop() {
	var readErr error
	defer func() { c.shutdown(readErr) }()

	for {
		rctx, cancel := context.WithTimeout(c.ctx, c.opts.ServerTimeout)
		_, data, err := c.ws.Read(rctx)
		cancel()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			readErr = fmt.Errorf("hub read: %w", err)
			return
		}
		for _, rec := range SplitRecords(data) {
			if stop := c.dispatch(rec); stop != nil {
				readErr = stop
				return
			}
		}
	}
}

func (c *Conn) pingLoop() {
	t := time.NewTicker(c.opts.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			if err := c.write(c.ctx, encodePing()); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
			}
		}
	}
}

// dispatch handles one record; a non-nil result terminates the connection.
func (c *Conn) dispatch(rec []byte) error {
	var m Message
	if err := json.Unmarshal(rec, &m); err != nil {
		c.logger.Warn("bad hub record", zap.Int("size", len(rec)), zap.Error(err))
		return nil
	}
	switch m.Type {
	case TypeInvocation:
		c.mu.Lock()
		h := c.handlers[m.Target]
		c.mu.Unlock()
		if h == nil {
			c.logger.Debug("no handler", zap.String("target", m.Target))
			return nil
		}
		c.invokeHandler(m.Target, h, m.Arguments)
	case TypeCompletion:
		c.mu.Lock()
		ch, ok := c.pending[m.InvocationID]
		delete(c.pending, m.InvocationID)
		c.mu.Unlock()
		if !ok {
			return nil
		}
		var err error
		if m.Error != "" {
			err = &InvocationError{Message: m.Error}
		}
		ch <- completion{result: m.Result, err: err}
	case TypePing:
	case TypeClose:
		if m.Error != "" {
			return fmt.Errorf("%w: server closed: %s", errs.ErrClosed, m.Error)
		}
		return fmt.Errorf("%w: server closed", errs.ErrClosed)
	default:
		c.logger.Debug("ignored hub record", zap.Int("type", m.Type))
	}
	return nil
}

func (c *Conn) invokeHandler(target string, h Handler, args []json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic",
				zap.String("target", target),
				zap.Any("reason", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	h(args)
}

// InvocationError is an error reported by the server for a specific invocation.
type InvocationError struct{ Message string }

func (e *InvocationError) Error() string { return "hub invocation: " + e.Message }

// Invoke calls a server method and waits for its completion.
func (c *Conn) Invoke(ctx context.Context, target string, args ...any) error {
	_, err := c.InvokeResult(ctx, target, args...)
	return err
}

// InvokeResult calls a server method and returns the raw completion result.
func (c *Conn) InvokeResult(ctx context.Context, target string, args ...any) (json.RawMessage, error) {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	ch := make(chan completion, 1)

	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, errs.ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	b, err := EncodeInvocation(id, target, args...)
	if err != nil {
		c.forget(id)
		return nil, err
	}
	if err := c.write(ctx, b); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Send performs a fire-and-forget invocation.
func (c *Conn) Send(ctx context.Context, target string, args ...any) error {
	b, err := EncodeInvocation("", target, args...)
	if err != nil {
		return err
	}
	return c.write(ctx, b)
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Conn) write(ctx context.Context, b []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil || c.ctx.Err() != nil {
		return errs.ErrClosed
	}
	if err := ws.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("hub write: %w", err)
	}
	return nil
}

// Close terminates the connection; OnClose observes a nil error.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

// abort tears down a connection whose Start failed; OnClose is not invoked
// because Start already reported the error.
func (c *Conn) abort(err error) {
	c.mu.Lock()
	c.onClose = nil
	c.mu.Unlock()
	c.shutdown(err)
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		c.err = err
		pending := c.pending
		c.pending = nil
		ws := c.ws
		onClose := c.onClose
		c.mu.Unlock()

		for _, ch := range pending {
			ch <- completion{err: errs.ErrClosed}
		}
		if ws != nil {
			if err == nil {
				_ = ws.Close(websocket.StatusNormalClosure, "")
			} else {
				_ = ws.CloseNow()
			}
		}
		if err != nil {
			c.logger.Info("hub connection lost", zap.Error(err))
		} else {
			c.logger.Info("hub connection closed")
		}
		close(c.done)
		if onClose != nil {
			onClose(err)
		}
	})
}

// Done is closed when the connection is fully terminated.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the termination cause, nil while open or after an explicit Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
