// Package transport owns the single push connection to the telemetry backend.
// A Connector is created once at startup and shared by everything that needs
// to receive events or send commands.
package transport

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/h2-dashboard/backend/internal/logging"
	"github.com/h2-dashboard/backend/internal/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const writeWait = 10 * time.Second

// Config controls dialing and reconnection.
type Config struct {
	URL               string
	Header            http.Header
	ConnectTimeout    time.Duration
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	ReconnectAttempts int
	Jitter            float64 // randomization factor applied to each delay
}

// DefaultConfig returns the backend defaults: 20s connect timeout, five
// attempts backing off from 1s to 5s.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ConnectTimeout:    20 * time.Second,
		ReconnectDelay:    time.Second,
		ReconnectDelayMax: 5 * time.Second,
		ReconnectAttempts: 5,
		Jitter:            0.5,
	}
}

// Handler receives one decoded inbound event.
type Handler func(protocol.Event)

// Connector is a reconnecting websocket client. Inbound events are delivered
// on a single goroutine in arrival order.
type Connector struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *logrus.Entry
	now    func() time.Time

	group     singleflight.Group
	connected atomic.Bool
	writeMu   sync.Mutex

	mu           sync.Mutex
	base         context.Context
	conn         *websocket.Conn
	handlers     map[string]Handler
	onConnect    []func()
	onDisconnect []func(error)
	closed       bool
	loopID       uint64
	reconnecting bool
	stop         chan struct{}
}

// New creates a Connector. It does not dial until Connect or Start.
func New(cfg Config, log *logrus.Entry) *Connector {
	def := DefaultConfig(cfg.URL)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.ReconnectDelayMax < cfg.ReconnectDelay {
		cfg.ReconnectDelayMax = cfg.ReconnectDelay
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	if log == nil {
		log = logging.Component(nil, "transport")
	}

	return &Connector{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:           http.ProxyFromEnvironment,
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		log:      log,
		now:      time.Now,
		base:     context.Background(),
		handlers: make(map[string]Handler),
		stop:     make(chan struct{}),
	}
}

// On registers the handler for an inbound event name, replacing any
// previous one.
func (c *Connector) On(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = h
	c.mu.Unlock()
}

// Off removes the handler for an inbound event name.
func (c *Connector) Off(event string) {
	c.mu.Lock()
	delete(c.handlers, event)
	c.mu.Unlock()
}

// OnConnect registers fn to run after every successful (re)connect.
func (c *Connector) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

// OnDisconnect registers fn to run whenever an open connection drops.
func (c *Connector) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mu.Unlock()
}

// IsConnected reports whether a connection is currently open.
func (c *Connector) IsConnected() bool {
	return c.connected.Load()
}

// Connect returns once a connection is open. It returns immediately when
// already connected, and concurrent callers share one in-flight attempt.
func (c *Connector) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}
	_, err, _ := c.group.Do("connect", func() (interface{}, error) {
		if c.IsConnected() {
			return nil, nil
		}
		return nil, c.dial(ctx)
	})
	return err
}

// Start connects and, if that fails, arms the reconnection loop. ctx bounds
// every later reconnect attempt.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()

	err := c.Connect(ctx)
	if err != nil && !errors.Is(err, ErrClosed) {
		c.log.WithError(err).Warn("initial connect failed, retrying in background")
		c.scheduleReconnect(false)
	}
	return err
}

// Retry re-arms the reconnection loop after it gave up. The first attempt
// happens immediately.
func (c *Connector) Retry() {
	if c.IsConnected() {
		return
	}
	c.scheduleReconnect(true)
}

// Emit sends a command on the open connection. It never queues.
func (c *Connector) Emit(cmd protocol.Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.Encode(cmd, c.now())
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &ConnectionError{URL: c.cfg.URL, Err: err}
	}
	return nil
}

// Close stops reconnection and closes the connection.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Connector) dial(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var ne net.Error
		if errors.Is(dctx.Err(), context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return ErrConnectionTimeout
		}
		ce := &ConnectionError{URL: c.cfg.URL, Err: err}
		if resp != nil {
			ce.Status = resp.StatusCode
		}
		return ce
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.reconnecting = false
	c.connected.Store(true)
	hooks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	c.log.WithField("url", c.cfg.URL).Info("connected")
	go c.readLoop(conn)

	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (c *Connector) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(conn, err)
			return
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			c.log.WithError(err).Warn("dropping frame")
			continue
		}

		c.mu.Lock()
		h := c.handlers[ev.EventName()]
		c.mu.Unlock()
		if h != nil {
			h(ev)
		}
	}
}

func (c *Connector) dropped(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected.Store(false)
	closed := c.closed
	hooks := append([]func(error){}, c.onDisconnect...)
	c.mu.Unlock()

	conn.Close()
	for _, fn := range hooks {
		fn(cause)
	}
	if closed {
		return
	}

	c.log.WithError(cause).Warn("disconnected")
	serverInitiated := websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	c.scheduleReconnect(serverInitiated)
}

func (c *Connector) scheduleReconnect(immediate bool) {
	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.loopID++
	id := c.loopID
	ctx := c.base
	c.mu.Unlock()

	go c.reconnectLoop(ctx, id, immediate)
}

func (c *Connector) reconnectLoop(ctx context.Context, id uint64, immediate bool) {
	delay := c.cfg.ReconnectDelay
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		if !immediate || attempt > 1 {
			t := time.NewTimer(c.jittered(delay))
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				c.endLoop(id)
				return
			case <-c.stop:
				t.Stop()
				return
			}
			delay *= 2
			if delay > c.cfg.ReconnectDelayMax {
				delay = c.cfg.ReconnectDelayMax
			}
		}

		err := c.Connect(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			c.endLoop(id)
			return
		}
		c.log.WithError(err).WithField("attempt", attempt).Warn("reconnect failed")
	}

	c.log.WithField("attempts", c.cfg.ReconnectAttempts).Error("giving up on reconnect")
	c.endLoop(id)
}

func (c *Connector) endLoop(id uint64) {
	c.mu.Lock()
	if c.loopID == id {
		c.reconnecting = false
	}
	c.mu.Unlock()
}

// jittered randomizes d and keeps the result within
// [ReconnectDelay, ReconnectDelayMax].
func (c *Connector) jittered(d time.Duration) time.Duration {
	if c.cfg.Jitter != 0 {
		deviation := c.cfg.Jitter * float64(d) * (rand.Float64()*2 - 1)
		d += time.Duration(deviation)
	}
	if d < c.cfg.ReconnectDelay {
		d = c.cfg.ReconnectDelay
	}
	if d > c.cfg.ReconnectDelayMax {
		d = c.cfg.ReconnectDelayMax
	}
	return d
}
