// Package channel owns the duplex connections to local POS hardware and
// event streams. One WebSocket connection exists per (category, endpoint)
// key; the registry opens them on demand, republishes inbound frames on the
// bus tagged with their source, and reconnects dropped channels with
// exponential backoff.
package channel

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/registerlabs/posbridge/internal/bus"
	"github.com/registerlabs/posbridge/internal/metrics"
	"github.com/registerlabs/posbridge/pkg/logger"
)

// Channel categories partition the endpoint namespace.
const (
	CategoryHardware = "hardware"
	CategoryEvents   = "events"
)

// Well-known hardware endpoints.
const (
	EndpointCashDrawer = "cash-drawer"
	EndpointPrinter    = "receipt-printer"
	EndpointKitchen    = "kitchen-orders"
)

// Key identifies one duplex channel.
type Key struct {
	Category string
	Endpoint string
}

func (k Key) String() string { return k.Category + "/" + k.Endpoint }

// ConnectionState is the externally visible state of one channel. It is
// mutated only by the registry.
type ConnectionState struct {
	Connected         bool   `json:"connected"`
	Err               string `json:"error,omitempty"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
}

// Config configures the registry.
type Config struct {
	// BaseURL is the ws:// or wss:// root the channel paths are appended to.
	BaseURL string

	// Endpoints are opened by Start and kept alive until Stop.
	Endpoints []Key

	// Foreground reports whether the process is allowed to reconnect.
	// Reconnect timers that fire while it returns false stay down until
	// Resume is called. Nil means always foreground.
	Foreground func() bool

	// Backoff overrides the reconnect policy. Nil uses production defaults.
	Backoff *Backoff

	// SendRate bounds outbound sends across all channels. Zero disables
	// limiting.
	SendRate  rate.Limit
	SendBurst int

	HandshakeTimeout time.Duration
}

type conn struct {
	key       Key
	ws        *websocket.Conn
	state     ConnectionState
	attempts  int
	reconnect *time.Timer
	// dialing marks a dial in flight so concurrent Connect calls for the
	// same key cannot open a second socket.
	dialing bool
	// pending marks a reconnect that was skipped while backgrounded.
	pending bool
}

// Registry keeps the endpoint→connection map. It is the only writer of
// connection state.
type Registry struct {
	cfg     Config
	bus     *bus.Bus
	log     *logger.Logger
	backoff *Backoff
	limiter *rate.Limiter
	dialer  *websocket.Dialer

	mu     sync.Mutex
	conns  map[Key]*conn
	closed bool
}

// Errors returned by Send.
var (
	ErrNotConnected = fmt.Errorf("channel not connected")
	ErrRateLimited  = fmt.Errorf("send rate limit exceeded")
	ErrClosed       = fmt.Errorf("registry closed")
)

// NewRegistry constructs a registry publishing to the given bus.
func NewRegistry(cfg Config, b *bus.Bus, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault("channel")
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = NewBackoff()
	}
	handshake := cfg.HandshakeTimeout
	if handshake == 0 {
		handshake = 10 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = int(cfg.SendRate)
		}
		limiter = rate.NewLimiter(cfg.SendRate, burst)
	}
	return &Registry{
		cfg:     cfg,
		bus:     b,
		log:     log,
		backoff: backoff,
		limiter: limiter,
		dialer:  &websocket.Dialer{HandshakeTimeout: handshake},
		conns:   make(map[Key]*conn),
	}
}

// Name implements system.Service.
func (r *Registry) Name() string { return "channel-registry" }

// Start opens every configured endpoint. Individual dial failures are not
// fatal; the normal reconnect path takes over.
func (r *Registry) Start(ctx context.Context) error {
	for _, key := range r.cfg.Endpoints {
		if err := r.Connect(key.Category, key.Endpoint); err != nil {
			r.log.WithError(err).WithField("channel", key.String()).Warn("initial connect failed")
		}
	}
	return nil
}

// Stop implements system.Service.
func (r *Registry) Stop(ctx context.Context) error {
	r.Close()
	return nil
}

// URL returns the deterministic connection URL for a key.
func (r *Registry) URL(key Key) string {
	return fmt.Sprintf("%s/ws/%s/%s/",
		r.cfg.BaseURL,
		url.PathEscape(key.Category),
		url.PathEscape(key.Endpoint),
	)
}

// Connect opens the channel for (category, endpoint). It is a no-op when the
// channel is already open. A stale handle is closed before redialing.
func (r *Registry) Connect(category, endpoint string) error {
	key := Key{Category: category, Endpoint: endpoint}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	c, ok := r.conns[key]
	if !ok {
		c = &conn{key: key}
		r.conns[key] = c
	}
	if c.ws != nil && c.state.Connected {
		r.mu.Unlock()
		return nil
	}
	if c.dialing {
		// Another Connect owns the dial; let it finish.
		r.mu.Unlock()
		return nil
	}
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.pending = false
	c.dialing = true
	r.mu.Unlock()

	ws, _, err := r.dialer.Dial(r.URL(key), nil)

	r.mu.Lock()
	c.dialing = false
	if r.closed {
		r.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return ErrClosed
	}
	if err != nil {
		c.state.Err = err.Error()
		r.scheduleReconnectLocked(c)
		state := c.state
		r.mu.Unlock()
		r.publishState(key, state)
		return fmt.Errorf("dial %s: %w", key, err)
	}
	if c.ws != nil && c.state.Connected {
		// A concurrent Connect finished first; keep its socket.
		r.mu.Unlock()
		ws.Close()
		return nil
	}

	c.ws = ws
	c.state = ConnectionState{Connected: true}
	c.attempts = 0
	state := c.state
	r.mu.Unlock()

	metrics.ChannelConnected(key.String(), true)
	r.log.WithField("channel", key.String()).Info("channel connected")
	r.publishState(key, state)

	go r.readLoop(key, ws)
	return nil
}

// Send stamps the message with a unique id and timestamp and transmits it.
// When the channel is not open it triggers a connect in the background and
// fails synchronously; transmission itself is fire-and-forget.
func (r *Registry) Send(category, endpoint, msgType string, fields map[string]any) error {
	key := Key{Category: category, Endpoint: endpoint}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	c, ok := r.conns[key]
	if !ok || c.ws == nil || !c.state.Connected {
		r.mu.Unlock()
		go r.Connect(category, endpoint)
		return fmt.Errorf("%w: %s", ErrNotConnected, key)
	}
	if r.limiter != nil && !r.limiter.Allow() {
		r.mu.Unlock()
		return ErrRateLimited
	}

	env := bus.Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      msgType,
		Fields:    fields,
	}
	err := c.ws.WriteJSON(env)
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("send on %s: %w", key, err)
	}
	metrics.MessageSent(key.String())
	return nil
}

// State returns a snapshot of every known connection state.
func (r *Registry) State() map[Key]ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Key]ConnectionState, len(r.conns))
	for k, c := range r.conns {
		out[k] = c.state
	}
	return out
}

// Resume immediately retries every down endpoint. The UI layer calls it on
// the foreground transition, since reconnect timers that fired while
// backgrounded were skipped.
func (r *Registry) Resume() {
	r.mu.Lock()
	var retry []Key
	for k, c := range r.conns {
		if !c.state.Connected {
			if c.reconnect != nil {
				c.reconnect.Stop()
				c.reconnect = nil
			}
			c.pending = false
			retry = append(retry, k)
		}
	}
	r.mu.Unlock()

	for _, k := range retry {
		go r.Connect(k.Category, k.Endpoint)
	}
}

// Close tears down every open channel and cancels pending reconnect timers.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, c := range r.conns {
		if c.reconnect != nil {
			c.reconnect.Stop()
			c.reconnect = nil
		}
		if c.ws != nil {
			c.ws.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			c.ws.Close()
			c.ws = nil
		}
		c.state.Connected = false
	}
	r.mu.Unlock()
}

func (r *Registry) readLoop(key Key, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			r.onClose(key, ws, err)
			return
		}

		var env bus.Envelope
		if err := env.UnmarshalJSON(data); err != nil {
			r.onError(key, ws, fmt.Errorf("malformed frame: %w", err))
			continue
		}
		env.Source = &bus.Source{Category: key.Category, Endpoint: key.Endpoint}
		metrics.MessageReceived(key.String())
		r.bus.Publish(env)
	}
}

// onError records an error on the connection state without closing.
func (r *Registry) onError(key Key, ws *websocket.Conn, err error) {
	r.mu.Lock()
	c, ok := r.conns[key]
	if !ok || c.ws != ws {
		r.mu.Unlock()
		return
	}
	c.state.Err = err.Error()
	state := c.state
	r.mu.Unlock()

	r.log.WithError(err).WithField("channel", key.String()).Warn("channel error")
	r.publishState(key, state)
}

func (r *Registry) onClose(key Key, ws *websocket.Conn, err error) {
	r.mu.Lock()
	c, ok := r.conns[key]
	if !ok || c.ws != ws || r.closed {
		// A newer connection replaced this one, or teardown is underway.
		r.mu.Unlock()
		return
	}
	c.ws.Close()
	c.ws = nil
	c.state.Connected = false
	if err != nil {
		c.state.Err = err.Error()
	}
	r.scheduleReconnectLocked(c)
	state := c.state
	r.mu.Unlock()

	metrics.ChannelConnected(key.String(), false)
	r.log.WithError(err).WithField("channel", key.String()).Warn("channel closed")
	r.publishState(key, state)
}

// scheduleReconnectLocked advances the attempt counter and arms the reconnect
// timer. Caller holds r.mu.
func (r *Registry) scheduleReconnectLocked(c *conn) {
	c.attempts = r.backoff.Next(c.attempts)
	c.state.ReconnectAttempts = c.attempts
	delay := r.backoff.Delay(c.attempts)

	key := c.key
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	c.reconnect = time.AfterFunc(delay, func() {
		r.retry(key)
	})
	metrics.Reconnect(key.String())
}

func (r *Registry) retry(key Key) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	c, ok := r.conns[key]
	if !ok || c.state.Connected {
		r.mu.Unlock()
		return
	}
	if r.cfg.Foreground != nil && !r.cfg.Foreground() {
		// Reconnecting while backgrounded is wasted work. Resume picks the
		// endpoint back up on the foreground transition.
		c.pending = true
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := r.Connect(key.Category, key.Endpoint); err != nil {
		r.log.WithError(err).WithField("channel", key.String()).Debug("reconnect attempt failed")
	}
}

func (r *Registry) publishState(key Key, state ConnectionState) {
	r.bus.Publish(bus.Envelope{
		Type:   bus.TypeConnectionState,
		Source: &bus.Source{Category: key.Category, Endpoint: key.Endpoint},
		Fields: map[string]any{
			"connected": state.Connected,
			"error":     state.Err,
			"attempts":  state.ReconnectAttempts,
		},
	})
}
