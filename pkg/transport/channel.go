// Package transport provides the duplex, auto-reconnecting streaming channel
// to the generation backend. The channel knows nothing about generation
// semantics; it moves wire envelopes and reports connection state.
package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	smitherrors "github.com/odvcencio/sitesmith/pkg/errors"
	"github.com/odvcencio/sitesmith/pkg/logging"
	"github.com/odvcencio/sitesmith/pkg/wire"
)

// State is the connection state surfaced to the UI indicator.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

const writeTimeout = 15 * time.Second

// EventHandler receives decoded inbound envelopes in arrival order.
type EventHandler func(wire.Envelope)

// StateHandler receives connection-state transitions.
type StateHandler func(State)

// Channel is an auto-reconnecting duplex stream of wire envelopes.
type Channel struct {
	endpoint string
	dialer   Dialer
	policy   BackoffPolicy
	logger   *logging.Logger

	mu        sync.Mutex
	state     State
	conn      Conn
	pending   *wire.Envelope // latest-wins outbound slot while not open
	eventSubs map[string]EventHandler
	stateSubs map[string]StateHandler
	closed    bool

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a channel for the given endpoint. Connect must be called
// before Send.
func New(endpoint string, dialer Dialer, policy BackoffPolicy, logger *logging.Logger) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		endpoint:  endpoint,
		dialer:    dialer,
		policy:    policy,
		logger:    logger,
		state:     StateConnecting,
		eventSubs: make(map[string]EventHandler),
		stateSubs: make(map[string]StateHandler),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Connect dials the backend and starts the read loop.
func (c *Channel) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, err := c.dialer(ctx, c.endpoint)
	if err != nil {
		c.setState(StateClosed)
		c.doneOnce.Do(func() { close(c.done) })
		return smitherrors.Wrap(err, smitherrors.ErrCodeTransportUnavailable, "failed to connect to backend").
			WithContext("endpoint", c.endpoint).
			WithRetryable(true)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateOpen)

	go c.readLoop()
	return nil
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnEvent registers a handler for inbound envelopes; returns unsubscribe.
func (c *Channel) OnEvent(handler EventHandler) func() {
	id := strings.ToLower(ulid.Make().String())
	c.mu.Lock()
	c.eventSubs[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.eventSubs, id)
		c.mu.Unlock()
	}
}

// OnStateChange registers a connection-state handler; returns unsubscribe.
func (c *Channel) OnStateChange(handler StateHandler) func() {
	id := strings.ToLower(ulid.Make().String())
	c.mu.Lock()
	c.stateSubs[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stateSubs, id)
		c.mu.Unlock()
	}
}

// Send writes an envelope to the backend. While reconnecting, at most one
// outbound envelope is buffered; the latest supersedes earlier ones and is
// flushed once the connection reopens.
func (c *Channel) Send(env wire.Envelope) error {
	c.mu.Lock()
	if c.closed || c.state == StateClosed {
		c.mu.Unlock()
		return smitherrors.New(smitherrors.ErrCodeTransportUnavailable, "channel is closed").
			WithContext("endpoint", c.endpoint)
	}
	if c.state != StateOpen || c.conn == nil {
		c.pending = &env
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, env); err != nil {
		// The read loop will notice the broken connection; keep the
		// envelope so the reconnect flush can retry it.
		c.mu.Lock()
		c.pending = &env
		c.mu.Unlock()
		c.warn("send_failed", err)
		return nil
	}
	return nil
}

// Close shuts the channel down. Further Sends fail with TransportUnavailable.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	c.setState(StateClosed)
	return nil
}

// Done is closed when the read loop exits (close or reconnect exhaustion).
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) write(conn Conn, env wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, data)
}

func (c *Channel) readLoop() {
	defer c.doneOnce.Do(func() { close(c.done) })

	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed || conn == nil {
			return
		}

		data, err := conn.Read(c.ctx)
		if err != nil {
			if c.isClosed() {
				return
			}
			if !c.reconnect() {
				return
			}
			continue
		}

		env, err := wire.Decode(data)
		if err != nil {
			c.warn("frame_decode_failed", err)
			continue
		}
		c.dispatch(env)
	}
}

// reconnect attempts to re-establish the connection with bounded backoff.
// Returns false when attempts are exhausted; the channel is then closed.
func (c *Channel) reconnect() bool {
	c.setState(StateReconnecting)

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		select {
		case <-time.After(c.policy.Delay(attempt)):
		case <-c.ctx.Done():
			return false
		}
		if c.isClosed() {
			return false
		}

		conn, err := c.dialer(c.ctx, c.endpoint)
		if err != nil {
			c.warn("reconnect_failed", err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return false
		}
		c.conn = conn
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		c.setState(StateOpen)
		if c.logger != nil {
			_ = c.logger.Info(logging.CategoryTransport, "reconnected", "", map[string]any{"attempt": attempt})
		}

		if pending != nil {
			if err := c.write(conn, *pending); err != nil {
				c.warn("flush_failed", err)
				c.mu.Lock()
				c.pending = pending
				c.mu.Unlock()
			}
		}
		return true
	}

	// Attempts exhausted; the channel stays down for good.
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.setState(StateClosed)
	if c.logger != nil {
		_ = c.logger.Error(logging.CategoryTransport, "reconnect_exhausted", "giving up after max attempts",
			map[string]any{"attempts": c.policy.MaxAttempts})
	}
	return false
}

func (c *Channel) dispatch(env wire.Envelope) {
	c.mu.Lock()
	handlers := make([]EventHandler, 0, len(c.eventSubs))
	for _, h := range c.eventSubs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

func (c *Channel) setState(state State) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	handlers := make([]StateHandler, 0, len(c.stateSubs))
	for _, h := range c.stateSubs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(state)
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) warn(eventType string, err error) {
	if c.logger != nil {
		_ = c.logger.Warn(logging.CategoryTransport, eventType, err.Error(), nil)
	}
}
