package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrClosed    = errors.New("signal: channel closed")
	ErrQueueFull = errors.New("signal: outbound queue full")
)

const outboundQueueSize = 64

// Handler consumes the payload of one inbound event.
type Handler func(data json.RawMessage)

// Channel is the persistent message channel to the signaling relay. It owns
// the websocket transport, including its reconnection policy; message
// semantics live with the subscribers.
//
// Inbound messages are dispatched on a single goroutine in arrival order.
// Outbound messages go through a buffered queue drained by a single writer,
// since the underlying websocket permits one concurrent writer only.
type Channel struct {
	url    string
	dialer *websocket.Dialer
	log    *zap.Logger

	mu           sync.RWMutex
	conn         *websocket.Conn
	handlers     map[Event][]Handler
	unknown      func(Event, json.RawMessage)
	onDisconnect []func(error)
	onReconnect  []func()

	out  chan Message
	done chan struct{}

	closeOnce sync.Once
	started   bool

	// reconnect backoff knobs, overridable before Dial
	backoffInitial time.Duration
	backoffMax     time.Duration
	maxElapsed     time.Duration
}

func NewChannel(url string, log *zap.Logger) *Channel {
	return &Channel{
		url:            url,
		dialer:         websocket.DefaultDialer,
		log:            log.Named("signal"),
		handlers:       make(map[Event][]Handler),
		out:            make(chan Message, outboundQueueSize),
		done:           make(chan struct{}),
		backoffInitial: 500 * time.Millisecond,
		backoffMax:     10 * time.Second,
		maxElapsed:     2 * time.Minute,
	}
}

// Handle subscribes a handler to a named inbound event. Registration must
// happen before Dial.
func (c *Channel) Handle(event Event, h Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

// HandleUnknown receives every inbound event with no registered handler.
func (c *Channel) HandleUnknown(h func(Event, json.RawMessage)) {
	c.mu.Lock()
	c.unknown = h
	c.mu.Unlock()
}

// OnDisconnect registers a hook fired when the transport drops, before any
// reconnection attempt. Peer state must not survive a transport drop, so the
// core uses this to tear down all links.
func (c *Channel) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mu.Unlock()
}

// OnReconnect registers a hook fired after the transport is re-established.
func (c *Channel) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.mu.Unlock()
}

// Dial connects to the relay and starts the read and write pumps.
func (c *Channel) Dial(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("signal: already dialed")
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("signal: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.started = true
	c.mu.Unlock()

	c.log.Info("connected to signaling relay", zap.String("url", c.url))

	go c.readPump()
	go c.writePump()
	return nil
}

// Send queues one outbound message. It never blocks: a full queue is an
// error, matching the relay contract that signaling must stay responsive.
func (c *Channel) Send(event Event, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signal: marshal %s: %w", event, err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- Message{Event: event, Data: data}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close shuts the channel down. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	return nil
}

func (c *Channel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Channel) currentConn() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Channel) readPump() {
	for {
		conn := c.currentConn()
		if conn == nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.closed() {
				return
			}
			c.log.Warn("signaling transport dropped", zap.Error(err))
			c.fireDisconnect(err)
			if !c.reconnect() {
				c.Close()
				return
			}
			c.fireReconnect()
			continue
		}
		c.dispatch(raw)
	}
}

func (c *Channel) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			conn := c.currentConn()
			if conn == nil {
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				c.log.Warn("dropping outbound signaling message",
					zap.String("event", string(msg.Event)), zap.Error(err))
			}
		}
	}
}

func (c *Channel) dispatch(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn("malformed signaling message", zap.Error(err))
		return
	}

	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers[msg.Event]...)
	unknown := c.unknown
	c.mu.RUnlock()

	if len(handlers) == 0 {
		if unknown != nil {
			unknown(msg.Event, msg.Data)
		} else {
			c.log.Warn("unhandled signaling event", zap.String("event", string(msg.Event)))
		}
		return
	}
	for _, h := range handlers {
		h(msg.Data)
	}
}

// reconnect redials with exponential backoff until it succeeds, the backoff
// gives up, or the channel is closed.
func (c *Channel) reconnect() bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.backoffInitial
	bo.MaxInterval = c.backoffMax
	bo.MaxElapsedTime = c.maxElapsed

	for {
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			c.log.Error("giving up on signaling reconnect")
			return false
		}
		select {
		case <-c.done:
			return false
		case <-time.After(wait):
		}

		conn, _, err := c.dialer.Dial(c.url, nil)
		if err != nil {
			c.log.Warn("signaling reconnect failed", zap.Error(err))
			continue
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.log.Info("signaling relay reconnected")
		return true
	}
}

func (c *Channel) fireDisconnect(err error) {
	c.mu.RLock()
	hooks := append([]func(error){}, c.onDisconnect...)
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn(err)
	}
}

func (c *Channel) fireReconnect() {
	c.mu.RLock()
	hooks := append([]func(){}, c.onReconnect...)
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}
