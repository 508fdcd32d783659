// Package wsclient forwards subscriptions over the graphql-transport-ws
// protocol. Operations are multiplexed on one connection, dialed when the
// first operation starts.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hanpama/gqlflow/internal/exchange"
	"github.com/hanpama/gqlflow/internal/operation"
)

// Subprotocol is the websocket subprotocol spoken by Client.
const Subprotocol = "graphql-transport-ws"

const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// ErrClosed is reported to operations started after Close, or still running
// when it is called.
var ErrClosed = errors.New("wsclient: closed")

type message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Options struct {
	URL    string
	Header http.Header
	// ConnectionParams is sent as the connection_init payload.
	ConnectionParams map[string]any
	Dialer           *websocket.Dialer
	// AckTimeout bounds dialing and the connection_ack wait. Default 10s.
	AckTimeout   time.Duration
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// Client implements exchange.SubscriptionForwarder.
type Client struct {
	opts Options

	mu     sync.Mutex
	cur    *conn
	subs   map[string]exchange.SubscriptionSink
	nextID uint64
	closed bool
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	ready   chan struct{}
	err     error
}

func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{opts: opts, subs: make(map[string]exchange.SubscriptionSink)}
}

var _ exchange.SubscriptionForwarder = (*Client)(nil)

// Subscribe starts op on the shared connection. Payloads are delivered to
// sink from the read goroutine.
func (c *Client) Subscribe(ctx context.Context, body exchange.Body, op *operation.Operation, sink exchange.SubscriptionSink) func() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sink.Error(ErrClosed)
		return func() {}
	}
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	c.subs[id] = sink
	c.mu.Unlock()

	log := c.opts.Logger.With(zap.String("id", id), zap.Stringer("kind", op.Kind))
	go func() {
		cur, err := c.connect(ctx)
		if err == nil {
			if !c.registered(id) {
				return
			}
			err = c.write(cur, id, msgSubscribe, body)
		}
		if err != nil {
			log.Debug("subscribe failed", zap.Error(err))
			if c.remove(id) != nil {
				sink.Error(err)
			}
		}
	}()

	return func() {
		if c.remove(id) == nil {
			return
		}
		c.mu.Lock()
		cur := c.cur
		c.mu.Unlock()
		if cur == nil {
			return
		}
		select {
		case <-cur.ready:
			if cur.err == nil {
				if err := c.write(cur, id, msgComplete, nil); err != nil {
					log.Debug("complete failed", zap.Error(err))
				}
			}
		default:
		}
	}
}

// Close closes the connection. Running operations end with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cur := c.cur
	c.cur = nil
	subs := c.subs
	c.subs = make(map[string]exchange.SubscriptionSink)
	c.mu.Unlock()

	for _, sink := range subs {
		sink.Error(ErrClosed)
	}
	if cur == nil {
		return nil
	}
	<-cur.ready
	if cur.ws == nil {
		return nil
	}
	cur.writeMu.Lock()
	_ = cur.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteTimeout))
	cur.writeMu.Unlock()
	return cur.ws.Close()
}

func (c *Client) registered(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[id]
	return ok
}

func (c *Client) remove(id string) exchange.SubscriptionSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	sink, ok := c.subs[id]
	if !ok {
		return nil
	}
	delete(c.subs, id)
	return sink
}

// connect returns the live connection, dialing it if there is none.
func (c *Client) connect(ctx context.Context) (*conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if cur := c.cur; cur != nil {
		c.mu.Unlock()
		select {
		case <-cur.ready:
			return cur, cur.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	cur := &conn{ready: make(chan struct{})}
	c.cur = cur
	c.mu.Unlock()

	ws, err := c.dial(ctx)
	if err != nil {
		cur.err = err
		c.mu.Lock()
		if c.cur == cur {
			c.cur = nil
		}
		c.mu.Unlock()
		close(cur.ready)
		return nil, err
	}
	cur.ws = ws
	close(cur.ready)
	go c.read(cur)
	return cur, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.AckTimeout)
	defer cancel()

	dialer := *c.opts.Dialer
	dialer.Subprotocols = []string{Subprotocol}
	ws, _, err := dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	hello := message{Type: msgConnectionInit}
	if c.opts.ConnectionParams != nil {
		if hello.Payload, err = json.Marshal(c.opts.ConnectionParams); err != nil {
			return nil, err
		}
	}
	deadline, _ := ctx.Deadline()
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(hello); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(deadline)
	for {
		var msg message
		if err := ws.ReadJSON(&msg); err != nil {
			return nil, fmt.Errorf("connection_ack: %w", err)
		}
		switch msg.Type {
		case msgConnectionAck:
			ws.SetReadDeadline(time.Time{})
			success = true
			return ws, nil
		case msgPing:
			if err := ws.WriteJSON(message{Type: msgPong}); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("connection_ack: unexpected %q", msg.Type)
		}
	}
}

func (c *Client) write(cur *conn, id, typ string, payload any) error {
	msg := message{ID: id, Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Payload = raw
	}
	cur.writeMu.Lock()
	defer cur.writeMu.Unlock()
	cur.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return cur.ws.WriteJSON(msg)
}

func (c *Client) read(cur *conn) {
	log := c.opts.Logger
	var err error
	for {
		var msg message
		if err = cur.ws.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case msgPing:
			if err = c.write(cur, "", msgPong, nil); err != nil {
				break
			}
		case msgPong:
		case msgNext:
			var payload map[string]any
			if jerr := json.Unmarshal(msg.Payload, &payload); jerr != nil {
				log.Warn("malformed next payload", zap.String("id", msg.ID), zap.Error(jerr))
				continue
			}
			c.mu.Lock()
			sink := c.subs[msg.ID]
			c.mu.Unlock()
			if sink != nil {
				sink.Next(payload)
			}
		case msgError:
			var errs []any
			if jerr := json.Unmarshal(msg.Payload, &errs); jerr != nil {
				errs = []any{string(msg.Payload)}
			}
			if sink := c.remove(msg.ID); sink != nil {
				sink.GraphQLErrors(errs)
			}
		case msgComplete:
			if sink := c.remove(msg.ID); sink != nil {
				sink.Complete()
			}
		default:
			log.Debug("ignored message", zap.String("type", msg.Type))
		}
		if err != nil {
			break
		}
	}

	c.mu.Lock()
	if c.cur == cur {
		c.cur = nil
	}
	closed := c.closed
	subs := c.subs
	c.subs = make(map[string]exchange.SubscriptionSink)
	c.mu.Unlock()
	cur.ws.Close()

	if closed {
		err = ErrClosed
	} else {
		log.Debug("connection lost", zap.Error(err))
	}
	for _, sink := range subs {
		sink.Error(err)
	}
}
