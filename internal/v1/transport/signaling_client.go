// Package transport implements the client half of the peer-to-peer layer:
// the Signaling Client (§4.2) that dials the broker, and the Peer Transport
// (§4.4) built on top of it that meshes WebRTC data channels between peers
// and exchanges document state and awareness over them. Both are
// single-threaded and event-driven, mirroring the teacher's Client
// readPump/writePump shape (internal/v1/transport/client.go) adapted from a
// server-side video participant to a client-side signaling connection.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/xwordcollab/backend/internal/v1/logging"
	"go.uber.org/zap"
)

// Inbound is a decoded broker->client frame (§6.1): either {"type":"pong"}
// or a re-broadcast {"type":"publish","topic":...,"clients":N,...}.
type Inbound struct {
	Type    string
	Topic   string
	Clients int
	Raw     map[string]any
}

// SignalingClient is a long-lived connection to the signaling broker,
// supporting exactly the four client->broker message types of §4.2:
// subscribe, unsubscribe, publish, ping.
type SignalingClient struct {
	dialURL string
	onMsg   func(Inbound)

	mu       sync.Mutex
	conn     *websocket.Conn
	topics   map[string]struct{}
	sendQ    []json.RawMessage
	open     bool
	wakeCh   chan struct{}
	closed   bool
	stopCh   chan struct{}
	closeOne sync.Once
}

const (
	pingInterval = 20 * time.Second
)

// NewSignalingClient constructs a client that will dial dialURL once
// Start is called. onMsg is invoked for every decoded broker frame.
func NewSignalingClient(dialURL string, onMsg func(Inbound)) *SignalingClient {
	return &SignalingClient{
		dialURL: dialURL,
		onMsg:   onMsg,
		topics:  make(map[string]struct{}),
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the dial/reconnect loop in the background. It returns
// immediately; connection establishment is asynchronous (§4.2 "all
// operations non-blocking").
func (c *SignalingClient) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *SignalingClient) run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.3
	b.Reset()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.dialURL, nil)
		if err != nil {
			logging.Warn(ctx, "signaling client dial failed, backing off", zap.Error(err))
			wait := b.NextBackOff()
			select {
			case <-time.After(wait):
			case <-c.wakeCh:
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
			continue
		}

		b.Reset()
		c.attach(conn)
		c.resubscribeAndFlush()
		c.pump(ctx, conn)
		c.detach()
	}
}

func (c *SignalingClient) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.open = true
	c.mu.Unlock()
}

func (c *SignalingClient) detach() {
	c.mu.Lock()
	c.open = false
	c.conn = nil
	c.mu.Unlock()
}

// resubscribeAndFlush re-sends current topic subscriptions and any queued
// sends after a (re)connect — the broker does not remember a client's
// subscriptions across its own disconnection beyond the reconnect window
// (§4.2 "reconnection").
func (c *SignalingClient) resubscribeAndFlush() {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	queued := c.sendQ
	c.sendQ = nil
	c.mu.Unlock()

	if len(topics) > 0 {
		c.writeFrame(map[string]any{"type": "subscribe", "topics": topics})
	}
	for _, raw := range queued {
		c.writeRaw(raw)
	}
}

func (c *SignalingClient) pump(ctx context.Context, conn *websocket.Conn) {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if err := json.Unmarshal(data, &frame); err != nil {
				continue // malformed JSON dropped (mirrors broker's own tolerance)
			}
			c.dispatch(frame)
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			c.writeFrame(map[string]any{"type": "ping"})
		case <-ctx.Done():
			conn.Close()
			return
		case <-c.stopCh:
			conn.Close()
			return
		}
	}
}

func (c *SignalingClient) dispatch(frame map[string]any) {
	typ, _ := frame["type"].(string)
	if typ == "" || c.onMsg == nil {
		return
	}
	in := Inbound{Type: typ, Raw: frame}
	if topic, ok := frame["topic"].(string); ok {
		in.Topic = topic
	}
	if clients, ok := frame["clients"].(float64); ok {
		in.Clients = int(clients)
	}
	c.onMsg(in)
}

// Wake triggers a fast reconnect attempt, modeling the browser's
// visibilitychange-from-hidden-to-visible hook (§4.2). A host application
// without a DOM (e.g. cmd/collabpeer) calls this from a signal handler.
func (c *SignalingClient) Wake() {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if open {
		return
	}
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// Subscribe adds topics to this client's subscription set and sends the
// request immediately if open, otherwise it takes effect on next (re)connect.
func (c *SignalingClient) Subscribe(topics []string) {
	c.mu.Lock()
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	c.mu.Unlock()
	c.writeFrame(map[string]any{"type": "subscribe", "topics": topics})
}

// Unsubscribe removes topics from the subscription set.
func (c *SignalingClient) Unsubscribe(topics []string) {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.topics, t)
	}
	c.mu.Unlock()
	c.writeFrame(map[string]any{"type": "unsubscribe", "topics": topics})
}

// Publish sends a publish frame for topic with free-form payload fields.
func (c *SignalingClient) Publish(topic string, payload map[string]any) {
	frame := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		frame[k] = v
	}
	frame["type"] = "publish"
	frame["topic"] = topic
	c.writeFrame(frame)
}

func (c *SignalingClient) writeFrame(frame map[string]any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.writeRaw(data)
}

// writeRaw sends data if the channel is open, otherwise queues it for
// replay after reconnect (§4.2 "messages are queued while the channel is
// opening"; extended here to cover closed-channel retries too, since a
// send failure is handled identically to "not yet open"). Writes are made
// under c.mu, since a gorilla/websocket connection allows only one writer
// at a time.
func (c *SignalingClient) writeRaw(data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open || c.conn == nil {
		c.sendQ = append(c.sendQ, data)
		return
	}

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.sendQ = append(c.sendQ, data)
	}
}

// Close stops the dial loop and closes any live connection. Idempotent.
func (c *SignalingClient) Close() error {
	c.closeOne.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	return nil
}
