package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/xwordcollab/backend/internal/v1/auth"
	"github.com/xwordcollab/backend/internal/v1/logging"
	"github.com/xwordcollab/backend/internal/v1/ratelimit"
	"github.com/xwordcollab/backend/internal/v1/types"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 120 * time.Second
	maxMsgSize = 1 << 15 // 32KiB: signaling payloads are small JSON objects
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsConn adapts *websocket.Conn to connWriter with a write mutex, since
// gorilla/websocket connections are not safe for concurrent writers.
type wsConn struct {
	conn *websocket.Conn
	mu   writeMutex
}

type writeMutex chan struct{}

func newWriteMutex() writeMutex {
	m := make(writeMutex, 1)
	m <- struct{}{}
	return m
}

func (w *wsConn) WriteJSON(v any) error {
	<-w.mu
	defer func() { w.mu <- struct{}{} }()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}

// Close sends a normal-closure (code 1000) close frame before closing the
// underlying connection (§4.3 TTL discipline: "Close the connection with
// code 1000"). Best-effort: the write may fail if the peer is already gone,
// which is fine, the subsequent conn.Close() still runs.
func (w *wsConn) Close() error {
	<-w.mu
	deadline := time.Now().Add(writeWait)
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	w.mu <- struct{}{}
	return w.conn.Close()
}

// ServeWS upgrades an HTTP request to the signaling protocol and runs the
// connection's lifecycle to completion (§6.5 "GET /signaling"). roomID
// comes from the query string (the room key the caller derived from
// puzzle:timeline or the legacy room id, §4.4). signer may be nil, in
// which case a reconnect_token is always rejected and the caller gets a
// fresh visitor instead (§4.3.2).
func (b *Broker) ServeWS(c *gin.Context, rl *ratelimit.RateLimiter, allowedOrigins []string, signer *auth.TokenSigner) {
	if rl != nil && !rl.CheckSignalingUpgrade(c) {
		return // CheckSignalingUpgrade has already written the 429 response
	}
	if err := validateOrigin(c.Request, allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	roomID := types.RoomIDType(c.Query("room"))
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room is required"})
		return
	}

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "signaling upgrade failed", zap.Error(err))
		return
	}
	conn := &wsConn{conn: raw, mu: newWriteMutex()}

	var visitor *Visitor
	if reconnectToken := c.Query("reconnect_token"); reconnectToken != "" && signer != nil {
		visitor, _ = b.tryReattach(roomID, reconnectToken, signer, conn)
	}
	if visitor == nil {
		visitor, err = b.Connect(roomID, conn)
		if err != nil {
			raw.Close()
			return
		}
	}

	welcome := BrokerMessage{Type: "welcome", VisitorID: string(visitor.ID)}
	if signer != nil {
		if token, err := signer.Issue(string(visitor.ID), string(roomID), VisitorReconnectTTL); err == nil {
			welcome.ReconnectToken = token
		} else {
			logging.Warn(c.Request.Context(), "failed to issue reconnect token", zap.Error(err))
		}
	}
	_ = visitor.send(welcome)

	b.pump(c.Request.Context(), roomID, visitor, raw, rl)
}

// validateOrigin checks the request's Origin header against an allowlist,
// adapted verbatim from the teacher's transport.validateOrigin.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil // allow non-browser clients
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return err
	}
	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return &originError{origin: origin}
}

type originError struct{ origin string }

func (e *originError) Error() string { return "origin not allowed: " + e.origin }

// tryReattach validates a reconnect token against signer and, if it is
// valid and bound to roomID, reattaches the visitor it names (§4.3.2).
func (b *Broker) tryReattach(roomID types.RoomIDType, token string, signer *auth.TokenSigner, conn connWriter) (*Visitor, bool) {
	claims, err := signer.Validate(token)
	if err != nil || types.RoomIDType(claims.RoomID) != roomID {
		return nil, false
	}
	return b.Reattach(roomID, types.VisitorIDType(claims.VisitorID), conn)
}

func (b *Broker) pump(ctx context.Context, roomID types.RoomIDType, v *Visitor, raw *websocket.Conn, rl *ratelimit.RateLimiter) {
	defer func() {
		b.Disconnect(roomID, v.ID)
		raw.Close()
	}()

	raw.SetReadLimit(maxMsgSize)
	raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		// Any frame is proof of life. The broker never sends real WS ping
		// control frames, and the client's keep-alive (§4.2) is a plain
		// {"type":"ping"} text frame, not a WS-protocol ping — so the
		// PongHandler above never fires in practice. Without this, every
		// connection would be force-closed by the read deadline at
		// pongWait regardless of live ping traffic.
		raw.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue // binary frames are ignored (§4.3 "isolation")
		}

		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			continue // malformed JSON dropped without closing (§4.3)
		}
		typ, _ := frame["type"].(string)
		if typ == "" {
			continue
		}

		msg := ClientMessage{Type: typ, Raw: frame}
		if topics, ok := frame["topics"].([]any); ok {
			for _, t := range topics {
				if s, ok := t.(string); ok {
					msg.Topics = append(msg.Topics, s)
				}
			}
		}
		if topic, ok := frame["topic"].(string); ok {
			msg.Topic = topic
		}
		if from, ok := frame["from"].(string); ok {
			msg.From = from
		}
		delete(frame, "type")
		delete(frame, "topics")

		if typ == "publish" && rl != nil {
			if err := rl.CheckVisitorPublish(ctx, string(v.ID)); err != nil {
				continue // over the per-visitor publish rate: drop, don't close (§4.3 "isolation")
			}
		}

		b.HandleMessage(roomID, v.ID, msg)
	}
}
