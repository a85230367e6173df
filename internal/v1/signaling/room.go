package signaling

import (
	"sync"
	"time"

	"github.com/xwordcollab/backend/internal/v1/metrics"
	"github.com/xwordcollab/backend/internal/v1/types"
)

// TTL values from §4.3 "TTL discipline".
const (
	ConnectionStaleTTL  = 90 * time.Second
	VisitorReconnectTTL = 3 * time.Minute
	RoomInactivityTTL   = 6 * time.Hour
	sweepInterval       = 60 * time.Second
)

// ClientMessage is a decoded client→broker frame (§6.1). Free-form publish
// payload fields live in Raw since the broker re-echoes them verbatim
// without needing to know their shape.
type ClientMessage struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
	Topic  string   `json:"topic,omitempty"`
	From   string   `json:"from,omitempty"`
	Raw    map[string]any `json:"-"`
}

// BrokerMessage is what the broker writes back to a connection.
type BrokerMessage struct {
	Type           string `json:"type"`
	Topic          string `json:"topic,omitempty"`
	Clients        int    `json:"clients,omitempty"`
	VisitorID      string `json:"visitorId,omitempty"`
	ReconnectToken string `json:"reconnectToken,omitempty"`
}

// Room is one isolated signaling instance (§4.3). The design note in §4.3
// allows a single global Room to serve every room id by construction of
// topic strings alone; Broker instead keeps one Room per room id, which is
// the scaling-knob choice the spec calls out as equally correct and makes
// per-room TTL accounting and metrics straightforward.
type Room struct {
	ID types.RoomIDType

	mu           sync.RWMutex
	visitors     map[types.VisitorIDType]*Visitor
	createdAt    time.Time
	lastActivity time.Time

	onEmpty func(types.RoomIDType)
}

func newRoom(id types.RoomIDType, onEmpty func(types.RoomIDType)) *Room {
	now := time.Now()
	return &Room{
		ID:           id,
		visitors:     make(map[types.VisitorIDType]*Visitor),
		createdAt:    now,
		lastActivity: now,
		onEmpty:      onEmpty,
	}
}

func (r *Room) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// addVisitor registers a new connection and returns its Visitor record
// (§4.3 step 1).
func (r *Room) addVisitor(id types.VisitorIDType, conn connWriter) *Visitor {
	v := newVisitor(id, conn)
	r.mu.Lock()
	r.visitors[id] = v
	r.lastActivity = time.Now()
	r.mu.Unlock()
	metrics.RoomSubscribers.WithLabelValues(string(r.ID)).Inc()
	return v
}

func (r *Room) getVisitor(id types.VisitorIDType) (*Visitor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.visitors[id]
	return v, ok
}

// Subscribe applies a subscribe request and refreshes room activity
// (§4.3 step 2).
func (r *Room) Subscribe(visitorID types.VisitorIDType, topics []types.TopicType) {
	if v, ok := r.getVisitor(visitorID); ok {
		v.Subscribe(topics)
	}
	r.touch()
}

// Unsubscribe removes topics from a visitor's subscription set.
func (r *Room) Unsubscribe(visitorID types.VisitorIDType, topics []types.TopicType) {
	if v, ok := r.getVisitor(visitorID); ok {
		v.Unsubscribe(topics)
	}
}

// Publish fans a message out to every connected visitor currently
// subscribed to topic, stamping clients with the live subscriber count
// (§4.3 step 3). Sends are made one after another on the caller's
// goroutine: a failed send does not stop delivery to the rest, but a slow
// peer delays the peers after it by up to its write deadline (writeWait).
func (r *Room) Publish(topic types.TopicType, echo map[string]any) {
	r.mu.RLock()
	var targets []*Visitor
	for _, v := range r.visitors {
		if v.HasTopic(topic) {
			targets = append(targets, v)
		}
	}
	r.mu.RUnlock()

	for _, v := range targets {
		_ = v.send(publishFrame(topic, len(targets), echo))
	}
	r.touch()
}

func publishFrame(topic types.TopicType, clients int, echo map[string]any) map[string]any {
	out := make(map[string]any, len(echo)+3)
	for k, val := range echo {
		out[k] = val
	}
	out["type"] = "publish"
	out["topic"] = string(topic)
	out["clients"] = clients
	return out
}

// Ping refreshes lastSeen and returns true if the visitor exists, for the
// caller to send back a pong (§4.3 step 4).
func (r *Room) Ping(visitorID types.VisitorIDType) bool {
	v, ok := r.getVisitor(visitorID)
	if !ok {
		return false
	}
	v.touch()
	return true
}

// Disconnect marks a visitor detached but keeps the record for the
// reconnect window (§4.3 step 5).
func (r *Room) Disconnect(visitorID types.VisitorIDType) {
	if v, ok := r.getVisitor(visitorID); ok {
		v.detach()
	}
}

// Reattach finds an existing visitor record and rebinds it to a live
// connection, used during hibernation recovery.
func (r *Room) Reattach(visitorID types.VisitorIDType, conn connWriter) (*Visitor, bool) {
	v, ok := r.getVisitor(visitorID)
	if !ok {
		return nil, false
	}
	v.reattach(conn)
	r.touch()
	return v, true
}

// sweep applies the three TTL rules of §4.3 and reports whether the room
// is now empty of both live connections and retained visitor records.
func (r *Room) sweep(now time.Time) (closedConns, droppedVisitors int, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, v := range r.visitors {
		connected, lastSeen := v.snapshotState()
		if connected && now.Sub(lastSeen) > ConnectionStaleTTL {
			v.detach()
			closedConns++
			// detach() resets LastSeen to now: the reconnect window below
			// starts counting fresh from the moment of disconnection, not
			// from the staleness that triggered it.
			connected, lastSeen = v.snapshotState()
		}
		if !connected && now.Sub(lastSeen) > VisitorReconnectTTL {
			delete(r.visitors, id)
			metrics.RoomSubscribers.WithLabelValues(string(r.ID)).Dec()
			droppedVisitors++
		}
	}

	anyLive := false
	for _, v := range r.visitors {
		if connected, _ := v.snapshotState(); connected {
			anyLive = true
			break
		}
	}

	inactiveLongEnough := now.Sub(r.lastActivity) > RoomInactivityTTL
	empty = !anyLive && (len(r.visitors) == 0 || inactiveLongEnough)
	return
}

func (r *Room) visitorCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.visitors)
}
