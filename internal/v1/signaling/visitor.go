// Package signaling implements the room-scoped publish/subscribe broker
// (§4.3): one Room per room id, per-connection topic subscriptions, best
// effort fan-out, hibernation-resume reattachment, and TTL-based lifecycle
// sweeps. It generalizes the teacher's transport.Hub/room.Room pattern from
// per-room video conferencing state to opaque topic routing.
package signaling

import (
	"sync"
	"time"

	"github.com/xwordcollab/backend/internal/v1/types"
)

// Visitor is a broker-side connection record (§3.4), keyed by the 16-char
// id the broker assigns on dial. It survives a clean close for the
// reconnect window so a hibernation-resumed connection can reattach.
type Visitor struct {
	ID               types.VisitorIDType
	subscribedTopics map[types.TopicType]struct{}
	ConnectedAt      time.Time
	LastSeen         time.Time
	IsConnected      bool

	mu   sync.RWMutex
	conn connWriter // nil once disconnected
}

// connWriter is the minimal send surface a Visitor needs from its
// transport; kept narrow so tests can fake it without a real socket.
type connWriter interface {
	WriteJSON(v any) error
	Close() error
}

func newVisitor(id types.VisitorIDType, conn connWriter) *Visitor {
	now := time.Now()
	return &Visitor{
		ID:               id,
		subscribedTopics: make(map[types.TopicType]struct{}),
		ConnectedAt:      now,
		LastSeen:         now,
		IsConnected:      true,
		conn:             conn,
	}
}

// Subscribe adds topics, deduplicated (§4.3 step 2).
func (v *Visitor) Subscribe(topics []types.TopicType) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, t := range topics {
		v.subscribedTopics[t] = struct{}{}
	}
}

// Unsubscribe removes topics.
func (v *Visitor) Unsubscribe(topics []types.TopicType) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, t := range topics {
		delete(v.subscribedTopics, t)
	}
}

// HasTopic reports whether v is currently subscribed to topic — the hard
// correctness property of §4.3 ("the broker never broadcasts beyond
// subscribers") is enforced by checking this at dispatch time, not at
// enqueue time.
func (v *Visitor) HasTopic(topic types.TopicType) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.subscribedTopics[topic]
	return ok
}

// Topics returns a snapshot of currently subscribed topics.
func (v *Visitor) Topics() []types.TopicType {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]types.TopicType, 0, len(v.subscribedTopics))
	for t := range v.subscribedTopics {
		out = append(out, t)
	}
	return out
}

func (v *Visitor) touch() {
	v.mu.Lock()
	v.LastSeen = time.Now()
	v.mu.Unlock()
}

func (v *Visitor) send(msg any) error {
	v.mu.RLock()
	conn := v.conn
	connected := v.IsConnected
	v.mu.RUnlock()
	if !connected || conn == nil {
		return nil
	}
	return conn.WriteJSON(msg)
}

// detach marks the visitor disconnected, retaining the record for the
// reconnect window (§4.3 step 5), and closes the socket it was holding —
// the TTL sweep's "connection stale" rule requires the server to actually
// close the connection (code 1000), not just stop counting it live. The
// close runs off the caller's goroutine since detach is called from
// Room.sweep while holding the room lock (§5: a network send must not
// hold a lock across its yield), and is harmless if the connection is
// already closing on its own (e.g. the pump goroutine's own teardown).
func (v *Visitor) detach() {
	v.mu.Lock()
	conn := v.conn
	v.IsConnected = false
	v.LastSeen = time.Now()
	v.conn = nil
	v.mu.Unlock()
	if conn != nil {
		go func() { _ = conn.Close() }()
	}
}

// reattach reinstates a live connection on an existing visitor record,
// used by the broker's hibernation rebuild path (§4.3 "hibernation &
// recovery").
func (v *Visitor) reattach(conn connWriter) {
	v.mu.Lock()
	v.conn = conn
	v.IsConnected = true
	v.LastSeen = time.Now()
	v.mu.Unlock()
}

func (v *Visitor) idleSince() time.Duration {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Since(v.LastSeen)
}

// snapshotState returns connectedness and last-seen time under the
// visitor's own lock, so callers (e.g. Room.sweep) never read the bare
// struct fields concurrently with touch/detach/reattach.
func (v *Visitor) snapshotState() (connected bool, lastSeen time.Time) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.IsConnected, v.LastSeen
}
