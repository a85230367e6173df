package signaling

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xwordcollab/backend/internal/v1/logging"
	"github.com/xwordcollab/backend/internal/v1/metrics"
	"github.com/xwordcollab/backend/internal/v1/types"
	"go.uber.org/zap"
)

// Broker is the central coordinator for all signaling rooms, generalizing
// the teacher's transport.Hub from per-room video sessions to opaque
// room-scoped topic routing (§4.3). It never inspects message payloads:
// the signaling broker never sees puzzle content, only topic-keyed
// publishes (§2 "data flow").
type Broker struct {
	mu    sync.Mutex
	rooms map[types.RoomIDType]*Room

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	stopOnce    sync.Once

	// timeOffsetNs lets the dev-only /__test__ surface (§6.5 "simulated-time
	// advancement") fast-forward the clock sweep uses, so the 90s/3min/6h
	// TTLs (§4.3) can be exercised without an actual wait. Zero in production.
	timeOffsetNs int64
}

// NewBroker constructs a Broker and starts its periodic TTL sweep
// (§4.3 "TTL discipline", alarm every ~60s).
func NewBroker() *Broker {
	b := &Broker{
		rooms:       make(map[types.RoomIDType]*Room),
		sweepTicker: time.NewTicker(sweepInterval),
		stopSweep:   make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// now returns the current time adjusted by any simulated-time advancement
// applied through the dev-only test routes.
func (b *Broker) now() time.Time {
	return time.Now().Add(time.Duration(atomic.LoadInt64(&b.timeOffsetNs)))
}

// AdvanceTime fast-forwards the broker's simulated clock by d (§6.5). Only
// meant to be reachable via the dev-gated /__test__/advance-time route.
func (b *Broker) AdvanceTime(d time.Duration) {
	atomic.AddInt64(&b.timeOffsetNs, int64(d))
}

func (b *Broker) getOrCreateRoom(id types.RoomIDType) *Room {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rooms[id]; ok {
		return r
	}
	r := newRoom(id, b.removeRoom)
	b.rooms[id] = r
	metrics.ActiveRooms.Inc()
	return r
}

func (b *Broker) removeRoom(id types.RoomIDType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rooms[id]; ok {
		delete(b.rooms, id)
		metrics.ActiveRooms.Dec()
		metrics.RoomSubscribers.DeleteLabelValues(string(id))
	}
}

// Connect registers a new connection under a freshly minted visitorId
// (§4.3 step 1).
func (b *Broker) Connect(roomID types.RoomIDType, conn connWriter) (*Visitor, error) {
	id, err := newVisitorID()
	if err != nil {
		return nil, err
	}
	room := b.getOrCreateRoom(roomID)
	v := room.addVisitor(id, conn)
	metrics.ActiveWebSocketConnections.Inc()
	return v, nil
}

func newVisitorID() (types.VisitorIDType, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return types.VisitorIDType(hex.EncodeToString(buf)), nil
}

// Reattach rebinds an existing visitor record after a hibernation resume.
// If no such visitor exists (window expired, or genuinely new), the caller
// should fall back to Connect (§4.3 "hibernation & recovery").
func (b *Broker) Reattach(roomID types.RoomIDType, visitorID types.VisitorIDType, conn connWriter) (*Visitor, bool) {
	b.mu.Lock()
	room, ok := b.rooms[roomID]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	v, ok := room.Reattach(visitorID, conn)
	if ok {
		metrics.ActiveWebSocketConnections.Inc()
	}
	return v, ok
}

// HandleMessage dispatches one decoded client frame for visitorID in
// roomID. Binary frames and type-less/malformed JSON are filtered out by
// the caller before reaching here (§4.3 "isolation").
func (b *Broker) HandleMessage(roomID types.RoomIDType, visitorID types.VisitorIDType, msg ClientMessage) {
	room := b.getOrCreateRoom(roomID)

	switch msg.Type {
	case "subscribe":
		room.Subscribe(visitorID, toTopics(msg.Topics))
		metrics.WebsocketEvents.WithLabelValues("subscribe", "success").Inc()
	case "unsubscribe":
		room.Unsubscribe(visitorID, toTopics(msg.Topics))
		metrics.WebsocketEvents.WithLabelValues("unsubscribe", "success").Inc()
	case "publish":
		if msg.Topic == "" {
			return
		}
		echo := map[string]any{}
		for k, v := range msg.Raw {
			echo[k] = v
		}
		echo["from"] = msg.From
		room.Publish(types.TopicType(msg.Topic), echo)
		metrics.WebsocketEvents.WithLabelValues("publish", "success").Inc()
	case "ping":
		if room.Ping(visitorID) {
			if v, ok := room.getVisitor(visitorID); ok {
				_ = v.send(BrokerMessage{Type: "pong"})
			}
		}
		metrics.WebsocketEvents.WithLabelValues("ping", "success").Inc()
	default:
		// Unknown type: dropped silently (§4.3 "isolation").
	}
}

func toTopics(in []string) []types.TopicType {
	out := make([]types.TopicType, len(in))
	for i, s := range in {
		out[i] = types.TopicType(s)
	}
	return out
}

// Disconnect marks a visitor detached on connection close (§4.3 step 5).
func (b *Broker) Disconnect(roomID types.RoomIDType, visitorID types.VisitorIDType) {
	b.mu.Lock()
	room, ok := b.rooms[roomID]
	b.mu.Unlock()
	if ok {
		room.Disconnect(visitorID)
	}
	metrics.DecConnection()
}

func (b *Broker) sweepLoop() {
	for {
		select {
		case <-b.sweepTicker.C:
			b.Sweep(b.now())
		case <-b.stopSweep:
			return
		}
	}
}

// Sweep performs one TTL pass over every room (exported for the dev-only
// manual-alarm-trigger test route, §6.5).
func (b *Broker) Sweep(now time.Time) {
	b.mu.Lock()
	rooms := make([]*Room, 0, len(b.rooms))
	for _, r := range b.rooms {
		rooms = append(rooms, r)
	}
	b.mu.Unlock()

	for _, r := range rooms {
		closedConns, droppedVisitors, empty := r.sweep(now)
		if closedConns > 0 {
			metrics.TTLSweepOutcomes.WithLabelValues("connection_stale").Add(float64(closedConns))
		}
		if droppedVisitors > 0 {
			metrics.TTLSweepOutcomes.WithLabelValues("visitor_expired").Add(float64(droppedVisitors))
		}
		if empty {
			b.removeRoom(r.ID)
			metrics.TTLSweepOutcomes.WithLabelValues("room_inactive").Inc()
		}
	}
}

// Snapshot returns a dev-only view of broker state (§6.5 "/__test__/"
// storage snapshot route).
func (b *Broker) Snapshot() json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	type roomSnap struct {
		ID       string `json:"id"`
		Visitors int    `json:"visitors"`
	}
	snaps := make([]roomSnap, 0, len(b.rooms))
	for id, r := range b.rooms {
		snaps = append(snaps, roomSnap{ID: string(id), Visitors: r.visitorCount()})
	}
	data, _ := json.Marshal(snaps)
	return data
}

// Shutdown stops the sweep loop. Idempotent.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.stopOnce.Do(func() {
		close(b.stopSweep)
		b.sweepTicker.Stop()
	})
	logging.Info(ctx, "signaling broker shut down", zap.Int("rooms_remaining", len(b.rooms)))
	return nil
}
