package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xwordcollab/backend/internal/v1/types"
)

// fakeConn is a connWriter test double recording every frame it is sent.
// detach() closes off the caller's goroutine, so reads/writes of closed are
// guarded by a mutex rather than bare fields.
type fakeConn struct {
	mu     sync.Mutex
	sent   []any
	closed bool
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestConnectAssignsVisitorID(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown(context.Background())

	conn := &fakeConn{}
	v, err := b.Connect("room1", conn)
	require.NoError(t, err)
	assert.NotEmpty(t, v.ID)
	assert.True(t, v.IsConnected)
}

func TestPublishOnlyReachesSubscribers(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown(context.Background())

	connA := &fakeConn{}
	connB := &fakeConn{}
	vA, _ := b.Connect("room1", connA)
	vB, _ := b.Connect("room1", connB)

	b.HandleMessage("room1", vA.ID, ClientMessage{Type: "subscribe", Topics: []string{"sync:room1"}})
	// vB never subscribes.

	b.HandleMessage("room1", vA.ID, ClientMessage{
		Type:  "publish",
		Topic: "sync:room1",
		From:  "clientA",
		Raw:   map[string]any{"cell": "0,0"},
	})

	assert.Len(t, connA.sent, 1)
	assert.Empty(t, connB.sent)
}

func TestPublishIncludesSender(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown(context.Background())

	conn := &fakeConn{}
	v, _ := b.Connect("room1", conn)
	b.HandleMessage("room1", v.ID, ClientMessage{Type: "subscribe", Topics: []string{"sync:room1"}})
	b.HandleMessage("room1", v.ID, ClientMessage{Type: "publish", Topic: "sync:room1", From: "clientA"})

	require.Len(t, conn.sent, 1)
	frame, ok := conn.sent[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sync:room1", frame["topic"])
	assert.Equal(t, 1, frame["clients"])
}

func TestPingRespondsPong(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown(context.Background())

	conn := &fakeConn{}
	v, _ := b.Connect("room1", conn)
	b.HandleMessage("room1", v.ID, ClientMessage{Type: "ping"})

	require.Len(t, conn.sent, 1)
	assert.Equal(t, BrokerMessage{Type: "pong"}, conn.sent[0])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown(context.Background())

	conn := &fakeConn{}
	v, _ := b.Connect("room1", conn)
	b.HandleMessage("room1", v.ID, ClientMessage{Type: "subscribe", Topics: []string{"t1"}})
	b.HandleMessage("room1", v.ID, ClientMessage{Type: "unsubscribe", Topics: []string{"t1"}})
	b.HandleMessage("room1", v.ID, ClientMessage{Type: "publish", Topic: "t1"})

	assert.Empty(t, conn.sent)
}

func TestSubscribeIsDedupedIdempotent(t *testing.T) {
	r := newRoom("room1", nil)
	v := r.addVisitor("v1", &fakeConn{})
	r.Subscribe("v1", []types.TopicType{"t1"})
	r.Subscribe("v1", []types.TopicType{"t1"})
	assert.Len(t, v.Topics(), 1)
}

func TestConnectionStaleSweepClosesConnection(t *testing.T) {
	r := newRoom("room1", nil)
	conn := &fakeConn{}
	v := r.addVisitor("v1", conn)
	v.LastSeen = time.Now().Add(-ConnectionStaleTTL - time.Second)

	closedConns, _, _ := r.sweep(time.Now())
	assert.Equal(t, 1, closedConns)
	assert.False(t, v.IsConnected)

	require.Eventually(t, conn.isClosed, time.Second, time.Millisecond, "stale connection must actually be closed, not just marked disconnected")
}

func TestVisitorReconnectWindowExpires(t *testing.T) {
	r := newRoom("room1", nil)
	v := r.addVisitor("v1", &fakeConn{})
	v.detach()
	v.LastSeen = time.Now().Add(-VisitorReconnectTTL - time.Second)

	_, dropped, empty := r.sweep(time.Now())
	assert.Equal(t, 1, dropped)
	assert.True(t, empty)
}

func TestRoomInactivitySweepReportsEmpty(t *testing.T) {
	r := newRoom("room1", nil)
	r.lastActivity = time.Now().Add(-RoomInactivityTTL - time.Second)

	_, _, empty := r.sweep(time.Now())
	assert.True(t, empty)
}

func TestReattachRebindsExistingVisitor(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown(context.Background())

	connA := &fakeConn{}
	v, _ := b.Connect("room1", connA)
	b.Disconnect("room1", v.ID)

	connB := &fakeConn{}
	reattached, ok := b.Reattach("room1", v.ID, connB)
	require.True(t, ok)
	assert.True(t, reattached.IsConnected)
}

func TestMalformedMessageTypeDropped(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown(context.Background())

	conn := &fakeConn{}
	v, _ := b.Connect("room1", conn)
	b.HandleMessage("room1", v.ID, ClientMessage{Type: "not-a-real-type"})
	assert.Empty(t, conn.sent)
}
