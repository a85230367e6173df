package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/xwordcollab/backend/internal/v1/document"
	"github.com/xwordcollab/backend/internal/v1/logging"
	"github.com/xwordcollab/backend/internal/v1/metrics"
	"go.uber.org/zap"
)

// ConnState is the three-state connection indicator of §4.4/§9.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Connecting:
		return "connecting"
	default:
		return "disconnected"
	}
}

// signalEnvelope is what PeerTransport publishes on the room's sync topic
// to negotiate mesh connections (§4.4: "each pair of peers exchanges
// offers/answers/ICE candidates over the signaling topic").
type signalEnvelope struct {
	Kind      string                   `json:"kind"` // "hello" | "hello-ack" | "offer" | "answer" | "candidate"
	From      string                   `json:"clientId"`
	To        string                   `json:"targetClientId"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// syncEnvelope carries the document state vector / delta ops exchanged over
// a peer's "sync" data channel (§4.4 "document sync").
type syncEnvelope struct {
	Kind   string              `json:"kind"` // "vector" | "ops"
	Vector document.StateVector `json:"vector,omitempty"`
	Ops    []document.Op         `json:"ops,omitempty"`
}

// awarenessEnvelope carries presence state over a peer's "awareness" data
// channel (§4.4, §3.3).
type awarenessEnvelope struct {
	ClientID string     `json:"clientId"`
	State    Awareness  `json:"state"`
}

// Awareness is the transient presence record of §3.3. It never enters the
// CRDT document.
type Awareness struct {
	Name   string  `json:"name"`
	Color  string  `json:"color"`
	Avatar string  `json:"avatar,omitempty"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

// Cursor is a cell position plus the direction the cursor is typing in.
type Cursor struct {
	Row       int    `json:"row"`
	Col       int    `json:"col"`
	Direction string `json:"direction"`
}

// peerConn bundles one remote peer's WebRTC connection with its two logical
// data channels.
type peerConn struct {
	clientID  string
	pc        *webrtc.PeerConnection
	syncDC    *webrtc.DataChannel
	awareDC   *webrtc.DataChannel
	sentVector bool
}

// PeerTransport is the WebRTC mesh plus awareness side channel of §4.4. It
// is constructed on top of a Document that must already be Ready (§4.1
// invariant: "the peer transport must be attached only after ready") and a
// SignalingClient used purely for mesh negotiation envelopes.
type PeerTransport struct {
	doc      *document.Document
	sig      *SignalingClient
	roomKey  string
	clientID string
	iceServers []webrtc.ICEServer

	mu    sync.Mutex
	peers map[string]*peerConn

	localAwareness Awareness
	remoteAware    map[string]Awareness

	onState      func(ConnState)
	awareObs     []func(added, removed []string)
	destroyed    bool
}

// NewPeerTransport constructs a transport for roomKey. doc must already be
// Ready; calling this before Ready is a programmer error and panics (§4.1,
// §9 "cyclic references... enforce a clean ownership order").
func NewPeerTransport(doc *document.Document, sig *SignalingClient, roomKey, clientID string, iceServers []webrtc.ICEServer) *PeerTransport {
	select {
	case <-doc.Ready():
	default:
		panic("transport: NewPeerTransport called before document.Ready()")
	}
	return &PeerTransport{
		doc:        doc,
		sig:        sig,
		roomKey:    roomKey,
		clientID:   clientID,
		iceServers: iceServers,
		peers:      make(map[string]*peerConn),
		remoteAware: make(map[string]Awareness),
	}
}

// OnConnectionState registers the callback the UI uses to render the
// disconnected/connecting/connected badge (§4.4 "connection state").
func (t *PeerTransport) OnConnectionState(fn func(ConnState)) { t.onState = fn }

// OnAwarenessChange registers an observer for awareness add/remove events
// (§4.4 "awareness channel").
func (t *PeerTransport) OnAwarenessChange(fn func(added, removed []string)) {
	t.mu.Lock()
	t.awareObs = append(t.awareObs, fn)
	t.mu.Unlock()
}

func (t *PeerTransport) fireState(s ConnState) {
	if t.onState != nil {
		t.onState(s)
	}
}

func (t *PeerTransport) fireAwareness(added, removed []string) {
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	t.mu.Lock()
	obs := append([]func(added, removed []string){}, t.awareObs...)
	t.mu.Unlock()
	for _, o := range obs {
		o(added, removed)
	}
}

// syncTopic and awareTopic are the two signaling topics a transport
// subscribes to for roomKey (§4.4 "subscribes to the corresponding
// awareness and signaling topics").
func syncTopic(roomKey string) string      { return "sync:" + roomKey }
func awarenessTopic(roomKey string) string { return "awareness:" + roomKey }

// Attach subscribes to the room's signaling topics and announces this
// client's presence so existing peers can EnsurePeer toward it (§4.4
// "mesh discovery"). Call once, after construction.
func (t *PeerTransport) Attach(ctx context.Context) {
	t.fireState(Connecting)
	t.sig.Subscribe([]string{syncTopic(t.roomKey), awarenessTopic(t.roomKey)})
	t.sig.Publish(syncTopic(t.roomKey), envelopeToMap(signalEnvelope{Kind: "hello", From: t.clientID}))
}

// HandleSignal processes an inbound signaling publish for this transport's
// room. The caller (the SignalingClient's onMsg callback) routes by topic.
func (t *PeerTransport) HandleSignal(ctx context.Context, in Inbound) {
	switch in.Topic {
	case syncTopic(t.roomKey):
		t.handleMeshEnvelope(ctx, in.Raw)
	case awarenessTopic(t.roomKey):
		t.handleAwarenessBroadcast(in.Raw)
	}
}

func (t *PeerTransport) handleMeshEnvelope(ctx context.Context, raw map[string]any) {
	data, err := json.Marshal(raw)
	if err != nil {
		return
	}
	var env signalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	if env.From == t.clientID {
		return // our own loopback echo
	}

	switch env.Kind {
	case "hello":
		// Broadcast: every current subscriber sees it, so the receiving
		// side that won't itself offer (clientID > peerID, per EnsurePeer's
		// convention) replies with a targeted hello-ack so the new joiner
		// learns of it too and can offer in the other direction.
		t.mu.Lock()
		_, known := t.peers[env.From]
		t.mu.Unlock()
		if err := t.EnsurePeer(ctx, env.From); err != nil {
			logging.Warn(ctx, "transport: failed to ensure peer after hello", zap.Error(err))
		}
		if !known {
			t.mu.Lock()
			_, nowKnown := t.peers[env.From]
			t.mu.Unlock()
			if !nowKnown {
				t.sig.Publish(syncTopic(t.roomKey), envelopeToMap(signalEnvelope{
					Kind: "hello-ack", From: t.clientID, To: env.From,
				}))
			}
		}
		return
	case "hello-ack":
		if env.To != t.clientID {
			return
		}
		if err := t.EnsurePeer(ctx, env.From); err != nil {
			logging.Warn(ctx, "transport: failed to ensure peer after hello-ack", zap.Error(err))
		}
		return
	}

	if env.To != t.clientID {
		return // not addressed to us
	}

	switch env.Kind {
	case "offer":
		t.handleOffer(ctx, env)
	case "answer":
		t.handleAnswer(env)
	case "candidate":
		t.handleCandidate(env)
	}
}

// handleAwarenessBroadcast is a fallback path for awareness delivered over
// the signaling broker rather than an established data channel (used
// before a mesh link to that peer exists yet).
func (t *PeerTransport) handleAwarenessBroadcast(raw map[string]any) {
	data, err := json.Marshal(raw)
	if err != nil {
		return
	}
	var env awarenessEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.ClientID == "" || env.ClientID == t.clientID {
		return
	}
	t.applyRemoteAwareness(env.ClientID, env.State)
}

// EnsurePeer initiates mesh negotiation toward a newly discovered peer id.
// Per §4.4's mesh protocol, to avoid a double-offer race the lexicographically
// lower client id offers.
func (t *PeerTransport) EnsurePeer(ctx context.Context, peerID string) error {
	t.mu.Lock()
	if _, ok := t.peers[peerID]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if t.clientID > peerID {
		return nil // the other side will offer
	}
	pc, err := t.newPeerConnection(peerID)
	if err != nil {
		return err
	}

	syncDC, err := pc.CreateDataChannel("sync", nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("transport: create sync channel: %w", err)
	}
	awareDC, err := pc.CreateDataChannel("awareness", nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("transport: create awareness channel: %w", err)
	}

	pconn := &peerConn{clientID: peerID, pc: pc, syncDC: syncDC, awareDC: awareDC}
	t.wireDataChannel(pconn, syncDC, true)
	t.wireDataChannel(pconn, awareDC, false)
	t.registerPeer(pconn)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("transport: create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("transport: set local description: %w", err)
	}
	<-gatherComplete

	metrics.WebrtcConnectionAttempts.WithLabelValues("offer").Inc()
	t.sig.Publish(syncTopic(t.roomKey), envelopeToMap(signalEnvelope{
		Kind: "offer", From: t.clientID, To: peerID, SDP: pc.LocalDescription(),
	}))
	return nil
}

func (t *PeerTransport) handleOffer(ctx context.Context, env signalEnvelope) {
	if env.SDP == nil {
		return
	}
	t.mu.Lock()
	_, exists := t.peers[env.From]
	t.mu.Unlock()
	if exists {
		return
	}

	pc, err := t.newPeerConnection(env.From)
	if err != nil {
		logging.Warn(ctx, "transport: failed to create peer connection for offer", zap.Error(err))
		return
	}
	pconn := &peerConn{clientID: env.From, pc: pc}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		isSync := dc.Label() == "sync"
		t.wireDataChannel(pconn, dc, isSync)
		if isSync {
			pconn.syncDC = dc
		} else {
			pconn.awareDC = dc
		}
	})
	t.registerPeer(pconn)

	if err := pc.SetRemoteDescription(*env.SDP); err != nil {
		logging.Warn(ctx, "transport: set remote description failed", zap.Error(err))
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		logging.Warn(ctx, "transport: create answer failed", zap.Error(err))
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		logging.Warn(ctx, "transport: set local description failed", zap.Error(err))
		return
	}
	<-gatherComplete

	metrics.WebrtcConnectionAttempts.WithLabelValues("answer").Inc()
	t.sig.Publish(syncTopic(t.roomKey), envelopeToMap(signalEnvelope{
		Kind: "answer", From: t.clientID, To: env.From, SDP: pc.LocalDescription(),
	}))
}

func (t *PeerTransport) handleAnswer(env signalEnvelope) {
	if env.SDP == nil {
		return
	}
	t.mu.Lock()
	p, ok := t.peers[env.From]
	t.mu.Unlock()
	if !ok {
		return
	}
	_ = p.pc.SetRemoteDescription(*env.SDP)
}

func (t *PeerTransport) handleCandidate(env signalEnvelope) {
	if env.Candidate == nil {
		return
	}
	t.mu.Lock()
	p, ok := t.peers[env.From]
	t.mu.Unlock()
	if !ok {
		return
	}
	_ = p.pc.AddICECandidate(*env.Candidate)
}

func (t *PeerTransport) newPeerConnection(peerID string) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: t.iceServers})
	if err != nil {
		return nil, fmt.Errorf("transport: new peer connection: %w", err)
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		t.sig.Publish(syncTopic(t.roomKey), envelopeToMap(signalEnvelope{
			Kind: "candidate", From: t.clientID, To: peerID, Candidate: &init,
		}))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			t.fireState(Connected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			t.removePeer(peerID)
			t.fireState(Connecting)
		}
	})
	return pc, nil
}

func (t *PeerTransport) registerPeer(p *peerConn) {
	t.mu.Lock()
	t.peers[p.clientID] = p
	t.mu.Unlock()
}

func (t *PeerTransport) removePeer(peerID string) {
	t.mu.Lock()
	delete(t.peers, peerID)
	_, had := t.remoteAware[peerID]
	delete(t.remoteAware, peerID)
	t.mu.Unlock()
	if had {
		t.fireAwareness(nil, []string{peerID})
	}
}

// wireDataChannel attaches the open/message handlers for either the sync or
// awareness channel of a peer connection.
func (t *PeerTransport) wireDataChannel(p *peerConn, dc *webrtc.DataChannel, isSync bool) {
	if isSync {
		dc.OnOpen(func() { t.sendStateVector(p) })
		dc.OnMessage(func(msg webrtc.DataChannelMessage) { t.onSyncMessage(p, msg.Data) })
	} else {
		dc.OnOpen(func() { t.sendLocalAwareness(p) })
		dc.OnMessage(func(msg webrtc.DataChannelMessage) { t.onAwarenessMessage(msg.Data) })
	}
}

// sendStateVector kicks off document sync once a peer's sync channel opens
// (§4.4 "peers exchange CRDT state vectors and send missing deltas").
func (t *PeerTransport) sendStateVector(p *peerConn) {
	env := syncEnvelope{Kind: "vector", Vector: t.doc.Export()}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = p.syncDC.Send(data)
}

// onSyncMessage handles an inbound state-vector or ops batch. Running this
// twice against an unchanged vector produces the same ops batch and is a
// no-op to apply, satisfying §8's idempotent-resync requirement.
func (t *PeerTransport) onSyncMessage(p *peerConn, data []byte) {
	var env syncEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	switch env.Kind {
	case "vector":
		ops := t.doc.Diff(env.Vector)
		if len(ops) == 0 {
			return
		}
		reply, err := json.Marshal(syncEnvelope{Kind: "ops", Ops: ops})
		if err != nil {
			return
		}
		_ = p.syncDC.Send(reply)
	case "ops":
		_ = t.doc.ApplyAll(env.Ops)
	}
}

// SetLocalAwareness updates this client's presence and broadcasts it to
// every connected peer (§3.3, §4.4).
func (t *PeerTransport) SetLocalAwareness(a Awareness) {
	t.mu.Lock()
	t.localAwareness = a
	peers := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		t.sendLocalAwareness(p)
	}
}

func (t *PeerTransport) sendLocalAwareness(p *peerConn) {
	if p.awareDC == nil {
		return
	}
	t.mu.Lock()
	local := t.localAwareness
	t.mu.Unlock()
	data, err := json.Marshal(awarenessEnvelope{ClientID: t.clientID, State: local})
	if err != nil {
		return
	}
	_ = p.awareDC.Send(data)
}

func (t *PeerTransport) onAwarenessMessage(data []byte) {
	var env awarenessEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.ClientID == "" {
		return
	}
	t.applyRemoteAwareness(env.ClientID, env.State)
}

func (t *PeerTransport) applyRemoteAwareness(clientID string, state Awareness) {
	t.mu.Lock()
	_, existed := t.remoteAware[clientID]
	t.remoteAware[clientID] = state
	t.mu.Unlock()
	if !existed {
		t.fireAwareness([]string{clientID}, nil)
	}
}

// RemoteAwareness returns a snapshot of every currently known peer's
// presence, keyed by client id.
func (t *PeerTransport) RemoteAwareness() map[string]Awareness {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Awareness, len(t.remoteAware))
	for k, v := range t.remoteAware {
		out[k] = v
	}
	return out
}

// Destroy tears down the transport: it drops all peers, closes their data
// channels and peer connections, unsubscribes from the signaling topics,
// and reports every remote client as removed and the state as
// Disconnected. It does not stop the SignalingClient, whose reconnect loop
// keeps running until SignalingClient.Close is called. Idempotent (§5
// cancellation).
func (t *PeerTransport) Destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	peers := t.peers
	t.peers = make(map[string]*peerConn)
	remoteIDs := make([]string, 0, len(t.remoteAware))
	for id := range t.remoteAware {
		remoteIDs = append(remoteIDs, id)
	}
	t.remoteAware = make(map[string]Awareness)
	t.mu.Unlock()

	// 1. Stop awareness broadcasts: the peer map was emptied above, so a
	// later SetLocalAwareness call has no channel to send on.
	// 2. Close data channels / peer connections.
	for _, p := range peers {
		if p.syncDC != nil {
			p.syncDC.Close()
		}
		if p.awareDC != nil {
			p.awareDC.Close()
		}
		p.pc.Close()
	}
	// 3. Unsubscribe from signaling topics.
	t.sig.Unsubscribe([]string{syncTopic(t.roomKey), awarenessTopic(t.roomKey)})

	t.fireAwareness(nil, remoteIDs)
	t.fireState(Disconnected)
}

func envelopeToMap(env signalEnvelope) map[string]any {
	data, _ := json.Marshal(env)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}
