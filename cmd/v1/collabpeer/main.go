// Command collabpeer is a headless stand-in for the browser client: it
// opens a local document, joins a room over the signaling broker, and
// negotiates a WebRTC mesh with any other peers present, all driven from
// flags and signals instead of a DOM. It exists because this repository's
// core has no UI (§1 non-goal); collabpeer exercises document, transport,
// session, and presence end to end for manual testing.
package main

import (
	"context"
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/xwordcollab/backend/internal/v1/document"
	"github.com/xwordcollab/backend/internal/v1/logging"
	"github.com/xwordcollab/backend/internal/v1/presence"
	"github.com/xwordcollab/backend/internal/v1/session"
	"github.com/xwordcollab/backend/internal/v1/transport"
	"go.uber.org/zap"
)

func main() {
	var (
		signalingURL = flag.String("signaling-url", "ws://localhost:8080/signaling", "signaling broker websocket URL")
		puzzleID     = flag.String("puzzle-id", "demo-puzzle", "puzzle identifier")
		dataDir      = flag.String("data-dir", "./collabpeer-data", "local document storage directory")
		clientID     = flag.String("client-id", "", "client id (random if empty)")
	)
	flag.Parse()

	if err := logging.Initialize(true); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}
	logger := logging.GetLogger()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *clientID == "" {
		*clientID = uuid.NewString()
	}

	store, err := session.OpenStore(*dataDir + "/meta.db")
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	timelineID, err := store.CurrentTimeline(*puzzleID)
	if err != nil {
		slog.Error("failed to read local timeline mapping", "error", err)
		os.Exit(1)
	}
	if timelineID == "" {
		timelineID, err = session.NewTimelineID()
		if err != nil {
			slog.Error("failed to mint timeline id", "error", err)
			os.Exit(1)
		}
		if err := store.SetTimeline(*puzzleID, timelineID); err != nil {
			slog.Error("failed to persist timeline id", "error", err)
			os.Exit(1)
		}
	}

	url := session.SessionURL{PuzzleID: *puzzleID, TimelineID: timelineID}
	slog.Info("session identity", "url_fragment", session.EncodeSessionURL(*puzzleID, timelineID), "client_id", *clientID)

	doc, err := document.Open(*dataDir, *puzzleID, *clientID)
	if err != nil {
		slog.Error("failed to open document", "error", err)
		os.Exit(1)
	}
	defer doc.Close()
	<-doc.Ready()

	tracker := presence.NewDurationTracker(doc, *clientID)
	tracker.Start()
	defer tracker.Close()

	roomKey := url.RoomKey()

	var pt *transport.PeerTransport
	sig := transport.NewSignalingClient(*signalingURL, func(in transport.Inbound) {
		pt.HandleSignal(ctx, in)
	})

	pt = transport.NewPeerTransport(doc, sig, roomKey, *clientID, []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	})
	defer pt.Destroy()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nickname := presence.RandomNickname(rng)
	color := presence.AssignColor(nil, *clientID)
	pt.SetLocalAwareness(transport.Awareness{Name: nickname, Color: color})

	pt.OnConnectionState(func(state transport.ConnState) {
		logging.Info(ctx, "peer connection state", zap.String("state", state.String()))
	})
	pt.OnAwarenessChange(func(added, removed []string) {
		for _, id := range added {
			logging.Info(ctx, "peer joined", zap.String("client_id", id))
		}
		for _, id := range removed {
			logging.Info(ctx, "peer left", zap.String("client_id", id))
		}
	})

	wake := make(chan os.Signal, 1)
	signal.Notify(wake, syscall.SIGUSR1)
	go func() {
		for range wake {
			slog.Info("SIGUSR1 received: waking signaling client")
			sig.Wake()
		}
	}()

	sig.Start(ctx)
	pt.Attach(ctx)

	slog.Info("collabpeer running", "room", roomKey)
	<-ctx.Done()
	slog.Info("collabpeer shutting down")
}
