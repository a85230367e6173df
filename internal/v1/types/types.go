// Package types defines identifiers and cross-package interfaces. Of the
// repository's packages only the signaling broker (internal/v1/signaling)
// imports it; the document store and the peer transport use plain strings.
package types

import (
	"context"
	"sync"

	"github.com/xwordcollab/backend/internal/v1/bus"
)

// RoomIDType is the signaling room key: "puzzle:{puzzleId}:{timelineId}" or
// a raw legacy "#room=" value. It is opaque to the broker (§4.3).
type RoomIDType string

// VisitorIDType is the 16-character id the broker assigns a connection on
// dial (§4.3.1).
type VisitorIDType string

// TopicType is a routing label inside the broker (e.g. "sync:<room>",
// "awareness:<room>").
type TopicType string

// ClientIDType is the stable per-browser id used for play-time accounting
// (§4.7) and as the CRDT's per-writer node id.
type ClientIDType string

// PuzzleIDType is the deterministic id derived from a puzzle's origin
// (§3.2). Identical across users solving the same puzzle content.
type PuzzleIDType string

// TimelineIDType is the 16-character opaque token identifying one
// collaborative thread of a puzzle (§3.2).
type TimelineIDType string

// CellKey is the "{row},{col}" string key used in every per-cell map in
// §3.1.
type CellKey string

// BusService defines the interface for Redis pub/sub fan-out, mirroring the
// teacher's BusService contract; *bus.Service satisfies it. The signaling
// broker does not use it: its fan-out is in-process only.
type BusService interface {
	Publish(ctx context.Context, roomID string, event string, payload any, senderID string) error
	Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(bus.PubSubPayload))
	Close() error
}

var _ BusService = (*bus.Service)(nil)
