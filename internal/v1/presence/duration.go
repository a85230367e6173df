package presence

import (
	"sync"
	"time"

	"github.com/xwordcollab/backend/internal/v1/document"
)

// DurationTracker advances a per-client play-time counter while the host
// application reports the page visible, writing through to the document's
// durations map so every peer can compute max() over the aggregate (§4.7,
// §3.1 invariant "durations... aggregate across clients by max").
type DurationTracker struct {
	doc      *document.Document
	clientID string

	mu       sync.Mutex
	localMs  int64
	lastTick time.Time
	visible  bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewDurationTracker seeds localMs from any existing durations[clientID]
// value already in the document (e.g. replayed from the local log).
func NewDurationTracker(doc *document.Document, clientID string) *DurationTracker {
	dt := &DurationTracker{doc: doc, clientID: clientID, visible: true}
	if v, ok := doc.Map(document.MapDurations).Get(clientID); ok {
		if ms, ok := v.(float64); ok {
			dt.localMs = int64(ms)
		} else if ms, ok := v.(int64); ok {
			dt.localMs = ms
		}
	}
	return dt
}

// Start begins the ~1s tick loop (§4.7). Stop via Close.
func (dt *DurationTracker) Start() {
	dt.mu.Lock()
	dt.lastTick = time.Now()
	dt.stopCh = make(chan struct{})
	stop := dt.stopCh
	dt.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				dt.tick()
			case <-stop:
				return
			}
		}
	}()
}

// SetVisible toggles pause/resume: while hidden the counter does not
// advance, and lastTick is reset on resume so the hidden interval is never
// counted (§4.7 "while hidden it pauses and lastTick is reset on resume").
func (dt *DurationTracker) SetVisible(visible bool) {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.visible = visible
	if visible {
		dt.lastTick = time.Now()
	}
}

func (dt *DurationTracker) tick() {
	dt.mu.Lock()
	if !dt.visible {
		dt.mu.Unlock()
		return
	}
	now := time.Now()
	elapsed := now.Sub(dt.lastTick)
	dt.lastTick = now
	dt.localMs += elapsed.Milliseconds()
	ms := dt.localMs
	dt.mu.Unlock()

	_ = dt.doc.Set(document.MapDurations, dt.clientID, float64(ms))
}

// LocalMs returns the current local counter value.
func (dt *DurationTracker) LocalMs() int64 {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	return dt.localMs
}

// Close stops the tick loop. Idempotent.
func (dt *DurationTracker) Close() {
	dt.stopOnce.Do(func() {
		dt.mu.Lock()
		stop := dt.stopCh
		dt.mu.Unlock()
		if stop != nil {
			close(stop)
		}
	})
}

// Aggregate computes max(durations.values()) over the document's durations
// map (§3.1 invariant, §8 invariant 5).
func Aggregate(doc *document.Document) int64 {
	var max int64
	for _, v := range doc.Map(document.MapDurations).Snapshot() {
		var ms int64
		switch n := v.(type) {
		case float64:
			ms = int64(n)
		case int64:
			ms = n
		default:
			continue
		}
		if ms > max {
			max = ms
		}
	}
	return max
}
