package document

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

// Map names, one per row of §3.1.
const (
	MapEntries   = "entries"
	MapVerified  = "verified"
	MapErrors    = "errors"
	MapSettings  = "settings"
	MapDurations = "durations"
	MapPuzzle    = "puzzle"
)

var mapNames = []string{MapEntries, MapVerified, MapErrors, MapSettings, MapDurations, MapPuzzle}

var updatesBucket = []byte("updates")

// VerifiedChecked and VerifiedRevealed are the only legal values of the
// verified map (§3.1).
const (
	VerifiedChecked  = "checked"
	VerifiedRevealed = "revealed"
)

// Document is one puzzle's replicated state: the six LWW maps of §3.1, a
// local durable log, and the observer fan-out that drives both the UI
// mirror and the peer transport's sync pipeline.
type Document struct {
	PuzzleID string
	NodeID   string

	maps map[string]*LWWMap

	clockMu sync.Mutex
	counter uint64

	obsMu     sync.RWMutex
	observers []Observer

	db       *bbolt.DB
	memOnly  int32 // atomic bool: 1 if durable storage is unavailable
	ready    chan struct{}
	readyOne sync.Once

	closeOnce sync.Once
}

// Option configures Document construction.
type Option func(*Document)

// WithNodeID returns an Option that sets the writer id used to stamp a
// Document's writes. Open takes no Options; it uses its nodeID argument.
func WithNodeID(nodeID string) Option {
	return func(d *Document) { d.NodeID = nodeID }
}

// Open constructs (or reopens) the document for puzzleID, replaying its
// durable log before Ready() closes. dir is the directory holding
// "puzzle-{puzzleId}.db" (§6.3). If the database cannot be opened, the
// document still becomes ready immediately in memory-only mode and a
// non-nil warning error is returned alongside a usable *Document (§4.1
// failure model: "document construction never fails except... in which
// case the document still operates in memory-only mode").
func Open(dir, puzzleID, nodeID string) (*Document, error) {
	d := &Document{
		PuzzleID: puzzleID,
		NodeID:   nodeID,
		maps:     make(map[string]*LWWMap, len(mapNames)),
		ready:    make(chan struct{}),
	}
	for _, name := range mapNames {
		d.maps[name] = newLWWMap(name)
	}

	path := fmt.Sprintf("%s/puzzle-%s.db", dir, puzzleID)
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		d.enterMemoryOnly()
		return d, fmt.Errorf("document: durable storage unavailable, running memory-only: %w", err)
	}
	d.db = db

	if err := d.replay(); err != nil {
		d.closeDB()
		d.enterMemoryOnly()
		return d, fmt.Errorf("document: replay failed, running memory-only: %w", err)
	}

	d.readyOne.Do(func() { close(d.ready) })
	return d, nil
}

func (d *Document) enterMemoryOnly() {
	atomic.StoreInt32(&d.memOnly, 1)
	d.readyOne.Do(func() { close(d.ready) })
}

// Ready resolves once durable state (if any) has been replayed into memory.
// The peer transport must only attach after Ready (§4.1): attaching earlier
// would advertise an empty state vector and trigger redundant full resync.
func (d *Document) Ready() <-chan struct{} { return d.ready }

// MemoryOnly reports whether durable persistence is unavailable for this
// document instance.
func (d *Document) MemoryOnly() bool { return atomic.LoadInt32(&d.memOnly) == 1 }

func (d *Document) replay() error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(updatesBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			var op Op
			if err := json.Unmarshal(v, &op); err != nil {
				return nil // corrupt record: skip rather than fail the whole replay
			}
			d.applyLocal(op, false)
			if op.Stamp.Counter > d.counter {
				d.counter = op.Stamp.Counter
			}
			return nil
		})
	})
}

// nextStamp issues the next Lamport stamp for a local write.
func (d *Document) nextStamp() Stamp {
	d.clockMu.Lock()
	d.counter++
	c := d.counter
	d.clockMu.Unlock()
	return Stamp{Counter: c, NodeID: d.NodeID}
}

// Observe advances the clock so a later local write always postdates any
// remote stamp seen so far, preserving causal order across sync.
func (d *Document) observe(stamp Stamp) {
	d.clockMu.Lock()
	if stamp.Counter > d.counter {
		d.counter = stamp.Counter
	}
	d.clockMu.Unlock()
}

// Map returns the named LWW map for direct reads.
func (d *Document) Map(name string) *LWWMap { return d.maps[name] }

// Watch registers an observer fired synchronously after every applied
// write, local or remote. Re-entrant calls to Set from within a callback
// are allowed (§9): delivery holds no lock.
func (d *Document) Watch(obs Observer) (unsubscribe func()) {
	d.obsMu.Lock()
	idx := len(d.observers)
	d.observers = append(d.observers, obs)
	d.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.obsMu.Lock()
			defer d.obsMu.Unlock()
			d.observers[idx] = nil
		})
	}
}

func (d *Document) notify(mapName, key string, value any) {
	d.obsMu.RLock()
	obs := make([]Observer, len(d.observers))
	copy(obs, d.observers)
	d.obsMu.RUnlock()
	for _, o := range obs {
		if o != nil {
			o(mapName, key, value)
		}
	}
}

// Set writes value to key in the named map under a fresh local stamp,
// appends the op to the durable log, and fires observers.
func (d *Document) Set(mapName, key string, value any) error {
	if mapName == MapVerified {
		return d.setVerified(key, value)
	}
	stamp := d.nextStamp()
	op := Op{Map: mapName, Key: key, Value: value, Stamp: stamp}
	return d.commit(op)
}

// setVerified refuses to overwrite an already-verified cell: once verified,
// re-checks are no-ops (§4.1 "verified-cell lock").
func (d *Document) setVerified(key string, value any) error {
	if d.maps[MapVerified].Has(key) {
		return nil
	}
	stamp := d.nextStamp()
	return d.commit(Op{Map: MapVerified, Key: key, Value: value, Stamp: stamp})
}

// SetEntry writes an entries[k] letter, refusing the write if the cell is
// already verified (§4.1: "the UI must refuse to mutate any entries[k]
// where verified[k] exists").
func (d *Document) SetEntry(key, letter string) error {
	if d.maps[MapVerified].Has(key) {
		return nil
	}
	return d.Set(MapEntries, key, letter)
}

// Check marks key correct if its current entry matches solutionLetter:
// verified[k]="checked" and errors[k] is cleared. A mismatch instead sets
// errors[k]=true. Already-verified cells are no-ops (§4.1).
func (d *Document) Check(key, solutionLetter string) error {
	if d.maps[MapVerified].Has(key) {
		return nil
	}
	v, _ := d.maps[MapEntries].Get(key)
	letter, _ := v.(string)
	if letter == solutionLetter && letter != "" {
		if err := d.setVerified(key, VerifiedChecked); err != nil {
			return err
		}
		return d.clearError(key)
	}
	return d.Set(MapErrors, key, true)
}

// Reveal overwrites entries[k] with the solution letter and marks the cell
// verified="revealed", clearing any prior error (§4.1).
func (d *Document) Reveal(key, solutionLetter string) error {
	if d.maps[MapVerified].Has(key) {
		return nil
	}
	if err := d.Set(MapEntries, key, solutionLetter); err != nil {
		return err
	}
	if err := d.setVerified(key, VerifiedRevealed); err != nil {
		return err
	}
	return d.clearError(key)
}

func (d *Document) clearError(key string) error {
	if !d.maps[MapErrors].Has(key) {
		return nil
	}
	stamp := d.nextStamp()
	return d.commit(Op{Map: MapErrors, Key: key, Value: nil, Stamp: stamp})
}

// commit applies op locally, persists it, and notifies observers.
func (d *Document) commit(op Op) error {
	if !d.applyLocal(op, true) {
		return nil
	}
	if d.db != nil && !d.MemoryOnly() {
		if err := d.appendLog(op); err != nil {
			return err
		}
	}
	d.notify(op.Map, op.Key, op.Value)
	return nil
}

// applyLocal merges op into its map, returning whether it won. When
// advanceClock is true (live writes: local commits and remote ops arriving
// via sync) the local clock is advanced to preserve causal order for
// subsequent local writes; replay passes false and tracks the counter itself.
func (d *Document) applyLocal(op Op, advanceClock bool) bool {
	m, ok := d.maps[op.Map]
	if !ok {
		return false
	}
	if advanceClock {
		d.observe(op.Stamp)
	}
	deleted := op.Value == nil
	return m.apply(op.Key, op.Value, op.Stamp, deleted)
}

// Apply merges a remote op (received over the peer transport) into this
// document, the inverse of Export. Used by the sync pipeline (§4.4).
func (d *Document) Apply(op Op) error {
	if !d.applyLocal(op, true) {
		return nil
	}
	if d.db != nil && !d.MemoryOnly() {
		if err := d.appendLog(op); err != nil {
			return err
		}
	}
	d.notify(op.Map, op.Key, op.Value)
	return nil
}

func (d *Document) appendLog(op Op) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(updatesBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v & 0xff)
		v >>= 8
	}
	return b
}

// Reset clears all in-memory maps and, if durable, truncates the log —
// "destroyed only on explicit reset puzzle" (§3.1 lifecycle).
func (d *Document) Reset() error {
	for _, name := range mapNames {
		d.maps[name] = newLWWMap(name)
	}
	d.clockMu.Lock()
	d.counter = 0
	d.clockMu.Unlock()
	if d.db == nil || d.MemoryOnly() {
		return nil
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(updatesBucket); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(updatesBucket)
		return err
	})
}

func (d *Document) closeDB() {
	if d.db != nil {
		d.db.Close()
		d.db = nil
	}
}

// Close tears down the document's storage handle. Idempotent (§5
// cancellation: "destroying an already-destroyed document... is a no-op").
func (d *Document) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.db != nil {
			err = d.db.Close()
			d.db = nil
		}
	})
	return err
}
