package presence

import "sync"

// Change reports which client ids were added to or removed from the
// awareness set since the last event (§4.6 "join/leave notifications").
type Change struct {
	Added   []string
	Removed []string
}

// Directory tracks the nickname last seen for every client id the local
// peer has ever observed in awareness, because the transport layer deletes
// an awareness entry before firing the "removed" change event — without a
// side record there would be no name left to say "X left" with (§4.6).
//
// It also re-arms an initial-load suppression window so a full transport
// teardown/reattach does not replay spurious join notifications for peers
// who were already present (§9 "reconnects must not trigger spurious join
// notifications").
type Directory struct {
	mu          sync.Mutex
	nicknames   map[string]string
	initialLoad bool
}

// NewDirectory constructs a Directory in the initial-load state: the next
// batch of Observe additions is treated as "already present" and produces
// no join notifications.
func NewDirectory() *Directory {
	return &Directory{nicknames: make(map[string]string), initialLoad: true}
}

// Rearm re-enters the initial-load state, called on every full transport
// teardown (§9).
func (d *Directory) Rearm() {
	d.mu.Lock()
	d.initialLoad = true
	d.mu.Unlock()
}

// Remember records clientID's current nickname, called whenever an
// awareness update for that client is observed.
func (d *Directory) Remember(clientID, nickname string) {
	d.mu.Lock()
	d.nicknames[clientID] = nickname
	d.mu.Unlock()
}

// LastKnownNickname returns the most recently observed nickname for
// clientID, or "" if none was ever recorded.
func (d *Directory) LastKnownNickname(clientID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nicknames[clientID]
}

// Forget drops clientID's remembered nickname once its "left" notification
// has been rendered.
func (d *Directory) Forget(clientID string) {
	d.mu.Lock()
	delete(d.nicknames, clientID)
	d.mu.Unlock()
}

// Observe converts a raw awareness Change into the notifications the UI
// should actually show: additions are suppressed entirely during the first
// batch after construction or a Rearm (peers already present when this
// client connected), and every following add/remove is reported.
func (d *Directory) Observe(change Change) Change {
	d.mu.Lock()
	suppress := d.initialLoad
	d.initialLoad = false
	d.mu.Unlock()

	if !suppress {
		return change
	}
	return Change{Removed: change.Removed}
}
