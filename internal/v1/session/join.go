package session

// Outcome is the result of resolving a join request against local state
// (§4.5 "join protocol"). Kept as a pure function of three facts so it is
// exhaustively unit-testable without any I/O.
type Outcome int

const (
	// DirectAttach: local timeline matches the shared one, or there is no
	// local timeline and no local progress to lose. Join (P, T) directly.
	DirectAttach Outcome = iota
	// Collision: local progress exists under a different timeline. The
	// caller must present the three-way choice (merge / fresh-start /
	// cancel) to the user.
	Collision
	// Bootstrap: no local puzzle payload at all for P. Attach to (P, T)
	// and wait for puzzle["data"] to arrive via sync.
	Bootstrap
)

func (o Outcome) String() string {
	switch o {
	case DirectAttach:
		return "direct_attach"
	case Collision:
		return "collision"
	case Bootstrap:
		return "bootstrap"
	default:
		return "unknown"
	}
}

// Resolve implements §4.5 step 3's case analysis:
//
//   - localTimeline == sharedTimeline, or localTimeline == "" with no local
//     progress: DirectAttach.
//   - hasLocalProgress and localTimeline != sharedTimeline: Collision.
//   - no local puzzle payload at all (hasLocalPuzzle == false): Bootstrap.
//
// hasLocalPuzzle takes priority over the timeline comparison: a joiner who
// has never opened this puzzle id locally has no progress to collide with,
// only a bootstrap to perform.
func Resolve(localTimeline, sharedTimeline string, hasLocalProgress, hasLocalPuzzle bool) Outcome {
	if !hasLocalPuzzle {
		return Bootstrap
	}
	if localTimeline == sharedTimeline {
		return DirectAttach
	}
	if localTimeline == "" && !hasLocalProgress {
		return DirectAttach
	}
	if hasLocalProgress {
		return Collision
	}
	return DirectAttach
}

// Resolution is the user's explicit choice when Resolve returns Collision
// (§4.5).
type Resolution int

const (
	// Merge attaches to (P, T) and lets the CRDT union the two histories.
	Merge Resolution = iota
	// FreshStart wipes local progress for P, then attaches to (P, T).
	FreshStart
	// Cancel aborts the join, leaving the user in the library view.
	Cancel
)

// Plan describes what the caller must do to carry out a Resolution: whether
// to wipe the local document/log before attaching, and the timeline id the
// local {puzzleId -> timelineId} mapping should be updated to.
type Plan struct {
	WipeLocal       bool
	AttachTimeline  string
	UpdateTimeline  bool
	Abort           bool
}

// Plan converts a Collision decision into concrete actions (§4.5
// "choosing merge results in the union... choosing fresh-start wipes local
// updates for that puzzle before attaching").
func (r Resolution) Plan(sharedTimeline string) Plan {
	switch r {
	case Merge:
		return Plan{AttachTimeline: sharedTimeline, UpdateTimeline: true}
	case FreshStart:
		return Plan{WipeLocal: true, AttachTimeline: sharedTimeline, UpdateTimeline: true}
	default:
		return Plan{Abort: true}
	}
}
