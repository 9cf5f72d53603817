// Package session tracks the single free-text input each user is expected to
// send next. State lives in memory only and is lost on restart.
package session

import "sync"

// Tag identifies what a user's next plain-text message means.
type Tag int

const (
	// Idle means no continuation is pending.
	Idle Tag = iota
	// AwaitingCode means the next text is script source for a submission.
	AwaitingCode
	// AwaitingBroadcast means the next text is a broadcast message.
	AwaitingBroadcast
	// AwaitingPremiumTarget means the next text is a user id to upgrade.
	AwaitingPremiumTarget
)

func (t Tag) String() string {
	switch t {
	case Idle:
		return "idle"
	case AwaitingCode:
		return "awaiting_code"
	case AwaitingBroadcast:
		return "awaiting_broadcast"
	case AwaitingPremiumTarget:
		return "awaiting_premium_target"
	default:
		return "unknown"
	}
}

// State is one user's conversation state. Holding a single tag rather than a
// set of flags keeps the pending expectations mutually exclusive.
type State struct {
	Tag Tag
}

// Await replaces any pending expectation with tag.
func (s *State) Await(tag Tag) {
	s.Tag = tag
}

// Reset clears the pending expectation.
func (s *State) Reset() {
	s.Tag = Idle
}

// Is reports whether the state currently carries tag.
func (s State) Is(tag Tag) bool {
	return s.Tag == tag
}

// Tracker maps user ids to their conversation state. It is safe for
// concurrent use.
type Tracker struct {
	mu     sync.Mutex
	states map[int64]State
}

// NewTracker constructs an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[int64]State)}
}

// Get returns the state for userID, Idle when none is recorded.
func (t *Tracker) Get(userID int64) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.states[userID]
}

// Put stores state for userID. Idle states are dropped from the map.
func (t *Tracker) Put(userID int64, state State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if state.Tag == Idle {
		delete(t.states, userID)
		return
	}
	t.states[userID] = state
}

// Reset clears any pending expectation for userID.
func (t *Tracker) Reset(userID int64) {
	t.Put(userID, State{})
}

// Len reports how many users have a pending expectation.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.states)
}
