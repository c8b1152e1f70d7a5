// Package postfsm is the lifecycle of the one post a session may be
// authoring, as a pure transition function
package postfsm

// State of post authoring
type State uint8

const (
	// Not synced yet
	None State = iota
	// Synced. A new post may be opened.
	Ready
	// Post opened. All content is still local.
	Draft
	// The server allocated the post and text streams to it
	Alloc
	// The connection dropped with a post open. Waiting for a reclaim decision.
	Halted
	// The thread is locked and accepts no new posts
	Locked
	// Unrecoverable. Requires a reload.
	Errored
)

var stateNames = [...]string{
	None:    "none",
	Ready:   "ready",
	Draft:   "draft",
	Alloc:   "alloc",
	Halted:  "halted",
	Locked:  "locked",
	Errored: "errored",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Open reports, if a post is being authored in this state
func (s State) Open() bool {
	return s == Draft || s == Alloc || s == Halted
}

type Event uint8

const (
	// Connection synced
	Sync Event = iota
	// Connection lost
	Disconnect
	// Protocol error or desync
	Error
	// The user finished the post
	Done
	// The user opened a new post
	Open
	// The echo of the allocation bound the post
	Allocated
	// The server returned ownership of the halted post
	Reclaim
	// The halted post is given up on
	Abandon
	Lock
	Unlock
)

var eventNames = [...]string{
	Sync:       "sync",
	Disconnect: "disconnect",
	Error:      "error",
	Done:       "done",
	Open:       "open",
	Allocated:  "allocated",
	Reclaim:    "reclaim",
	Abandon:    "abandon",
	Lock:       "lock",
	Unlock:     "unlock",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// Next returns the state following s on e. ok is false, if e is not valid in
// s.
func Next(s State, e Event) (next State, ok bool) {
	if e == Error {
		return Errored, s != Errored
	}

	switch s {
	case None:
		if e == Sync {
			return Ready, true
		}
	case Ready:
		switch e {
		case Open:
			return Draft, true
		case Disconnect:
			return None, true
		case Lock:
			return Locked, true
		}
	case Draft:
		switch e {
		case Allocated:
			return Alloc, true
		case Done:
			return Ready, true
		case Disconnect:
			return Halted, true
		case Lock:
			return Locked, true
		}
	case Alloc:
		switch e {
		case Done:
			return Ready, true
		case Disconnect:
			return Halted, true
		}
	case Halted:
		switch e {
		case Reclaim:
			return Alloc, true
		case Abandon:
			return Ready, true
		}
	case Locked:
		switch e {
		case Unlock:
			return Ready, true
		case Disconnect:
			return None, true
		}
	}
	return s, false
}
