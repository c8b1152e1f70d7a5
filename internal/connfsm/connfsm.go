// Package connfsm is the client's connection lifecycle as a pure transition
// function. Callers perform the side effects of a transition after it.
package connfsm

// State of the connection to the server
type State uint8

const (
	Loading State = iota
	Connecting
	Syncing
	Synced
	Dropped
	Reconnecting
	// Terminal. Only a full reload recovers.
	Desynced
)

var stateNames = [...]string{
	Loading:      "loading",
	Connecting:   "connecting",
	Syncing:      "syncing",
	Synced:       "synced",
	Dropped:      "dropped",
	Reconnecting: "reconnecting",
	Desynced:     "desynced",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Event fed to the state machine
type Event uint8

const (
	// Session started
	Start Event = iota
	// Transport opened
	Open
	// Transport closed or failed. Also fed, when the liveness timer fires.
	Close
	// Backoff elapsed or connectivity regained
	Retry
	// The server reported a protocol violation
	Error
	// The server answered the synchronisation request
	Sync
)

var eventNames = [...]string{
	Start: "start",
	Open:  "open",
	Close: "close",
	Retry: "retry",
	Error: "error",
	Sync:  "sync",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// Next returns the state following s on event e. online is the current
// network reachability. ok is false, if the event causes no transition, in
// which case no side effects must be run.
func Next(s State, e Event, online bool) (next State, ok bool) {
	if s == Desynced {
		return s, false
	}

	switch e {
	case Error:
		return Desynced, true
	case Close:
		if s == Dropped {
			return s, false
		}
		return Dropped, true
	}

	switch s {
	case Loading:
		if e == Start {
			return Connecting, true
		}
	case Connecting, Reconnecting:
		if e == Open {
			return Syncing, true
		}
	case Syncing:
		if e == Sync {
			return Synced, true
		}
	case Dropped:
		if e == Retry && online {
			return Reconnecting, true
		}
	}
	return s, false
}
