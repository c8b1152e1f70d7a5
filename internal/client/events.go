package client

import (
	"threadsync/internal/protocol"
	"threadsync/internal/thread"
)

// EventKind classifies UI updates
type EventKind string

const (
	// Connection status changed
	EventStatus EventKind = "status"
	// The thread was replaced by a full reload
	EventThread EventKind = "thread"
	// A post was inserted or changed
	EventPost EventKind = "post"
	// The thread was locked or unlocked
	EventLock EventKind = "lock"
	// The authored post changed
	EventCompose EventKind = "compose"
	EventReject  EventKind = "reject"
	// Number of clients synced to the thread
	EventCount EventKind = "count"
)

// Event is a UI update produced by a session
type Event struct {
	Kind     EventKind        `json:"kind"`
	Status   string           `json:"status,omitempty"`
	Post     *thread.Post     `json:"post,omitempty"`
	Mine     bool             `json:"mine,omitempty"`
	Locked   bool             `json:"locked,omitempty"`
	Snapshot *thread.Snapshot `json:"snapshot,omitempty"`
	Compose  *ComposeState    `json:"compose,omitempty"`
	Reject   *protocol.Reject `json:"reject,omitempty"`
	Count    int              `json:"count,omitempty"`
}

// ComposeState describes the post being authored
type ComposeState struct {
	State string `json:"state"`
	ID    uint64 `json:"id,omitempty"`
	Body  string `json:"body"`
	Line  string `json:"line"`
}

// emit passes an event to the UI. Events are batched into render frames, if
// the session has a render queue.
func (s *Session) emit(e Event) {
	if s.opts.OnEvent == nil {
		return
	}
	if s.opts.Render == nil {
		s.opts.OnEvent(e)
		return
	}
	s.opts.Render.Write(func() {
		s.opts.OnEvent(e)
	})
}

func (s *Session) emitStatus() {
	s.emit(Event{Kind: EventStatus, Status: s.state.String()})
}

func (s *Session) emitCompose() {
	s.emit(Event{Kind: EventCompose, Compose: s.composeState()})
}

func (s *Session) composeState() *ComposeState {
	c := &ComposeState{State: s.postState.String()}
	if s.post != nil {
		c.ID = s.post.ID()
		c.Body = s.post.Body()
		c.Line = s.post.Line()
	}
	return c
}

// emitOp renders the posts touched by an applied operation
func (s *Session) emitOp(m protocol.Message, mine bool) {
	var ids []uint64
	switch m := m.(type) {
	case protocol.DeletePost:
		ids = m.IDs
	case protocol.Ban:
		ids = m.IDs
	case protocol.Lock:
		s.emit(Event{Kind: EventLock, Locked: m.Locked})
		return
	default:
		if id, ok := protocol.OpID(m); ok {
			ids = []uint64{id}
		}
	}
	for _, id := range ids {
		if p, ok := s.model.Post(id); ok {
			s.emit(Event{Kind: EventPost, Post: &p, Mine: mine})
		}
	}
}
