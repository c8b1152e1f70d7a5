// Package thread is the client's model of a synced thread. It applies logged
// operations strictly in order and tracks how many it has seen.
package thread

import (
	"errors"
	"fmt"

	"threadsync/internal/body"
	"threadsync/internal/protocol"
)

// IndexID is the resource id of the thread index. Its log carries the opening
// post of every thread.
const IndexID = 0

var ErrUnknownPost = errors.New("unknown post")

// Post as known to a client
type Post struct {
	ID      uint64          `json:"id"`
	Thread  uint64          `json:"thread"`
	Time    int64           `json:"time"`
	Body    string          `json:"body"`
	Name    string          `json:"name,omitempty"`
	Image   *protocol.Image `json:"image,omitempty"`
	Editing bool            `json:"editing,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Banned  bool            `json:"banned,omitempty"`
}

// Snapshot is the full state of a thread at a counter. Served for initial
// loads and full reloads after a desync.
type Snapshot struct {
	Thread uint64 `json:"thread"`
	Ctr    uint64 `json:"ctr"`
	Locked bool   `json:"locked,omitempty"`
	Posts  []Post `json:"posts"`
}

// Thread is not safe for concurrent use
type Thread struct {
	id      uint64
	counter uint64
	locked  bool
	posts   map[uint64]*Post
	order   []uint64
}

// New creates an empty thread at counter 0
func New(id uint64) *Thread {
	return &Thread{
		id:    id,
		posts: make(map[uint64]*Post),
	}
}

// FromSnapshot creates a thread from a full snapshot
func FromSnapshot(s Snapshot) *Thread {
	t := New(s.Thread)
	t.Replace(s)
	return t
}

// Replace discards all local state and adopts the snapshot
func (t *Thread) Replace(s Snapshot) {
	t.id = s.Thread
	t.counter = s.Ctr
	t.locked = s.Locked
	t.posts = make(map[uint64]*Post, len(s.Posts))
	t.order = t.order[:0]
	for i := range s.Posts {
		p := s.Posts[i]
		t.posts[p.ID] = &p
		t.order = append(t.order, p.ID)
	}
}

// Snapshot returns a deep copy of the thread's state
func (t *Thread) Snapshot() Snapshot {
	s := Snapshot{
		Thread: t.id,
		Ctr:    t.counter,
		Locked: t.locked,
		Posts:  make([]Post, 0, len(t.order)),
	}
	for _, id := range t.order {
		p := *t.posts[id]
		if p.Image != nil {
			img := *p.Image
			p.Image = &img
		}
		s.Posts = append(s.Posts, p)
	}
	return s
}

func (t *Thread) ID() uint64 {
	return t.id
}

// Counter is the number of logged operations applied
func (t *Thread) Counter() uint64 {
	return t.counter
}

func (t *Thread) Locked() bool {
	return t.locked
}

// Post returns a post by id
func (t *Thread) Post(id uint64) (Post, bool) {
	p, ok := t.posts[id]
	if !ok {
		return Post{}, false
	}
	return *p, true
}

// Len returns the number of posts
func (t *Thread) Len() int {
	return len(t.order)
}

// ApplyAt applies the operation with log sequence number seq. Operations
// already applied are skipped and reported as false, so overlapping backlog
// and live delivery is harmless. A gap is an error.
func (t *Thread) ApplyAt(seq uint64, m protocol.Message) (bool, error) {
	switch {
	case seq < t.counter:
		return false, nil
	case seq > t.counter:
		return false, fmt.Errorf("thread %d: op %d applied at counter %d", t.id, seq, t.counter)
	}
	return true, t.Apply(m)
}

// Apply applies the next operation of the thread's log. Messages that do not
// mutate thread state are ignored. The counter is advanced even when applying
// fails, as the operation is still part of the log.
func (t *Thread) Apply(m protocol.Message) error {
	if !m.Type().Mutates() {
		return nil
	}
	t.counter++

	switch m := m.(type) {
	case protocol.Insert:
		if _, ok := t.posts[m.ID]; ok {
			return nil
		}
		t.posts[m.ID] = &Post{
			ID:      m.ID,
			Thread:  m.Thread,
			Time:    m.Time,
			Body:    m.Body,
			Name:    m.Name,
			Image:   m.Image,
			Editing: true,
		}
		t.order = append(t.order, m.ID)
		return nil
	case protocol.Lock:
		t.locked = m.Locked
		return nil
	case protocol.DeletePost:
		for _, id := range m.IDs {
			if p, ok := t.posts[id]; ok {
				p.Deleted = true
			}
		}
		return nil
	case protocol.Ban:
		for _, id := range m.IDs {
			if p, ok := t.posts[id]; ok {
				p.Banned = true
			}
		}
		return nil
	}

	id, _ := protocol.OpID(m)
	p, ok := t.posts[id]
	if !ok {
		return fmt.Errorf("%s on post %d: %w", m.Type(), id, ErrUnknownPost)
	}
	return applyToPost(p, m)
}

func applyToPost(p *Post, m protocol.Message) (err error) {
	switch m := m.(type) {
	case protocol.Append:
		p.Body += m.Text
	case protocol.Backspace:
		p.Body, err = body.Backspace(p.Body)
	case protocol.Splice:
		p.Body, err = body.Splice(p.Body, m.Start, m.Len, m.Text)
	case protocol.Finish:
		p.Editing = false
	case protocol.InsertImage:
		p.Image = m.Image
	case protocol.Spoiler:
		if p.Image != nil {
			img := *p.Image
			img.Spoiler = true
			p.Image = &img
		}
	}
	if err != nil {
		err = fmt.Errorf("%s on post %d: %w", m.Type(), p.ID, err)
	}
	return
}
