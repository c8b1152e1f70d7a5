package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"threadsync/internal/protocol"
	"threadsync/internal/store"
	"threadsync/internal/thread"
)

// memPosts keeps posts in memory
type memPosts struct {
	mu       sync.Mutex
	next     uint64
	posts    map[uint64]*store.Post
	threads  map[uint64]bool
	sessions map[string]store.Capability
}

func newMemPosts() *memPosts {
	return &memPosts{
		posts:    make(map[uint64]*store.Post),
		threads:  make(map[uint64]bool),
		sessions: make(map[string]store.Capability),
	}
}

// addThread creates a thread with a closed opening post
func (m *memPosts) addThread(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[id] = false
	m.posts[id] = &store.Post{ID: id, Thread: id, Body: "op"}
	if id > m.next {
		m.next = id
	}
}

func (m *memPosts) ThreadLocked(_ context.Context, id uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	locked, ok := m.threads[id]
	if !ok {
		return false, store.ErrNotFound
	}
	return locked, nil
}

func (m *memPosts) Insert(_ context.Context, np store.NewPost) (uint64, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := m.next
	th := np.Parent
	if th == 0 {
		th = id
		m.threads[id] = false
	}
	m.posts[id] = &store.Post{
		ID:       id,
		Thread:   th,
		Time:     np.Time,
		Body:     np.Body,
		Name:     np.Name,
		Password: np.Password,
		IP:       np.IP,
		Image:    np.Image,
		Editing:  true,
	}
	return id, th, nil
}

func (m *memPosts) Post(_ context.Context, id uint64) (store.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return store.Post{}, store.ErrNotFound
	}
	return *p, nil
}

func (m *memPosts) update(id uint64, fn func(p *store.Post)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.posts[id]; ok {
		fn(p)
	}
	return nil
}

func (m *memPosts) SetBody(_ context.Context, id uint64, body string) error {
	return m.update(id, func(p *store.Post) {
		if p.Editing {
			p.Body = body
		}
	})
}

func (m *memPosts) SetImage(_ context.Context, id uint64, img protocol.Image) error {
	return m.update(id, func(p *store.Post) { p.Image = &img })
}

func (m *memPosts) SetSpoiler(_ context.Context, id uint64) error {
	return m.update(id, func(p *store.Post) {
		if p.Image != nil {
			img := *p.Image
			img.Spoiler = true
			p.Image = &img
		}
	})
}

func (m *memPosts) Close(_ context.Context, id uint64) error {
	return m.update(id, func(p *store.Post) { p.Editing = false })
}

func (m *memPosts) Delete(_ context.Context, ids []uint64) error {
	for _, id := range ids {
		m.update(id, func(p *store.Post) { p.Deleted = true })
	}
	return nil
}

func (m *memPosts) Ban(_ context.Context, ids []uint64) error {
	for _, id := range ids {
		m.update(id, func(p *store.Post) { p.Banned = true })
	}
	return nil
}

func (m *memPosts) SetLocked(_ context.Context, id uint64, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[id] = locked
	return nil
}

func (m *memPosts) Threads(_ context.Context, ids []uint64) (map[uint64]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]uint64)
	for _, id := range ids {
		if p, ok := m.posts[id]; ok {
			out[id] = p.Thread
		}
	}
	return out, nil
}

func (m *memPosts) ExpiredOpen(_ context.Context, before time.Time) ([]store.OpenRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.OpenRef
	for _, p := range m.posts {
		if p.Editing && p.Time < before.Unix() {
			out = append(out, store.OpenRef{ID: p.ID, Thread: p.Thread})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memPosts) Snapshot(_ context.Context, id uint64) (bool, []thread.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	locked, ok := m.threads[id]
	if !ok && id != thread.IndexID {
		return false, nil, store.ErrNotFound
	}
	var out []thread.Post
	for _, p := range m.posts {
		if (id == thread.IndexID && p.ID == p.Thread) || (id != thread.IndexID && p.Thread == id) {
			out = append(out, p.Public())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return locked, out, nil
}

func (m *memPosts) Capability(_ context.Context, token string) (store.Capability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[token], nil
}

func (m *memPosts) body(id uint64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posts[id].Body
}
