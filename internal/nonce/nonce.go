// Package nonce correlates a client's allocation requests with the server's
// broadcast of the resulting post.
package nonce

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxEntries bounds the table. The oldest entries are evicted first.
const MaxEntries = 128

var ErrMalformed = errors.New("malformed nonce")

// Nonce is a one-time token attached to an allocation request. Tab
// distinguishes concurrent sessions of one user, so two tabs never produce the
// same nonce.
type Nonce struct {
	Value string
	Tab   string
	Day   int64
}

// New creates a nonce for a tab
func New(tab string, now time.Time) Nonce {
	return Nonce{
		Value: strings.ReplaceAll(uuid.NewString(), "-", ""),
		Tab:   tab,
		Day:   Day(now),
	}
}

// Day returns the number of days since the Unix epoch in UTC
func Day(t time.Time) int64 {
	return t.Unix() / (24 * 60 * 60)
}

// String encodes the nonce as sent over the wire
func (n Nonce) String() string {
	return fmt.Sprintf("%s.%d.%s", n.Tab, n.Day, n.Value)
}

// Parse a nonce from its wire form
func Parse(s string) (n Nonce, err error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return n, ErrMalformed
	}
	n.Tab = parts[0]
	n.Value = parts[2]
	n.Day, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return n, ErrMalformed
	}
	return
}

// Match is the result of looking up an inserted post's nonce
type Match uint8

const (
	// Not one of ours
	NoMatch Match = iota
	// Allocated by the looking up tab. Bind the post.
	Own
	// Allocated by another tab of the same user. The post is ours, but some
	// other tab is editing it.
	Sibling
)

// Store persists nonces, so they survive restarts and are visible to all tabs
type Store interface {
	LoadNonces() ([]Nonce, error)
	SaveNonce(Nonce) error
	DeleteNonce(key string) error
}

// Table maps pending nonces to "this post is mine". Safe for concurrent use by
// several tabs.
type Table struct {
	mu    sync.Mutex
	store Store
	set   map[string]Nonce
	order []string
}

// NewTable creates a table and loads any persisted nonces. store may be nil.
func NewTable(store Store) (*Table, error) {
	t := &Table{
		store: store,
		set:   make(map[string]Nonce),
	}
	if store == nil {
		return t, nil
	}
	loaded, err := store.LoadNonces()
	if err != nil {
		return nil, fmt.Errorf("loading nonces: %w", err)
	}
	for _, n := range loaded {
		t.insert(n)
	}
	return t, nil
}

// Add registers a nonce, before the request carrying it is sent
func (t *Table) Add(n Nonce) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, evicted := range t.insert(n) {
		if err := t.remove(evicted); err != nil {
			return err
		}
	}
	if t.store != nil {
		return t.store.SaveNonce(n)
	}
	return nil
}

// Insert into the in-memory set and return the keys evicted to stay in bounds
func (t *Table) insert(n Nonce) (evicted []string) {
	key := n.String()
	if _, ok := t.set[key]; !ok {
		t.order = append(t.order, key)
	}
	t.set[key] = n
	for len(t.order) > MaxEntries {
		evicted = append(evicted, t.order[0])
		t.order = t.order[1:]
	}
	for _, k := range evicted {
		delete(t.set, k)
	}
	return
}

// Match looks up the nonce of a broadcast post on behalf of tab. A found nonce
// is consumed, so any later Insert carrying it is treated as someone else's.
func (t *Table) Match(key, tab string) Match {
	if key == "" {
		return NoMatch
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.set[key]
	if !ok {
		return NoMatch
	}
	t.forget(key)
	t.remove(key)
	if n.Tab == tab {
		return Own
	}
	return Sibling
}

// Evict drops a nonce without matching it. A late echo of its allocation is
// then ignored.
func (t *Table) Evict(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.set[key]; !ok {
		return nil
	}
	t.forget(key)
	return t.remove(key)
}

// Has reports, if the nonce is still pending
func (t *Table) Has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.set[key]
	return ok
}

// Sweep removes all nonces created before today and returns their number
func (t *Table) Sweep(today int64) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stale []string
	for _, k := range t.order {
		if t.set[k].Day < today {
			stale = append(stale, k)
		}
	}
	for _, k := range stale {
		t.forget(k)
		if e := t.remove(k); e != nil && err == nil {
			err = e
		}
	}
	return len(stale), err
}

// Len returns the number of pending nonces
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.set)
}

func (t *Table) forget(key string) {
	delete(t.set, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *Table) remove(key string) error {
	if t.store == nil {
		return nil
	}
	return t.store.DeleteNonce(key)
}
