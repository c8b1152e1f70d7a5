package nonce

import (
	"fmt"
	"testing"
	"time"
)

type memStore struct {
	saved map[string]Nonce
}

func (m *memStore) LoadNonces() ([]Nonce, error) {
	out := make([]Nonce, 0, len(m.saved))
	for _, n := range m.saved {
		out = append(out, n)
	}
	return out, nil
}

func (m *memStore) SaveNonce(n Nonce) error {
	m.saved[n.String()] = n
	return nil
}

func (m *memStore) DeleteNonce(key string) error {
	delete(m.saved, key)
	return nil
}

func TestParse(t *testing.T) {
	n := New("tab1", time.Unix(3*86400+5, 0))
	if n.Day != 3 {
		t.Errorf("expected day 3, got %d", n.Day)
	}
	parsed, err := Parse(n.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != n {
		t.Errorf("expected %v, got %v", n, parsed)
	}

	for _, s := range []string{"", "abc123", "a.b.c", "a..c", ".1.c"} {
		if _, err := Parse(s); err != ErrMalformed {
			t.Errorf("%q: expected ErrMalformed, got %v", s, err)
		}
	}
}

func TestMatchConsumesOnce(t *testing.T) {
	table, err := NewTable(nil)
	if err != nil {
		t.Fatal(err)
	}
	n := Nonce{Value: "abc123", Tab: "a", Day: 1}
	if err := table.Add(n); err != nil {
		t.Fatal(err)
	}

	if m := table.Match(n.String(), "a"); m != Own {
		t.Errorf("expected Own, got %d", m)
	}
	if m := table.Match(n.String(), "a"); m != NoMatch {
		t.Errorf("second insert with the same nonce bound again: %d", m)
	}
	if m := table.Match("", "a"); m != NoMatch {
		t.Errorf("empty nonce matched: %d", m)
	}
}

func TestMatchOtherTab(t *testing.T) {
	table, _ := NewTable(nil)
	a := New("a", time.Now())
	b := New("b", time.Now())
	table.Add(a)
	table.Add(b)

	if a.String() == b.String() {
		t.Fatal("nonces of distinct tabs collide")
	}
	if m := table.Match(b.String(), "a"); m != Sibling {
		t.Errorf("expected Sibling, got %d", m)
	}
	if m := table.Match(a.String(), "a"); m != Own {
		t.Errorf("expected Own, got %d", m)
	}
}

func TestEvict(t *testing.T) {
	table, _ := NewTable(nil)
	n := New("a", time.Now())
	table.Add(n)
	if err := table.Evict(n.String()); err != nil {
		t.Fatal(err)
	}
	if m := table.Match(n.String(), "a"); m != NoMatch {
		t.Errorf("late echo of evicted nonce matched: %d", m)
	}
}

func TestBound(t *testing.T) {
	store := &memStore{saved: make(map[string]Nonce)}
	table, _ := NewTable(store)
	var first Nonce
	for i := 0; i < MaxEntries+10; i++ {
		n := Nonce{Value: fmt.Sprint(i), Tab: "a", Day: 1}
		if i == 0 {
			first = n
		}
		if err := table.Add(n); err != nil {
			t.Fatal(err)
		}
	}
	if l := table.Len(); l != MaxEntries {
		t.Errorf("expected %d entries, got %d", MaxEntries, l)
	}
	if len(store.saved) != MaxEntries {
		t.Errorf("expected store to hold %d entries, got %d", MaxEntries, len(store.saved))
	}
	if table.Has(first.String()) {
		t.Error("oldest nonce not evicted")
	}
}

func TestSweepAndPersistence(t *testing.T) {
	store := &memStore{saved: make(map[string]Nonce)}
	table, _ := NewTable(store)
	old := Nonce{Value: "x", Tab: "a", Day: 9}
	fresh := Nonce{Value: "y", Tab: "a", Day: 10}
	table.Add(old)
	table.Add(fresh)

	n, err := table.Sweep(10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept, got %d", n)
	}

	reloaded, err := NewTable(store)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Has(old.String()) || !reloaded.Has(fresh.String()) {
		t.Error("persisted state does not match sweep")
	}
}
