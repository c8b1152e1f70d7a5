package localstore

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"threadsync/internal/nonce"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNonces(t *testing.T) {
	s := openTemp(t)
	table, err := nonce.NewTable(s)
	if err != nil {
		t.Fatal(err)
	}
	a := nonce.New("a", time.Now())
	b := nonce.New("b", time.Now())
	table.Add(a)
	table.Add(b)
	table.Match(a.String(), "a")

	loaded, err := s.LoadNonces()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0] != b {
		t.Errorf("expected only %v persisted, got %v", b, loaded)
	}
}

func TestMine(t *testing.T) {
	s := openTemp(t)
	if err := s.MarkMine(42, 10); err != nil {
		t.Fatal(err)
	}
	mine, err := s.IsMine(42)
	if err != nil {
		t.Fatal(err)
	}
	if !mine {
		t.Error("post not recorded as mine")
	}
	if mine, _ := s.IsMine(43); mine {
		t.Error("unknown post reported as mine")
	}
}

func TestOpenPost(t *testing.T) {
	s := openTemp(t)
	if _, ok, err := s.LoadOpen("a"); err != nil || ok {
		t.Fatalf("unexpected open post: %v %v", ok, err)
	}

	p := OpenPost{
		ID:       42,
		Thread:   10,
		Body:     "Hello",
		Password: "secret",
		Opened:   time.Unix(1000, 0).UTC(),
	}
	if err := s.SaveOpen("a", p); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.LoadOpen("a")
	if err != nil || !ok {
		t.Fatalf("open post not loaded: %v", err)
	}
	if got.ID != p.ID || got.Thread != p.Thread || got.Body != p.Body ||
		got.Password != p.Password || !got.Opened.Equal(p.Opened) {
		t.Errorf("expected %#v, got %#v", p, got)
	}

	if err := s.ClearOpen("a"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.LoadOpen("a"); ok {
		t.Error("open post not cleared")
	}
}

func TestTabID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.TabID("agent1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, "agent1-") || len(id) == len("agent1-") {
		t.Fatalf("unexpected id %q", id)
	}
	s.Close()

	// Kept across restarts
	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	again, err := s.TabID("agent1")
	if err != nil {
		t.Fatal(err)
	}
	if again != id {
		t.Errorf("expected %q, got %q", id, again)
	}

	other := openTemp(t)
	fresh, err := other.TabID("agent1")
	if err != nil {
		t.Fatal(err)
	}
	if fresh == id {
		t.Errorf("separate stores share tab id %q", id)
	}
}
