package compose

import (
	"errors"
	"testing"
	"time"

	"threadsync/internal/nonce"
	"threadsync/internal/protocol"
	"threadsync/internal/thread"
)

func newTable(t *testing.T) *nonce.Table {
	t.Helper()
	table, err := nonce.NewTable(nil)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

// Stand in for the server: turn an allocation into the broadcast Insert
func echo(t *testing.T, msgs []protocol.Message, id uint64) protocol.Insert {
	t.Helper()
	if len(msgs) != 1 {
		t.Fatalf("expected one allocation request, got %#v", msgs)
	}
	a, ok := msgs[0].(protocol.Allocate)
	if !ok {
		t.Fatalf("expected Allocate, got %T", msgs[0])
	}
	return protocol.Insert{
		ID:     id,
		Parent: a.Parent,
		Thread: a.Parent,
		Body:   a.Body,
		Nonce:  a.Nonce,
	}
}

func TestAllocateAndBind(t *testing.T) {
	table := newTable(t)
	other := newTable(t)
	p := New(Options{Tab: "a", Parent: 10, Nonces: table})

	if msgs := p.SetInput("Hello", true); msgs != nil {
		t.Fatalf("single word committed: %#v", msgs)
	}
	msgs := p.Commit(true)
	ins := echo(t, msgs, 42)
	if ins.Body != "Hello" || ins.Parent != 10 {
		t.Errorf("unexpected allocation %#v", msgs[0])
	}
	if !p.Allocating() {
		t.Fatal("post not allocating")
	}

	// Only the originating client recognises the echo
	if m := other.Match(ins.Nonce, "b"); m != nonce.NoMatch {
		t.Errorf("foreign client matched nonce: %d", m)
	}
	if m := table.Match(ins.Nonce, "a"); m != nonce.Own {
		t.Fatalf("expected Own, got %d", m)
	}
	p.Bind(ins.ID)
	if p.ID() != 42 || p.Allocating() {
		t.Errorf("post not bound: id=%d", p.ID())
	}

	// A second Insert with the same nonce never binds again
	if m := table.Match(ins.Nonce, "a"); m != nonce.NoMatch {
		t.Errorf("nonce matched twice: %d", m)
	}
}

func TestExplicitNonce(t *testing.T) {
	table := newTable(t)
	n := nonce.Nonce{Value: "abc123", Tab: "a", Day: nonce.Day(time.Now())}
	table.Add(n)
	p := New(Options{Tab: "a", Parent: 10, Nonces: table})
	p.allocate("Hello")
	p.nonce = n.String()

	ins := protocol.Insert{ID: 42, Parent: 10, Body: "Hello", Nonce: n.String()}
	if table.Match(ins.Nonce, "a") != nonce.Own {
		t.Fatal("expected own post")
	}
	p.Bind(ins.ID)
	if p.ID() != 42 {
		t.Errorf("expected id 42, got %d", p.ID())
	}
}

func TestQueueWhileAllocating(t *testing.T) {
	p := New(Options{Tab: "a", Parent: 10, Nonces: newTable(t)})
	msgs := p.SetInput("one two three", true)
	echo(t, msgs, 7)

	if msgs := p.SetInput("one two three four five", true); msgs != nil {
		t.Fatalf("sent before bind: %#v", msgs)
	}
	if p.Queued() != 1 {
		t.Fatalf("expected 1 queued op, got %d", p.Queued())
	}

	flushed := p.Bind(7)
	if len(flushed) != 1 {
		t.Fatalf("expected 1 flushed op, got %#v", flushed)
	}
	if a, ok := flushed[0].(protocol.Append); !ok || a.ID != 7 || a.Text != "two three " {
		t.Errorf("unexpected flushed op %#v", flushed[0])
	}
	if p.Pending() != "four five" {
		t.Errorf("unexpected pending %q", p.Pending())
	}
}

func TestReplayMatchesBody(t *testing.T) {
	table := newTable(t)
	p := New(Options{Tab: "a", Parent: 10, Nonces: table})
	th := thread.New(10)

	apply := func(msgs []protocol.Message) {
		t.Helper()
		for _, m := range msgs {
			if err := th.Apply(m); err != nil {
				t.Fatal(err)
			}
		}
	}

	ins := echo(t, p.SetInput("Hello big wor", true), 42)
	if p.SetInput("Hello big world and", true) != nil {
		t.Fatal("sent before bind")
	}
	apply([]protocol.Message{ins})
	apply(p.Bind(ins.ID))

	inputs := []string{
		"Hello big world and more\nnext",
		"next line here",
		"nex",
		"ne",
		"new thing",
	}
	for _, in := range inputs {
		apply(p.SetInput(in, true))
	}
	apply(p.Finish(true))

	const expected = "Hello big world and more\nnew thing"
	if p.Body() != expected {
		t.Errorf("unexpected local body %q", p.Body())
	}
	post, ok := th.Post(42)
	if !ok {
		t.Fatal("post missing from replay")
	}
	if post.Body != p.Body() {
		t.Errorf("replay %q != composed %q", post.Body, p.Body())
	}
	if post.Editing {
		t.Error("post not finished")
	}
}

func TestOfflineDraftVanishes(t *testing.T) {
	table := newTable(t)
	p := New(Options{Tab: "a", Parent: 10, Nonces: table})
	if msgs := p.SetInput("foo bar baz", false); msgs != nil {
		t.Fatalf("offline input produced %#v", msgs)
	}
	if p.Pending() != "foo bar baz" {
		t.Errorf("input lost: %q", p.Pending())
	}
	if msgs := p.Finish(false); msgs != nil {
		t.Errorf("forced finish produced %#v", msgs)
	}
	if p.Allocating() || p.Allocated() || table.Len() != 0 {
		t.Error("unallocated draft left traces")
	}
	if msgs := p.SetInput("foo bar baz qux", true); msgs != nil {
		t.Errorf("finished post produced %#v", msgs)
	}
}

func TestAbandonEvictsNonce(t *testing.T) {
	table := newTable(t)
	p := New(Options{Tab: "a", Parent: 10, Nonces: table})
	ins := echo(t, p.SetInput("foo bar baz", true), 5)

	if err := p.Abandon(); err != nil {
		t.Fatal(err)
	}
	if m := table.Match(ins.Nonce, "a"); m != nonce.NoMatch {
		t.Errorf("late echo matched abandoned post: %d", m)
	}
	if msgs := p.Bind(5); msgs != nil {
		t.Errorf("abandoned post bound: %#v", msgs)
	}
}

func TestTwoTabs(t *testing.T) {
	table := newTable(t)
	a := New(Options{Tab: "a", Parent: 10, Nonces: table})
	b := New(Options{Tab: "b", Parent: 10, Nonces: table})

	insA := echo(t, a.SetInput("first post here", true), 1)
	insB := echo(t, b.SetInput("second post here", true), 2)
	if insA.Nonce == insB.Nonce {
		t.Fatal("nonces collide")
	}

	// Both tabs see both echoes. Each binds only its own.
	if m := table.Match(insA.Nonce, "b"); m != nonce.Sibling {
		t.Errorf("expected sibling, got %d", m)
	}
	if m := table.Match(insB.Nonce, "b"); m != nonce.Own {
		t.Errorf("expected own, got %d", m)
	}
	b.Bind(insB.ID)
	if b.ID() != 2 || a.Allocated() {
		t.Error("wrong post bound")
	}
}

func TestFinishWhileAllocating(t *testing.T) {
	p := New(Options{Tab: "a", Parent: 10, Nonces: newTable(t)})
	echo(t, p.SetInput("foo bar baz", true), 9)
	if msgs := p.Finish(true); len(msgs) != 0 {
		t.Fatalf("finish sent before bind: %#v", msgs)
	}
	msgs := p.Bind(9)
	if len(msgs) != 2 {
		t.Fatalf("expected append and finish, got %#v", msgs)
	}
	if f, ok := msgs[1].(protocol.Finish); !ok || f.ID != 9 {
		t.Errorf("expected finish, got %#v", msgs[1])
	}
	if !p.Finished() {
		t.Error("post not finished")
	}
}

func TestImage(t *testing.T) {
	p := New(Options{Tab: "a", Parent: 10, Nonces: newTable(t)})
	p.SetInput("caption", true)
	msgs, err := p.AttachImage("tok", "cat.png", false, true)
	if err != nil {
		t.Fatal(err)
	}
	a, ok := msgs[0].(protocol.Allocate)
	if !ok || a.Image != "tok" || a.Body != "caption" {
		t.Fatalf("unexpected allocation %#v", msgs)
	}
	if _, err := p.AttachImage("tok2", "dog.png", false, true); err != ErrHasImage {
		t.Errorf("expected ErrHasImage, got %v", err)
	}
	if msgs := p.Spoiler(); msgs != nil {
		t.Errorf("spoiler sent before bind: %#v", msgs)
	}
	flushed := p.Bind(3)
	if len(flushed) != 1 {
		t.Fatalf("expected queued spoiler, got %#v", flushed)
	}
	if s, ok := flushed[0].(protocol.Spoiler); !ok || s.ID != 3 {
		t.Errorf("unexpected op %#v", flushed[0])
	}
}

type failingStore struct{}

func (failingStore) LoadNonces() ([]nonce.Nonce, error) { return nil, nil }
func (failingStore) SaveNonce(nonce.Nonce) error { return errors.New("disk full") }
func (failingStore) DeleteNonce(string) error { return nil }

func TestNonceRegistrationFailure(t *testing.T) {
	table, err := nonce.NewTable(failingStore{})
	if err != nil {
		t.Fatal(err)
	}
	p := New(Options{Tab: "a", Parent: 10, Nonces: table})
	p.SetInput("Hello", true)
	ins := echo(t, p.Commit(true), 42)

	if err := p.Err(); err == nil {
		t.Fatal("expected nonce registration error")
	}
	if err := p.Err(); err != nil {
		t.Errorf("error not cleared: %v", err)
	}
	// The allocation is still recognised by this process
	if m := table.Match(ins.Nonce, "a"); m != nonce.Own {
		t.Errorf("expected Own, got %d", m)
	}
}
