package postfsm

import "testing"

func run(t *testing.T, s State, events ...Event) State {
	t.Helper()
	for _, e := range events {
		next, ok := Next(s, e)
		if !ok {
			t.Fatalf("%s + %s rejected", s, e)
		}
		s = next
	}
	return s
}

func TestAuthoring(t *testing.T) {
	if s := run(t, None, Sync, Open, Allocated, Done); s != Ready {
		t.Errorf("expected ready, got %s", s)
	}
	if s := run(t, None, Sync, Open, Done); s != Ready {
		t.Errorf("unallocated draft: expected ready, got %s", s)
	}
}

func TestDisconnect(t *testing.T) {
	if s := run(t, None, Sync, Open, Allocated, Disconnect, Reclaim); s != Alloc {
		t.Errorf("reclaim: expected alloc, got %s", s)
	}
	if s := run(t, None, Sync, Open, Disconnect, Abandon); s != Ready {
		t.Errorf("abandon: expected ready, got %s", s)
	}
	if s := run(t, None, Sync, Disconnect); s != None {
		t.Errorf("idle disconnect: expected none, got %s", s)
	}

	// Halted posts must wait for a reclaim decision
	for _, e := range []Event{Sync, Open, Done, Allocated} {
		if _, ok := Next(Halted, e); ok {
			t.Errorf("halted accepted %s", e)
		}
	}
}

func TestSinglePost(t *testing.T) {
	for _, s := range []State{Draft, Alloc, Halted} {
		if _, ok := Next(s, Open); ok {
			t.Errorf("second post opened in %s", s)
		}
		if !s.Open() {
			t.Errorf("%s should report an open post", s)
		}
	}
}

func TestLock(t *testing.T) {
	s := run(t, None, Sync, Open, Lock)
	if s != Locked {
		t.Fatalf("expected locked, got %s", s)
	}
	if _, ok := Next(s, Open); ok {
		t.Error("post opened in locked thread")
	}
	if s := run(t, s, Unlock); s != Ready {
		t.Errorf("expected ready, got %s", s)
	}
}

func TestErrorIsTerminal(t *testing.T) {
	for s := None; s <= Locked; s++ {
		if next, ok := Next(s, Error); !ok || next != Errored {
			t.Errorf("%s + error: got %s", s, next)
		}
	}
	for _, e := range []Event{Sync, Disconnect, Error, Done, Open, Allocated, Reclaim, Abandon, Lock, Unlock} {
		if _, ok := Next(Errored, e); ok {
			t.Errorf("errored accepted %s", e)
		}
	}
}
