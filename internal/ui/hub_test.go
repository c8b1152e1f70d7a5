package ui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"threadsync/internal/client"
	"threadsync/internal/thread"
)

type fakeActions struct {
	mu    sync.Mutex
	calls []string

	// Published while the thread is read
	during  *client.Event
	publish func(client.Event)
}

func (a *fakeActions) record(call string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
	return nil
}

func (a *fakeActions) has(call string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (a *fakeActions) Open(_ context.Context, opts client.PostOptions) error {
	return a.record("open " + opts.Subject)
}

func (a *fakeActions) Input(_ context.Context, line string) error {
	return a.record("input " + line)
}

func (a *fakeActions) Commit(context.Context) error {
	return a.record("commit")
}

func (a *fakeActions) AttachImage(_ context.Context, token, _ string, _ bool) error {
	return a.record("image " + token)
}

func (a *fakeActions) Spoiler(context.Context) error {
	return a.record("spoiler")
}

func (a *fakeActions) Finish(context.Context) error {
	return errors.New("no post open")
}

func (a *fakeActions) Focus(context.Context) error {
	return a.record("focus")
}

func (a *fakeActions) Thread(context.Context) (thread.Snapshot, error) {
	if a.during != nil {
		a.publish(*a.during)
	}
	return thread.Snapshot{Thread: 7, Ctr: 3}, nil
}

func setup(t *testing.T) (*Hub, *fakeActions, *websocket.Conn) {
	t.Helper()
	actions := &fakeActions{}
	hub, conn := setupWith(t, actions)
	return hub, actions, conn
}

func setupWith(t *testing.T, actions *fakeActions) (*Hub, *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(zerolog.Nop())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	actions.publish = hub.Publish
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, actions, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return hub, conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(msg, v); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestThreadSentOnConnect(t *testing.T) {
	_, _, conn := setup(t)

	var e client.Event
	readJSON(t, conn, &e)
	if e.Kind != client.EventThread || e.Snapshot == nil || e.Snapshot.Thread != 7 || e.Snapshot.Ctr != 3 {
		t.Fatalf("got %+v", e)
	}
}

func TestCommands(t *testing.T) {
	_, actions, conn := setup(t)
	var e client.Event
	readJSON(t, conn, &e)

	cmds := []Command{
		{Action: "open", Subject: "hi"},
		{Action: "input", Line: "Hello"},
		{Action: "commit"},
		{Action: "image", Token: "tok"},
		{Action: "spoiler"},
		{Action: "focus"},
	}
	for _, cmd := range cmds {
		if err := conn.WriteJSON(cmd); err != nil {
			t.Fatal(err)
		}
	}
	for _, call := range []string{"open hi", "input Hello", "commit", "image tok", "spoiler", "focus"} {
		call := call
		waitFor(t, func() bool { return actions.has(call) })
	}
}

func TestCommandErrors(t *testing.T) {
	_, _, conn := setup(t)
	var e client.Event
	readJSON(t, conn, &e)

	if err := conn.WriteJSON(Command{Action: "finish"}); err != nil {
		t.Fatal(err)
	}
	var reply errorReply
	readJSON(t, conn, &reply)
	if reply.Kind != "error" || reply.Action != "finish" || reply.Message != "no post open" {
		t.Fatalf("got %+v", reply)
	}

	if err := conn.WriteJSON(Command{Action: "dance"}); err != nil {
		t.Fatal(err)
	}
	readJSON(t, conn, &reply)
	if reply.Action != "dance" {
		t.Fatalf("got %+v", reply)
	}
}

func TestPublish(t *testing.T) {
	hub, _, conn := setup(t)
	var e client.Event
	readJSON(t, conn, &e)

	// Registered before the thread is sent
	hub.Publish(client.Event{Kind: client.EventCount, Count: 3})
	readJSON(t, conn, &e)
	if e.Kind != client.EventCount || e.Count != 3 {
		t.Fatalf("got %+v", e)
	}
}

func TestEventDuringThreadRead(t *testing.T) {
	actions := &fakeActions{
		during: &client.Event{Kind: client.EventCount, Count: 5},
	}
	_, conn := setupWith(t, actions)

	var e client.Event
	readJSON(t, conn, &e)
	if e.Kind != client.EventThread {
		t.Fatalf("expected thread first, got %+v", e)
	}
	readJSON(t, conn, &e)
	if e.Kind != client.EventCount || e.Count != 5 {
		t.Fatalf("got %+v", e)
	}
}
