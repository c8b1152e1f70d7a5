package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"threadsync/internal/protocol"
)

func TestAPIBase(t *testing.T) {
	cases := [...]struct {
		in, out string
		err     bool
	}{
		{"ws://localhost:8081/ws", "http://localhost:8081", false},
		{"wss://board.example/ws", "https://board.example", false},
		{"wss://board.example/sync/ws/", "https://board.example/sync", false},
		{"http://localhost:8081", "http://localhost:8081", false},
		{"ftp://localhost", "", true},
	}

	for i := range cases {
		c := cases[i]
		t.Run(c.in, func(t *testing.T) {
			out, err := apiBase(c.in)
			if c.err {
				if err == nil {
					t.Fatalf("expected error, got %q", out)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if out != c.out {
				t.Fatalf("got %q, want %q", out, c.out)
			}
		})
	}
}

func TestHostPort(t *testing.T) {
	cases := map[string]string{
		"ws://localhost:8081/ws":  "localhost:8081",
		"ws://board.example/ws":   "board.example:80",
		"wss://board.example/ws":  "board.example:443",
		"https://board.example/x": "board.example:443",
	}
	for in, want := range cases {
		if got := hostPort(in); got != want {
			t.Errorf("%s: got %q, want %q", in, got, want)
		}
	}
}

func TestFetchStatuses(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		switch r.URL.Path {
		case "/api/threads/1/backlog":
			w.WriteHeader(http.StatusGone)
		case "/api/threads/2":
			w.WriteHeader(http.StatusNotFound)
		case "/api/threads/3/backlog":
			json.NewEncoder(w).Encode([]string{"05[1]"})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	f := &fetcher{base: srv.URL, client: srv.Client()}
	ctx := context.Background()

	if _, err := f.backlog(ctx, 1, 0, 2); !errors.Is(err, ErrGone) {
		t.Fatalf("compacted: got %v", err)
	}
	if _, err := f.snapshot(ctx, 2); !errors.Is(err, ErrNoThread) {
		t.Fatalf("missing thread: got %v", err)
	}
	if _, err := f.backlog(ctx, 3, 0, 2); err == nil {
		t.Fatal("short backlog accepted")
	}
	frames, err := f.backlog(ctx, 3, 4, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 || string(frames[0]) != "05[1]" {
		t.Fatalf("got %q", frames)
	}

	atomic.StoreInt32(&calls, 0)
	f.retries = 1
	if _, err := f.snapshot(ctx, 4); err == nil {
		t.Fatal("server error not returned")
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("requests: got %d, want 2", n)
	}
}

func TestUploadImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var img protocol.Image
		if r.Method != http.MethodPost || r.URL.Path != "/api/images" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&img); err != nil || img.SHA1 != "abc" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
	}))
	defer srv.Close()

	f := &fetcher{base: srv.URL, client: srv.Client()}
	token, err := f.uploadImage(context.Background(), protocol.Image{File: "a.png", SHA1: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	if token != "tok" {
		t.Fatalf("got %q", token)
	}
}
