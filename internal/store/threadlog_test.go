package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestAppendAndRange(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewThreadLog(rdb)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seq, err := l.Append(ctx, 10, []byte(fmt.Sprintf("02[1,\"%d\"]", i)))
		if err != nil {
			t.Fatal(err)
		}
		if seq != uint64(i) {
			t.Errorf("expected seq %d, got %d", i, seq)
		}
	}

	ctr, err := l.Counter(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if ctr != 5 {
		t.Errorf("expected counter 5, got %d", ctr)
	}

	ops, err := l.Range(ctx, 10, 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 3 || string(ops[0]) != `02[1,"2"]` || string(ops[2]) != `02[1,"4"]` {
		t.Errorf("unexpected range %q", ops)
	}

	if ops, err := l.Range(ctx, 10, 5, 5); err != nil || len(ops) != 0 {
		t.Errorf("empty range: %q %v", ops, err)
	}
	if _, err := l.Range(ctx, 10, 3, 6); !errors.Is(err, ErrRange) {
		t.Errorf("expected ErrRange, got %v", err)
	}
	if _, err := l.Range(ctx, 10, 4, 3); !errors.Is(err, ErrRange) {
		t.Errorf("expected ErrRange for inverted range, got %v", err)
	}

	// Threads are independent
	if ctr, _ := l.Counter(ctx, 11); ctr != 0 {
		t.Errorf("expected empty thread, got counter %d", ctr)
	}
}

func TestCompact(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewThreadLog(rdb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Append(ctx, 10, []byte("05 1"))
	}
	base, err := l.Compact(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if base != 3 {
		t.Errorf("expected base 3, got %d", base)
	}

	if _, err := l.Range(ctx, 10, 1, 3); !errors.Is(err, ErrCompacted) {
		t.Errorf("expected ErrCompacted, got %v", err)
	}

	seq, err := l.Append(ctx, 10, []byte("05 2"))
	if err != nil {
		t.Fatal(err)
	}
	if seq != 3 {
		t.Errorf("expected seq 3 after compaction, got %d", seq)
	}
	ops, err := l.Range(ctx, 10, 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 || string(ops[0]) != "05 2" {
		t.Errorf("unexpected range %q", ops)
	}
	if ctr, _ := l.Counter(ctx, 10); ctr != 4 {
		t.Errorf("expected counter 4, got %d", ctr)
	}
}

func TestIdle(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewThreadLog(rdb)
	ctx := context.Background()

	l.Append(ctx, 10, []byte("05 1"))
	l.Append(ctx, 11, []byte("05 2"))

	idle, err := l.Idle(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(idle) != 2 {
		t.Fatalf("expected 2 idle threads, got %v", idle)
	}
	if idle, _ := l.Idle(ctx, time.Now().Add(-time.Hour)); len(idle) != 0 {
		t.Errorf("expected no idle threads, got %v", idle)
	}

	l.Compact(ctx, 10)
	idle, _ = l.Idle(ctx, time.Now().Add(time.Hour))
	if len(idle) != 1 || idle[0] != 11 {
		t.Errorf("compacted thread still listed: %v", idle)
	}
}

func TestSubscribe(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewThreadLog(rdb)
	ctx := context.Background()

	ps, err := l.Subscribe(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer ps.Close()

	l.Append(ctx, 10, []byte("05 1"))
	l.Append(ctx, 10, []byte(`02[1,"a b"]`))

	ch := ps.Channel()
	for i, want := range []string{"05 1", `02[1,"a b"]`} {
		select {
		case msg := <-ch:
			seq, frame, err := ParsePublished(msg.Payload)
			if err != nil {
				t.Fatal(err)
			}
			if seq != uint64(i) || string(frame) != want {
				t.Errorf("expected %d %s, got %d %s", i, want, seq, frame)
			}
		case <-time.After(time.Second):
			t.Fatal("operation not published")
		}
	}
}

func TestParsePublished(t *testing.T) {
	for _, s := range []string{"", "abc", "x 01{}"} {
		if _, _, err := ParsePublished(s); err == nil {
			t.Errorf("%q: expected error", s)
		}
	}
}

func TestBounds(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewThreadLog(rdb)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.Append(ctx, 10, []byte("05 1"))
	}
	base, ctr, err := l.Bounds(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if base != 0 || ctr != 4 {
		t.Errorf("expected [0, 4), got [%d, %d)", base, ctr)
	}

	l.Compact(ctx, 10)
	l.Append(ctx, 10, []byte("05 1"))
	base, ctr, _ = l.Bounds(ctx, 10)
	if base != 4 || ctr != 5 {
		t.Errorf("expected [4, 5), got [%d, %d)", base, ctr)
	}
}
