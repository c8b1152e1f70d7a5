package render

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestWritesInOrder(t *testing.T) {
	q := NewQueue()
	var order []string
	q.Write(func() { order = append(order, "write1") })
	q.Write(func() { order = append(order, "write2") })
	q.Write(func() { order = append(order, "write3") })
	q.Flush()

	expected := []string{"write1", "write2", "write3"}
	if !reflect.DeepEqual(order, expected) {
		t.Errorf("expected %v, got %v", expected, order)
	}
}

func TestNestedWorkDeferred(t *testing.T) {
	q := NewQueue()
	ran := 0
	q.Write(func() {
		q.Write(func() { ran++ })
	})
	q.Flush()
	if ran != 0 {
		t.Fatal("work queued during flush ran in the same frame")
	}
	q.Flush()
	if ran != 1 {
		t.Errorf("expected 1 run, got %d", ran)
	}
}

func TestRun(t *testing.T) {
	q := NewQueue()
	done := make(chan struct{})
	q.Write(func() { close(done) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue not flushed")
	}
}
