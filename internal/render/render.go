// Package render batches UI updates. Writes queued during a frame run together,
// in order, once per frame.
package render

import (
	"context"
	"sync"
	"time"
)

// FrameInterval is the default flush period
const FrameInterval = 16 * time.Millisecond

// Queue of pending UI work. Safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	writes []func()
}

func NewQueue() *Queue {
	return &Queue{}
}

// Write queues a UI mutation
func (q *Queue) Write(fn func()) {
	q.mu.Lock()
	q.writes = append(q.writes, fn)
	q.mu.Unlock()
}

// Flush runs all queued work. Work queued by the flushed functions runs in the
// next frame.
func (q *Queue) Flush() {
	q.mu.Lock()
	writes := q.writes
	q.writes = nil
	q.mu.Unlock()

	for _, fn := range writes {
		fn()
	}
}

// Run flushes the queue every interval until ctx is done
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = FrameInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			q.Flush()
			return
		case <-t.C:
			q.Flush()
		}
	}
}
