package server

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"threadsync/internal/metrics"
	"threadsync/internal/protocol"
	"threadsync/internal/store"
)

// feed relays the published operations of one thread to the clients of this
// process synced to it. Joining and leaving happen under the thread's lock.
type feed struct {
	thread uint64
	ps     *redis.PubSub
	log    zerolog.Logger

	mu sync.Mutex
	// Clients and the first sequence number each of them is sent
	clients map[*Client]uint64
}

// join adds c to the feed of a thread from sequence number start on. The
// caller holds the thread's lock.
func (s *Server) join(ctx context.Context, c *Client, th, start uint64) error {
	f, ok := s.feeds.Load(th)
	if !ok {
		ps, err := s.tlog.Subscribe(ctx, th)
		if err != nil {
			return err
		}
		f = &feed{
			thread:  th,
			ps:      ps,
			log:     s.log.With().Uint64("thread", th).Logger(),
			clients: make(map[*Client]uint64),
		}
		s.feeds.Store(th, f)
		metrics.Feeds.Inc()
		go f.run(ps.Channel())
	}

	f.mu.Lock()
	f.clients[c] = start
	f.mu.Unlock()
	f.sendCount()
	return nil
}

// leave removes c from the feed of a thread and drops the feed, when it was
// the last client
func (s *Server) leave(c *Client, th uint64) {
	unlock := s.lock(th)
	defer unlock()

	f, ok := s.feeds.Load(th)
	if !ok {
		return
	}
	f.mu.Lock()
	delete(f.clients, c)
	empty := len(f.clients) == 0
	f.mu.Unlock()

	if !empty {
		f.sendCount()
		return
	}
	s.feeds.Delete(th)
	metrics.Feeds.Dec()
	if err := f.ps.Close(); err != nil {
		f.log.Warn().Err(err).Msg("closing subscription")
	}
}

func (f *feed) run(ch <-chan *redis.Message) {
	for msg := range ch {
		seq, frame, err := store.ParsePublished(msg.Payload)
		if err != nil {
			f.log.Error().Err(err).Msg("dropping published operation")
			continue
		}
		f.mu.Lock()
		for c, start := range f.clients {
			if seq >= start {
				c.Send(frame)
			}
		}
		f.mu.Unlock()
	}
}

// sendCount sends every client the number of unique addresses synced
func (f *feed) sendCount() {
	f.mu.Lock()
	defer f.mu.Unlock()

	ips := make(map[string]struct{}, len(f.clients))
	for c := range f.clients {
		ips[c.ip] = struct{}{}
	}
	frame, err := protocol.Encode(protocol.SyncCount{Count: len(ips)})
	if err != nil {
		return
	}
	for c := range f.clients {
		c.Send(frame)
	}
}
