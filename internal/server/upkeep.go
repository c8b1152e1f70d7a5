package server

import (
	"context"
	"time"

	"threadsync/internal/metrics"
	"threadsync/internal/protocol"
)

func (s *Server) runUpkeep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.UpkeepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.upkeep(ctx)
		}
	}
}

// upkeep closes expired open posts and compacts idle thread logs. The two
// use independent timeouts.
func (s *Server) upkeep(ctx context.Context) {
	if err := s.expireOpen(ctx); err != nil {
		s.log.Error().Err(err).Msg("closing expired posts")
	}
	if err := s.compactIdle(ctx); err != nil {
		s.log.Error().Err(err).Msg("compacting thread logs")
	}
}

// expireOpen finishes open posts older than the open post TTL, taking them
// from any connection still editing them
func (s *Server) expireOpen(ctx context.Context) error {
	refs, err := s.posts.ExpiredOpen(ctx, s.now().Add(-s.cfg.OpenPostTTL))
	if err != nil {
		return err
	}
	for _, ref := range refs {
		ref := ref
		err := s.commit(ctx, protocol.Finish{ID: ref.ID}, func() error {
			if c, ok := s.owners.LoadAndDelete(ref.ID); ok {
				c.clearOpen(ref.ID)
			}
			return s.posts.Close(ctx, ref.ID)
		}, logThreads(ref.ID, ref.Thread)...)
		if err != nil {
			return err
		}
		metrics.ExpiredPosts.Inc()
		s.log.Info().Uint64("post", ref.ID).Uint64("thread", ref.Thread).Msg("closed expired post")
	}
	return nil
}

// compactIdle compacts the logs of threads without operations for the log
// retention period. Clients behind the compacted prefix reload the thread.
func (s *Server) compactIdle(ctx context.Context) error {
	idle, err := s.tlog.Idle(ctx, s.now().Add(-s.cfg.LogRetention))
	if err != nil {
		return err
	}
	for _, th := range idle {
		unlock := s.lock(th)
		ctr, err := s.tlog.Compact(ctx, th)
		unlock()
		if err != nil {
			return err
		}
		metrics.LogCompactions.Inc()
		s.log.Info().Uint64("thread", th).Uint64("ctr", ctr).Msg("compacted thread log")
	}
	return nil
}
