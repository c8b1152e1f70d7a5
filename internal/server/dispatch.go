package server

import (
	"context"
	"errors"

	"threadsync/internal/metrics"
	"threadsync/internal/protocol"
	"threadsync/internal/store"
	"threadsync/internal/thread"
)

// handleFrame decodes a client frame and runs its handler. Frames failing
// validation never reach a handler.
func (c *Client) handleFrame(ctx context.Context, frame []byte) error {
	m, err := protocol.DecodeClient(frame)
	if err != nil {
		return err
	}
	metrics.FramesIn.WithLabelValues(m.Type().String()).Inc()

	if !c.synced {
		if _, ok := m.(protocol.Synchronise); !ok {
			return violation("%s before synchronising", m.Type())
		}
	}

	switch m := m.(type) {
	case protocol.Synchronise:
		return c.synchronise(ctx, m)
	case protocol.Allocate:
		return c.allocate(ctx, m)
	case protocol.Append:
		return c.append(ctx, m)
	case protocol.Backspace:
		return c.backspace(ctx, m)
	case protocol.Splice:
		return c.splice(ctx, m)
	case protocol.Finish:
		return c.finish(ctx, m)
	case protocol.InsertImage:
		return c.insertImage(ctx, m)
	case protocol.Spoiler:
		return c.spoiler(ctx, m)
	case protocol.Reclaim:
		return c.reclaim(ctx, m)
	case protocol.DeletePost:
		return c.deletePosts(ctx, m)
	case protocol.Ban:
		return c.ban(ctx, m)
	case protocol.Lock:
		return c.lockThread(ctx, m)
	default:
		return violation("unexpected message type %s", m.Type())
	}
}

// synchronise subscribes the client to a thread from the server's counter
// on. A client ahead of the log, or behind its compacted prefix, can not be
// caught up and must reload.
func (c *Client) synchronise(ctx context.Context, m protocol.Synchronise) error {
	s := c.s
	if err := s.threadExists(ctx, m.Thread); err != nil {
		return err
	}
	if c.synced {
		s.leave(c, c.thread)
		c.synced = false
	}

	unlock := s.lock(m.Thread)
	defer unlock()

	base, ctr, err := s.tlog.Bounds(ctx, m.Thread)
	if err != nil {
		return err
	}
	if m.Ctr > ctr || m.Ctr < base {
		metrics.Desyncs.Inc()
		c.log.Info().
			Uint64("thread", m.Thread).
			Uint64("client_ctr", m.Ctr).
			Uint64("base", base).
			Uint64("ctr", ctr).
			Msg("desync")
		return c.sendMessage(protocol.Desync{Thread: m.Thread})
	}

	// Queued before any live operation, which join filters to seq >= ctr
	if err := c.sendMessage(protocol.Synchronise{Thread: m.Thread, Ctr: ctr}); err != nil {
		return err
	}
	if err := s.join(ctx, c, m.Thread, ctr); err != nil {
		return err
	}
	c.synced = true
	c.thread = m.Thread
	c.log.Debug().Uint64("thread", m.Thread).Uint64("ctr", ctr).Msg("synced")
	return nil
}

func (s *Server) threadExists(ctx context.Context, id uint64) error {
	if id == thread.IndexID {
		return nil
	}
	_, err := s.posts.ThreadLocked(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return reject(protocol.RejectNoThread)
	}
	return err
}
