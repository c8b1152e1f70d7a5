package server

import (
	"context"
	"errors"
	"sort"

	"threadsync/internal/protocol"
	"threadsync/internal/store"
)

func (c *Client) requireModerator(t protocol.Type) error {
	if c.capability < store.Moderator {
		return violation("%s requires moderator capability", t)
	}
	return nil
}

func (c *Client) deletePosts(ctx context.Context, m protocol.DeletePost) error {
	if err := c.requireModerator(m.Type()); err != nil {
		return err
	}
	return c.s.moderate(ctx, m.IDs,
		func(ids []uint64) protocol.Message { return protocol.DeletePost{IDs: ids} },
		c.s.posts.Delete,
	)
}

func (c *Client) ban(ctx context.Context, m protocol.Ban) error {
	if err := c.requireModerator(m.Type()); err != nil {
		return err
	}
	return c.s.moderate(ctx, m.IDs,
		func(ids []uint64) protocol.Message { return protocol.Ban{IDs: ids} },
		c.s.posts.Ban,
	)
}

// moderate applies a moderation operation to posts, committing one operation
// per affected thread
func (s *Server) moderate(
	ctx context.Context,
	ids []uint64,
	msg func([]uint64) protocol.Message,
	write func(context.Context, []uint64) error,
) error {
	threads, err := s.posts.Threads(ctx, ids)
	if err != nil {
		return err
	}
	groups := make(map[uint64][]uint64, len(threads))
	for _, id := range dedupe(ids) {
		if th, ok := threads[id]; ok {
			groups[th] = append(groups[th], id)
		}
	}
	if len(groups) == 0 {
		return &Rejection{Code: protocol.RejectUnknown, Reason: "no such post"}
	}

	order := make([]uint64, 0, len(groups))
	for th := range groups {
		order = append(order, th)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	for _, th := range order {
		ids := groups[th]
		logs := []uint64{th}
		for _, id := range ids {
			if id == th {
				logs = logThreads(id, th)
				break
			}
		}
		err := s.commit(ctx, msg(ids), func() error {
			return write(ctx, ids)
		}, logs...)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) lockThread(ctx context.Context, m protocol.Lock) error {
	if err := c.requireModerator(m.Type()); err != nil {
		return err
	}
	if _, err := c.s.posts.ThreadLocked(ctx, m.Thread); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return reject(protocol.RejectNoThread)
		}
		return err
	}
	return c.s.commit(ctx, m, func() error {
		return c.s.posts.SetLocked(ctx, m.Thread, m.Locked)
	}, m.Thread)
}
