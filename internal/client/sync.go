package client

import (
	"errors"

	"threadsync/internal/connfsm"
	"threadsync/internal/nonce"
	"threadsync/internal/protocol"
	"threadsync/internal/thread"
)

// reconciler tracks the catch up of the local thread to the server's counter
// after a Synchronise
type reconciler struct {
	// Server counter from the last Synchronise reply
	target uint64
	// Sequence number of the next live operation
	next uint64
	// Live operations received while fetching, starting at target
	buffered []protocol.Message
}

func (r *reconciler) reset() {
	*r = reconciler{}
}

type fetchResult struct {
	gen uint64
	// Backlog start. Unused for snapshots.
	from     uint64
	frames   [][]byte
	snapshot *thread.Snapshot
	err      error
}

// requestSync sends the local counter and waits for the server's
func (s *Session) requestSync() {
	s.sync.reset()
	s.liveness.arm(s.opts.LivenessTimeout)
	s.send(protocol.Synchronise{Thread: s.opts.Thread, Ctr: s.model.Counter()})
}

// onSyncReply starts catching up to the server's counter. Live operations
// are only delivered after the reply, starting at ctr.
func (s *Session) onSyncReply(ctr uint64) {
	if s.state != connfsm.Syncing {
		return
	}
	s.sync.buffered = nil
	s.sync.target = ctr
	s.sync.next = ctr

	local := s.model.Counter()
	switch {
	case ctr == local:
		s.transition(connfsm.Sync)
	case ctr < local:
		s.log.Warn().Uint64("ctr", ctr).Uint64("local", local).Msg("local counter ahead of server")
		s.reload()
	default:
		s.fetchBacklog(local, ctr)
	}
}

func (s *Session) fetchBacklog(from, to uint64) {
	gen := s.gen
	go func() {
		frames, err := s.fetch.backlog(s.ctx, s.opts.Thread, from, to)
		s.deliverFetch(fetchResult{gen: gen, from: from, frames: frames, err: err})
	}()
}

// reload discards the local thread and adopts a fresh snapshot, then
// synchronises again from its counter
func (s *Session) reload() {
	s.sync.buffered = nil
	gen := s.gen
	go func() {
		snap, err := s.fetch.snapshot(s.ctx, s.opts.Thread)
		s.deliverFetch(fetchResult{gen: gen, snapshot: &snap, err: err})
	}()
}

func (s *Session) deliverFetch(r fetchResult) {
	select {
	case s.fetched <- r:
	case <-s.done:
	}
}

func (s *Session) onFetched(r fetchResult) {
	if r.gen != s.gen || s.state != connfsm.Syncing {
		return
	}
	if r.snapshot != nil {
		s.onSnapshot(*r.snapshot, r.err)
		return
	}

	switch {
	case errors.Is(r.err, ErrGone):
		s.log.Info().Uint64("from", r.from).Msg("backlog compacted, reloading")
		s.reload()
		return
	case r.err != nil:
		s.log.Warn().Err(r.err).Msg("fetching backlog")
		s.drop()
		return
	}

	for i, frame := range r.frames {
		msgs, err := protocol.DecodeServer(frame)
		if err != nil || len(msgs) != 1 {
			s.log.Error().Err(err).Bytes("frame", frame).Msg("malformed backlog frame")
			s.reload()
			return
		}
		if !s.apply(r.from+uint64(i), msgs[0]) {
			return
		}
	}
	s.caughtUp()
}

func (s *Session) onSnapshot(snap thread.Snapshot, err error) {
	switch {
	case errors.Is(err, ErrNoThread):
		s.log.Error().Msg("thread no longer exists")
		s.transition(connfsm.Error)
		return
	case err != nil:
		s.log.Warn().Err(err).Msg("reloading thread")
		s.drop()
		return
	}
	s.model.Replace(snap)
	s.emit(Event{Kind: EventThread, Snapshot: &snap})
	s.requestSync()
}

// caughtUp applies the operations buffered during the backlog fetch and
// completes synchronisation
func (s *Session) caughtUp() {
	buffered := s.sync.buffered
	s.sync.buffered = nil
	for i, m := range buffered {
		if !s.apply(s.sync.target+uint64(i), m) {
			return
		}
	}
	s.transition(connfsm.Sync)
}

// onLive handles a live thread operation
func (s *Session) onLive(m protocol.Message) {
	seq := s.sync.next
	s.sync.next++
	switch s.state {
	case connfsm.Syncing:
		s.sync.buffered = append(s.sync.buffered, m)
	case connfsm.Synced:
		s.apply(seq, m)
	}
}

// apply applies the operation with sequence number seq to the thread and
// runs its effects on the authored post. Returns false, if the connection had
// to be dropped.
func (s *Session) apply(seq uint64, m protocol.Message) bool {
	if ctr := s.model.Counter(); seq > ctr {
		// Resynchronise from the last applied operation
		s.log.Error().Uint64("seq", seq).Uint64("ctr", ctr).Msg("gap in thread log")
		s.drop()
		return false
	}
	applied, err := s.model.ApplyAt(seq, m)
	if err != nil {
		s.log.Warn().Err(err).Stringer("type", m.Type()).Msg("applying operation")
	}
	if !applied {
		return true
	}

	mine := false
	switch m := m.(type) {
	case protocol.Insert:
		switch s.opts.Nonces.Match(m.Nonce, s.opts.Tab) {
		case nonce.Own:
			mine = true
			s.markMine(m.ID, m.Thread)
			s.bind(m)
		case nonce.Sibling:
			mine = true
			s.markMine(m.ID, m.Thread)
		}
	case protocol.Finish:
		if s.post != nil && s.post.ID() == m.ID && !s.post.Finished() {
			s.log.Info().Uint64("post", m.ID).Msg("open post closed by server")
			s.dropPost()
		}
	case protocol.Lock:
		if m.Thread == s.opts.Thread {
			s.onLock(m.Locked)
		}
	}
	s.emitOp(m, mine)
	return true
}

func (s *Session) markMine(id, th uint64) {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.MarkMine(id, th); err != nil {
		s.log.Error().Err(err).Uint64("post", id).Msg("marking post as own")
	}
}
