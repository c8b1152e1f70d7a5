package client

import (
	"context"
	"time"

	"threadsync/internal/compose"
	"threadsync/internal/connfsm"
	"threadsync/internal/localstore"
	"threadsync/internal/postfsm"
	"threadsync/internal/protocol"
	"threadsync/internal/thread"
)

// PostOptions of a newly opened post
type PostOptions struct {
	Subject string
	// Possession secret for reclaiming the post. Generated, if empty.
	Password string
}

// online reports, if post operations can be sent right away
func (s *Session) online() bool {
	return s.state == connfsm.Synced && s.postState != postfsm.Halted
}

// postEvent feeds e to the post state machine
func (s *Session) postEvent(e postfsm.Event) bool {
	next, ok := postfsm.Next(s.postState, e)
	if !ok {
		return false
	}
	s.log.Debug().
		Stringer("from", s.postState).
		Stringer("event", e).
		Stringer("to", next).
		Msg("post")
	s.postState = next
	return true
}

// Open starts authoring a post in the synced thread. On the thread index the
// post opens a new thread.
func (s *Session) Open(ctx context.Context, opts PostOptions) error {
	return s.do(ctx, func() error {
		if !s.postEvent(postfsm.Open) {
			return ErrCannotOpen
		}
		s.postOpts = compose.Options{
			Tab:      s.opts.Tab,
			Parent:   s.opts.Thread,
			Name:     s.opts.Name,
			Subject:  opts.Subject,
			Password: opts.Password,
			Nonces:   s.opts.Nonces,
			Now:      s.opts.Now,
		}
		s.post = compose.New(s.postOpts)
		s.postThread = 0
		s.emitCompose()
		return nil
	})
}

// edit runs fn on the open post and sends the produced operations
func (s *Session) edit(ctx context.Context, fn func(p *compose.Post) ([]protocol.Message, error)) error {
	return s.do(ctx, func() error {
		p := s.post
		if p == nil || !s.postState.Open() {
			return ErrNoPost
		}
		msgs, err := fn(p)
		if err != nil {
			return err
		}
		s.send(msgs...)
		s.afterEdit()
		if err := p.Err(); err != nil {
			s.log.Error().Err(err).Msg("allocating post")
			return err
		}
		return nil
	})
}

// Input sets the open line of the post, as held by the input field
func (s *Session) Input(ctx context.Context, line string) error {
	return s.edit(ctx, func(p *compose.Post) ([]protocol.Message, error) {
		return p.SetInput(line, s.online()), nil
	})
}

// Commit sends all uncommitted text of the post
func (s *Session) Commit(ctx context.Context) error {
	return s.edit(ctx, func(p *compose.Post) ([]protocol.Message, error) {
		return p.Commit(s.online()), nil
	})
}

// AttachImage attaches an image uploaded with UploadImage
func (s *Session) AttachImage(ctx context.Context, token, name string, spoiler bool) error {
	return s.edit(ctx, func(p *compose.Post) ([]protocol.Message, error) {
		return p.AttachImage(token, name, spoiler, s.online())
	})
}

// Spoiler hides the attached image
func (s *Session) Spoiler(ctx context.Context) error {
	return s.edit(ctx, func(p *compose.Post) ([]protocol.Message, error) {
		return p.Spoiler(), nil
	})
}

// Finish completes the post. Offline, the post is given up on.
func (s *Session) Finish(ctx context.Context) error {
	return s.edit(ctx, func(p *compose.Post) ([]protocol.Message, error) {
		return p.Finish(s.online()), nil
	})
}

// afterEdit persists the open post for reclaiming or releases a finished one
func (s *Session) afterEdit() {
	if s.post == nil {
		return
	}
	if s.post.Finished() {
		s.releasePost()
		return
	}
	s.saveOpen()
	s.emitCompose()
}

// bind assigns the id of the echoed allocation to the authored post
func (s *Session) bind(m protocol.Insert) {
	if s.post == nil || s.post.Nonce() != m.Nonce || !s.post.Allocating() {
		return
	}
	msgs := s.post.Bind(m.ID)
	s.postThread = m.Thread
	s.postEvent(postfsm.Allocated)
	s.log.Debug().Uint64("post", m.ID).Msg("post allocated")
	s.send(msgs...)
	s.afterEdit()
}

// dropPost gives up on the authored post without sending anything
func (s *Session) dropPost() {
	if s.post != nil {
		if err := s.post.Abandon(); err != nil {
			s.log.Error().Err(err).Msg("evicting nonce")
		}
	}
	s.releasePost()
}

// releasePost forgets the finished or abandoned post
func (s *Session) releasePost() {
	s.post = nil
	s.reclaim = reclaimNone
	s.postThread = 0
	s.clearOpen()
	switch s.postState {
	case postfsm.Halted:
		s.postEvent(postfsm.Abandon)
	case postfsm.Draft, postfsm.Alloc:
		s.postEvent(postfsm.Done)
	}
	if s.state != connfsm.Synced {
		s.postEvent(postfsm.Disconnect)
	}
	s.emitCompose()
}

func (s *Session) onLock(locked bool) {
	if !locked {
		s.postEvent(postfsm.Unlock)
		s.emitCompose()
		return
	}
	if s.postState == postfsm.Draft {
		// The allocation can no longer succeed
		s.dropPost()
	}
	s.postEvent(postfsm.Lock)
	s.emitCompose()
}

func (s *Session) onReject(m protocol.Reject) {
	s.log.Info().
		Stringer("code", m.Code).
		Str("reason", m.Reason).
		Str("nonce", m.Nonce).
		Msg("request rejected")
	s.emit(Event{Kind: EventReject, Reject: &m})

	if m.Nonce != "" {
		if m.Code == protocol.RejectDuplicateNonce {
			if err := s.opts.Nonces.Evict(m.Nonce); err != nil {
				s.log.Error().Err(err).Msg("evicting nonce")
			}
		}
		if s.post == nil || s.post.Nonce() != m.Nonce || !s.post.Allocating() {
			return
		}
		s.dropPost()
		if m.Code == protocol.RejectThreadLocked {
			s.postEvent(postfsm.Lock)
			s.emitCompose()
		}
		return
	}

	switch m.Code {
	case protocol.RejectNoPostOpen, protocol.RejectNotOwner:
		// The server no longer accepts edits of the post
		if s.post != nil && s.post.Allocated() {
			s.dropPost()
		}
	}
}

// reclaimState tracks the reclaim of a halted post on the current connection
type reclaimState uint8

const (
	reclaimNone reclaimState = iota
	// Requested along with the Synchronise
	reclaimPending
	// Granted while still catching up. Resumed once synced.
	reclaimGranted
)

// reclaimHalted decides the fate of a post left open by a dropped connection,
// as soon as a new connection opens: reclaimed inside the reclaim window,
// abandoned after it
func (s *Session) reclaimHalted() {
	if s.postState != postfsm.Halted || s.reclaim != reclaimNone {
		return
	}
	if s.post == nil || !s.post.Allocated() || s.opts.Now().Sub(s.post.Opened()) >= s.opts.ReclaimWindow {
		s.log.Info().Msg("abandoning halted post")
		s.dropPost()
		return
	}
	s.log.Debug().Uint64("post", s.post.ID()).Msg("reclaiming post")
	s.reclaim = reclaimPending
	s.send(protocol.Reclaim{ID: s.post.ID(), Password: s.post.Password()})
}

func (s *Session) onReclaimResult(m protocol.ReclaimResult) {
	if s.reclaim != reclaimPending || s.postState != postfsm.Halted || s.post == nil {
		return
	}
	if m.Code != protocol.ReclaimOK {
		s.log.Info().Uint64("post", s.post.ID()).Msg("reclaim failed")
		s.reclaim = reclaimNone
		s.dropPost()
		return
	}
	if s.state != connfsm.Synced {
		// The body is only known once the backlog is applied
		s.reclaim = reclaimGranted
		return
	}
	s.resumeReclaimed()
}

// resumeReclaimed continues authoring the reclaimed post from the body the
// server holds
func (s *Session) resumeReclaimed() {
	s.reclaim = reclaimNone
	id := s.post.ID()
	s.postEvent(postfsm.Reclaim)
	committed := s.post.Body()
	if p, ok := s.model.Post(id); ok {
		// Operations lost with the connection never reached the server
		committed = p.Body
	}
	line := s.post.Line()
	s.post = compose.Resume(s.postOptsAt(s.post.Opened()), id, committed)
	s.log.Info().Uint64("post", id).Msg("post reclaimed")
	s.send(s.post.SetInput(line, s.online())...)
	s.afterEdit()
}

func (s *Session) postOptsAt(opened time.Time) compose.Options {
	opts := s.postOpts
	opts.Opened = opened
	return opts
}

// restore resumes a post left open by an earlier run of the session. It is
// reclaimed once synced.
func (s *Session) restore() {
	if s.opts.Store == nil {
		return
	}
	p, ok, err := s.opts.Store.LoadOpen(s.opts.Tab)
	switch {
	case err != nil:
		s.log.Error().Err(err).Msg("loading open post")
		return
	case !ok:
		return
	case p.Thread != s.opts.Thread && s.opts.Thread != thread.IndexID:
		s.clearOpen()
		return
	}

	s.postOpts = compose.Options{
		Tab:      s.opts.Tab,
		Parent:   s.opts.Thread,
		Name:     s.opts.Name,
		Password: p.Password,
		Nonces:   s.opts.Nonces,
		Now:      s.opts.Now,
	}
	s.post = compose.Resume(s.postOptsAt(p.Opened), p.ID, p.Body)
	s.postThread = p.Thread
	s.postState = postfsm.Halted
	s.log.Info().Uint64("post", p.ID).Msg("restored open post")
}

func (s *Session) saveOpen() {
	if s.opts.Store == nil || s.post == nil || !s.post.Allocated() {
		return
	}
	err := s.opts.Store.SaveOpen(s.opts.Tab, localstore.OpenPost{
		ID:       s.post.ID(),
		Thread:   s.postThread,
		Body:     s.post.Body(),
		Password: s.post.Password(),
		Opened:   s.post.Opened(),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("saving open post")
	}
}

func (s *Session) clearOpen() {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.ClearOpen(s.opts.Tab); err != nil {
		s.log.Error().Err(err).Msg("clearing open post")
	}
}
