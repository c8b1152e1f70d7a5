package server

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"threadsync/internal/body"
	"threadsync/internal/protocol"
	"threadsync/internal/store"
	"threadsync/internal/thread"
)

// The post was closed by upkeep, while the client was still editing it
var errReleased = errors.New("open post released")

// allocate creates a post and broadcasts its insertion with the client's
// nonce, which lets the author recognise it. Any post the client still has
// open is closed first.
func (c *Client) allocate(ctx context.Context, m protocol.Allocate) error {
	s := c.s
	if m.Parent != thread.IndexID && m.Parent != c.thread {
		return violation("allocating in thread %d while synced to %d", m.Parent, c.thread)
	}
	if o := c.current(); o != nil {
		if err := c.closeOpen(ctx, o); err != nil {
			return err
		}
	}

	text := body.Truncate(m.Body)
	if text == "" && m.Image == "" {
		return &Rejection{Code: protocol.RejectNoTextOrImage, Nonce: m.Nonce}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(m.Password), s.bcryptCost)
	if err != nil {
		return violation("unusable password: %v", err)
	}

	unlock := s.lock(m.Parent)
	defer unlock()

	if m.Parent != thread.IndexID {
		locked, err := s.posts.ThreadLocked(ctx, m.Parent)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return &Rejection{Code: protocol.RejectNoThread, Nonce: m.Nonce}
		case err != nil:
			return err
		case locked:
			return &Rejection{Code: protocol.RejectThreadLocked, Nonce: m.Nonce}
		}
	}

	fresh, err := s.tokens.ClaimNonce(ctx, m.Nonce, s.cfg.NonceTTL)
	if err != nil {
		return err
	}
	if !fresh {
		return &Rejection{Code: protocol.RejectDuplicateNonce, Nonce: m.Nonce}
	}

	var img *protocol.Image
	if m.Image != "" {
		i, err := s.tokens.RedeemImage(ctx, m.Image)
		switch {
		case errors.Is(err, store.ErrInvalidToken):
			return &Rejection{Code: protocol.RejectInvalidImage, Nonce: m.Nonce}
		case err != nil:
			return err
		}
		i.Spoiler = m.Spoiler
		img = &i
	}

	now := s.now().Unix()
	id, th, err := s.posts.Insert(ctx, store.NewPost{
		Parent:   m.Parent,
		Subject:  m.Subject,
		Time:     now,
		Body:     text,
		Name:     m.Name,
		Password: hash,
		IP:       c.ip,
		Image:    img,
	})
	if err != nil {
		return err
	}
	if th != m.Parent {
		unlockNew := s.lock(th)
		defer unlockNew()
	}

	err = s.appendLocked(ctx, protocol.Insert{
		ID:     id,
		Parent: m.Parent,
		Thread: th,
		Time:   now,
		Body:   text,
		Nonce:  m.Nonce,
		Name:   m.Name,
		Image:  img,
	}, logThreads(id, th)...)
	if err != nil {
		return err
	}

	s.owners.Store(id, c)
	c.setOpen(&openPost{
		id:       id,
		thread:   th,
		time:     now,
		body:     text,
		hasImage: img != nil,
		spoiler:  img != nil && img.Spoiler,
	})
	c.log.Debug().Uint64("post", id).Uint64("thread", th).Msg("post allocated")
	return nil
}

// ownPost returns the client's open post, if it is id
func (c *Client) ownPost(id uint64) (*openPost, error) {
	o := c.current()
	switch {
	case o == nil:
		return nil, reject(protocol.RejectNoPostOpen)
	case o.id != id:
		return nil, reject(protocol.RejectNotOwner)
	}
	return o, nil
}

// mutate commits an operation on the client's open post. Fails with a
// rejection, if the post was closed in the meantime.
func (c *Client) mutate(ctx context.Context, o *openPost, m protocol.Message, write func() error, threads ...uint64) error {
	if len(threads) == 0 {
		threads = logThreads(o.id, o.thread)
	}
	err := c.s.commit(ctx, m, func() error {
		if owner, ok := c.s.owners.Load(o.id); !ok || owner != c {
			return errReleased
		}
		return write()
	}, threads...)
	if errors.Is(err, errReleased) {
		c.clearOpen(o.id)
		return reject(protocol.RejectNoPostOpen)
	}
	return err
}

func (c *Client) append(ctx context.Context, m protocol.Append) error {
	o, err := c.ownPost(m.ID)
	if err != nil {
		return err
	}
	if m.Text == "" {
		return nil
	}
	text := body.Clip(o.body, m.Text)
	if text == "" {
		return reject(protocol.RejectTooLong)
	}

	next := o.body + text
	err = c.mutate(ctx, o, protocol.Append{ID: o.id, Text: text}, func() error {
		return c.s.posts.SetBody(ctx, o.id, next)
	})
	if err == nil {
		o.body = next
	}
	return err
}

func (c *Client) backspace(ctx context.Context, m protocol.Backspace) error {
	o, err := c.ownPost(m.ID)
	if err != nil {
		return err
	}
	next, err := body.Backspace(o.body)
	if err != nil {
		return &Rejection{Code: protocol.RejectInvalidSplice, Reason: err.Error()}
	}

	err = c.mutate(ctx, o, m, func() error {
		return c.s.posts.SetBody(ctx, o.id, next)
	})
	if err == nil {
		o.body = next
	}
	return err
}

func (c *Client) splice(ctx context.Context, m protocol.Splice) error {
	o, err := c.ownPost(m.ID)
	if err != nil {
		return err
	}
	next, err := body.Splice(o.body, m.Start, m.Len, m.Text)
	switch {
	case errors.Is(err, body.ErrSpliceNOOP):
		return nil
	case err != nil:
		return reject(protocol.RejectInvalidSplice)
	}

	// Clients apply the same clipping, so the request is logged as is
	err = c.mutate(ctx, o, m, func() error {
		return c.s.posts.SetBody(ctx, o.id, next)
	})
	if err == nil {
		o.body = next
	}
	return err
}

func (c *Client) finish(ctx context.Context, m protocol.Finish) error {
	o, err := c.ownPost(m.ID)
	if err != nil {
		return err
	}
	return c.closeOpen(ctx, o)
}

// closeOpen finishes the client's open post
func (c *Client) closeOpen(ctx context.Context, o *openPost) error {
	err := c.mutate(ctx, o, protocol.Finish{ID: o.id}, func() error {
		c.s.owners.Delete(o.id)
		return c.s.posts.Close(ctx, o.id)
	}, logThreads(o.id, o.thread)...)
	var rej *Rejection
	if err == nil || errors.As(err, &rej) {
		c.clearOpen(o.id)
	}
	return err
}

func (c *Client) insertImage(ctx context.Context, m protocol.InsertImage) error {
	o, err := c.ownPost(m.ID)
	if err != nil {
		return err
	}
	if o.hasImage {
		return reject(protocol.RejectHasImage)
	}

	img, err := c.s.tokens.RedeemImage(ctx, m.Token)
	switch {
	case errors.Is(err, store.ErrInvalidToken):
		return reject(protocol.RejectInvalidImage)
	case err != nil:
		return err
	}
	img.Spoiler = m.Spoiler
	if m.Name != "" {
		img.Name = m.Name
	}

	err = c.mutate(ctx, o, protocol.InsertImage{ID: o.id, Image: &img}, func() error {
		return c.s.posts.SetImage(ctx, o.id, img)
	})
	if err == nil {
		o.hasImage = true
		o.spoiler = img.Spoiler
	}
	return err
}

func (c *Client) spoiler(ctx context.Context, m protocol.Spoiler) error {
	o, err := c.ownPost(m.ID)
	if err != nil {
		return err
	}
	switch {
	case !o.hasImage:
		return &Rejection{Code: protocol.RejectUnknown, Reason: "post has no image"}
	case o.spoiler:
		return nil
	}

	err = c.mutate(ctx, o, m, func() error {
		return c.s.posts.SetSpoiler(ctx, o.id)
	})
	if err == nil {
		o.spoiler = true
	}
	return err
}

// reclaim hands a post left open by a dropped connection to this one, if
// the password matches and the post is young enough
func (c *Client) reclaim(ctx context.Context, m protocol.Reclaim) error {
	ok, err := c.tryReclaim(ctx, m)
	if err != nil {
		return err
	}
	code := protocol.ReclaimFailed
	if ok {
		code = protocol.ReclaimOK
	}
	c.log.Info().Uint64("post", m.ID).Bool("ok", ok).Msg("reclaim")
	return c.sendMessage(protocol.ReclaimResult{Code: code})
}

func (c *Client) tryReclaim(ctx context.Context, m protocol.Reclaim) (bool, error) {
	s := c.s
	if c.current() != nil {
		return false, nil
	}
	p, err := s.posts.Post(ctx, m.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}

	// Upkeep closes posts under the same lock
	unlock := s.lock(p.Thread)
	defer unlock()

	if p, err = s.posts.Post(ctx, m.ID); err != nil {
		return false, err
	}
	age := s.now().Sub(time.Unix(p.Time, 0))
	if !p.Editing || age > s.cfg.ReclaimWindow {
		return false, nil
	}
	if bcrypt.CompareHashAndPassword(p.Password, []byte(m.Password)) != nil {
		return false, nil
	}
	if _, loaded := s.owners.LoadOrStore(p.ID, c); loaded {
		return false, nil
	}
	c.setOpen(&openPost{
		id:       p.ID,
		thread:   p.Thread,
		time:     p.Time,
		body:     p.Body,
		hasImage: p.Image != nil,
		spoiler:  p.Image != nil && p.Image.Spoiler,
	})
	return true, nil
}
