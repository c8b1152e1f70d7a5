// Package compose models the post a session is authoring. It turns edits of
// the input field into the operations streamed to the server and keeps the
// body the server is believed to hold.
//
// Methods return the messages to send. The caller owns the connection and
// decides, whether they can be sent.
package compose

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"threadsync/internal/body"
	"threadsync/internal/nonce"
	"threadsync/internal/protocol"
)

var (
	ErrHasImage = errors.New("post already has an image")
	ErrFinished = errors.New("post already finished")
)

// Options of a new post
type Options struct {
	// Tab the post is authored in
	Tab string
	// Thread to reply to. 0 opens a new thread.
	Parent   uint64
	Name     string
	Subject  string
	Password string
	Nonces   *nonce.Table
	Now      func() time.Time

	// Set when resuming a post opened by an earlier session
	Opened time.Time
}

// Post is the open post of a session. Not safe for concurrent use.
type Post struct {
	opts   Options
	opened time.Time

	id         uint64
	nonce      string
	allocating bool
	finishing  bool
	finished   bool

	// Committed text, as held by the server once all sent and queued
	// operations are applied
	body string
	// Uncommitted tail of the open line. Never sent.
	pending string

	image   string
	spoiler bool

	// Operations committed while the allocation is in flight
	queue []protocol.Message

	// Failure to register the nonce of the last allocation
	err error
}

// New opens a post. Nothing is sent until the first commit.
func New(opts Options) *Post {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Password == "" {
		opts.Password = uuid.NewString()
	}
	opened := opts.Opened
	if opened.IsZero() {
		opened = opts.Now()
	}
	return &Post{
		opts:   opts,
		opened: opened,
	}
}

// Resume recreates an allocated post, whose ownership was reclaimed from the
// server after a reconnect
func Resume(opts Options, id uint64, committed string) *Post {
	p := New(opts)
	p.id = id
	p.body = committed
	return p
}

// Err returns and clears the error of registering the nonce of the last
// allocation request. The request is still produced.
func (p *Post) Err() error {
	err := p.err
	p.err = nil
	return err
}

// ID returns the id assigned by the server or 0
func (p *Post) ID() uint64 {
	return p.id
}

func (p *Post) Parent() uint64 {
	return p.opts.Parent
}

func (p *Post) Password() string {
	return p.opts.Password
}

// Opened returns the time the post was opened
func (p *Post) Opened() time.Time {
	return p.opened
}

// Nonce returns the wire form of the pending allocation's nonce
func (p *Post) Nonce() string {
	return p.nonce
}

// Allocated reports, if the server has assigned an id
func (p *Post) Allocated() bool {
	return p.id != 0
}

// Allocating reports, if an allocation request is awaiting its echo
func (p *Post) Allocating() bool {
	return p.allocating
}

// Finished reports, if the post accepts no more edits
func (p *Post) Finished() bool {
	return p.finished
}

// Body returns the committed text
func (p *Post) Body() string {
	return p.body
}

// Pending returns the uncommitted text
func (p *Post) Pending() string {
	return p.pending
}

// Line returns the open line as it should be shown in the input field
func (p *Post) Line() string {
	return body.LastLine(p.body) + p.pending
}

// Queued returns the number of operations awaiting the allocation
func (p *Post) Queued() int {
	return len(p.queue)
}

// canSend reports, if new operations may be produced. Offline unallocated
// posts keep all input local.
func (p *Post) canSend(online bool) bool {
	return online && !p.finished && !p.finishing
}

// SetInput updates the post from the input field, which holds the full open
// line. Appended text is committed in chunks, changes to already committed text
// produce Backspace or Splice operations.
func (p *Post) SetInput(line string, online bool) []protocol.Message {
	if p.finished || p.finishing {
		return nil
	}

	cur := body.LastLine(p.body)
	if strings.HasPrefix(line, cur) {
		return p.extend(line[len(cur):], online)
	}
	if !p.canSend(online) {
		// Committed text can only be changed through the server
		return nil
	}

	edit, more := line, ""
	if i := strings.IndexByte(line, '\n'); i != -1 {
		edit, more = line[:i], line[i:]
	}

	var out []protocol.Message
	curR := []rune(cur)
	if more == "" && len(curR) > 0 && string(curR[:len(curR)-1]) == edit {
		out = p.commit(protocol.Backspace{})
	} else {
		editR := []rune(edit)
		start := 0
		for start < len(editR) && start < len(curR) && editR[start] == curR[start] {
			start++
		}
		out = p.commit(protocol.Splice{Start: start, Len: -1, Text: string(editR[start:])})
	}
	p.pending = ""
	if more != "" {
		out = append(out, p.extend(more, online)...)
	}
	return out
}

// Handle text appended after the committed part of the open line
func (p *Post) extend(add string, online bool) []protocol.Message {
	if !p.canSend(online) {
		p.pending = body.Clip(p.body, add)
		return nil
	}

	commit, rest := body.SplitCommit(add)
	if clipped := body.Clip(p.body, commit); clipped != commit {
		commit, rest = clipped, ""
	}
	p.pending = body.Clip(p.body+commit, rest)
	if commit == "" {
		return nil
	}
	return p.commit(protocol.Append{Text: commit})
}

// Commit sends all uncommitted text
func (p *Post) Commit(online bool) []protocol.Message {
	if !p.canSend(online) || p.pending == "" {
		return nil
	}
	text := p.pending
	p.pending = ""
	return p.commit(protocol.Append{Text: text})
}

// Apply an operation to the local body and route it: sent directly once the
// post has an id, queued while allocating and turned into the allocation
// request otherwise
func (p *Post) commit(m protocol.Message) []protocol.Message {
	var err error
	switch op := m.(type) {
	case protocol.Append:
		p.body += op.Text
	case protocol.Backspace:
		p.body, err = body.Backspace(p.body)
	case protocol.Splice:
		p.body, err = body.Splice(p.body, op.Start, op.Len, op.Text)
	}
	if err != nil {
		// Nothing changed
		return nil
	}

	switch {
	case p.id != 0:
		return []protocol.Message{withID(m, p.id)}
	case p.allocating:
		p.queue = append(p.queue, m)
		return nil
	}

	// Only appended text can open a post. Empty posts have no committed
	// line to edit.
	a, ok := m.(protocol.Append)
	if !ok {
		return nil
	}
	return []protocol.Message{p.allocate(a.Text)}
}

func (p *Post) allocate(text string) protocol.Message {
	n := nonce.New(p.opts.Tab, p.opts.Now())
	p.nonce = n.String()
	p.allocating = true
	if p.opts.Nonces != nil {
		if err := p.opts.Nonces.Add(n); err != nil {
			// Still matched in memory. Only other processes sharing the
			// store miss it.
			p.err = fmt.Errorf("registering nonce %s: %w", p.nonce, err)
		}
	}
	return protocol.Allocate{
		Nonce:    p.nonce,
		Parent:   p.opts.Parent,
		Body:     text,
		Image:    p.image,
		Spoiler:  p.spoiler,
		Name:     p.opts.Name,
		Password: p.opts.Password,
		Subject:  p.opts.Subject,
	}
}

// AttachImage attaches an uploaded image by its token. An unallocated post is
// allocated with the image and any pending text.
func (p *Post) AttachImage(token, name string, spoiler bool, online bool) ([]protocol.Message, error) {
	switch {
	case p.finished || p.finishing:
		return nil, ErrFinished
	case p.image != "":
		return nil, ErrHasImage
	case !online:
		return nil, nil
	}
	p.image = token
	p.spoiler = spoiler

	m := protocol.InsertImage{Token: token, Name: name, Spoiler: spoiler}
	switch {
	case p.id != 0:
		m.ID = p.id
		return []protocol.Message{m}, nil
	case p.allocating:
		p.queue = append(p.queue, m)
		return nil, nil
	}

	text := body.Clip("", p.pending)
	p.pending = ""
	p.body = text
	return []protocol.Message{p.allocate(text)}, nil
}

// Spoiler hides the attached image
func (p *Post) Spoiler() []protocol.Message {
	if p.image == "" || p.spoiler || p.finished {
		return nil
	}
	p.spoiler = true
	if p.id == 0 {
		if p.allocating {
			p.queue = append(p.queue, protocol.Spoiler{})
		}
		return nil
	}
	return []protocol.Message{protocol.Spoiler{ID: p.id}}
}

// Bind assigns the id from the echo of the allocation and returns the
// operations queued meanwhile
func (p *Post) Bind(id uint64) []protocol.Message {
	if !p.allocating {
		return nil
	}
	p.allocating = false
	p.id = id

	out := make([]protocol.Message, 0, len(p.queue)+1)
	for _, m := range p.queue {
		out = append(out, withID(m, id))
	}
	p.queue = nil
	if p.finishing {
		out = append(out, protocol.Finish{ID: id})
		p.finishing = false
		p.finished = true
	}
	return out
}

// Finish completes the post. Pending text is committed first. A post still
// awaiting its allocation is finished once bound. A post never allocated
// produces nothing and vanishes.
func (p *Post) Finish(online bool) []protocol.Message {
	if p.finished || p.finishing {
		return nil
	}
	if !online {
		p.Abandon()
		return nil
	}
	if p.id == 0 && !p.allocating {
		if strings.TrimSpace(p.pending) == "" {
			p.finished = true
			return nil
		}
		// Allocate with the remaining text, then finish on bind
		out := p.Commit(online)
		p.finishing = true
		return out
	}

	out := p.Commit(online)
	if p.allocating {
		p.finishing = true
		return out
	}
	p.finished = true
	return append(out, protocol.Finish{ID: p.id})
}

// Abandon drops the post without sending anything. A pending allocation's
// nonce is evicted, so its late echo is treated as another author's post.
func (p *Post) Abandon() error {
	p.finished = true
	p.finishing = false
	p.pending = ""
	p.queue = nil
	if !p.allocating {
		return nil
	}
	p.allocating = false
	if p.opts.Nonces != nil {
		return p.opts.Nonces.Evict(p.nonce)
	}
	return nil
}

// Set the post id of an operation
func withID(m protocol.Message, id uint64) protocol.Message {
	switch m := m.(type) {
	case protocol.Append:
		m.ID = id
		return m
	case protocol.Backspace:
		m.ID = id
		return m
	case protocol.Splice:
		m.ID = id
		return m
	case protocol.InsertImage:
		m.ID = id
		return m
	case protocol.Spoiler:
		m.ID = id
		return m
	case protocol.Finish:
		m.ID = id
		return m
	default:
		return m
	}
}
