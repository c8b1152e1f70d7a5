// Package client is the headless sync client. A Session keeps one thread in
// sync with the server and authors at most one post at a time.
//
// All state of a session is owned by the goroutine running Session.Run. The
// transport, HTTP fetches and user actions hand their results to it over
// channels, so neither state machine ever sees concurrent events.
package client

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"threadsync/internal/compose"
	"threadsync/internal/connfsm"
	"threadsync/internal/localstore"
	"threadsync/internal/nonce"
	"threadsync/internal/postfsm"
	"threadsync/internal/protocol"
	"threadsync/internal/render"
	"threadsync/internal/thread"
)

var (
	ErrClosed = errors.New("session closed")
	// ErrNoPost is returned for post actions without an open post
	ErrNoPost = errors.New("no post open")
	// ErrCannotOpen is returned, if no new post may be opened in the current
	// state
	ErrCannotOpen = errors.New("can not open a post now")
)

// Store persists the session state surviving restarts
type Store interface {
	MarkMine(id, thread uint64) error
	SaveOpen(tab string, p localstore.OpenPost) error
	LoadOpen(tab string) (localstore.OpenPost, bool, error)
	ClearOpen(tab string) error
}

// Options of a Session. Zero values of optional fields get defaults.
type Options struct {
	// Websocket URL of the server
	Server string
	// Thread to sync. thread.IndexID syncs the thread index.
	Thread uint64
	// Session token sent to the server. Grants moderation rights to
	// moderators.
	Token string
	// Identifies the session among sessions sharing the nonce table
	Tab  string
	Name string

	ReclaimWindow   time.Duration
	LivenessTimeout time.Duration
	// Time to stay synced before the reconnection backoff is reset
	StableAfter time.Duration
	// Delay before the reconnecting status is shown
	StatusDelay time.Duration

	Nonces  *nonce.Table
	Store   Store
	Render  *render.Queue
	OnEvent func(Event)

	BackOff backoff.BackOff
	// Reports network reachability. Dials the server by default.
	Online func() bool
	Dialer *websocket.Dialer
	HTTP   *http.Client
	Log    zerolog.Logger
	Now    func() time.Time
}

// Session is the coordinator of one synced thread
type Session struct {
	opts  Options
	log   zerolog.Logger
	fetch *fetcher
	ctx   context.Context

	actions chan func()
	dials   chan dialResult
	inbox   chan inbound
	fetched chan fetchResult
	checks  chan checkResult
	done    chan struct{}

	// Owned by the event loop

	// Generation of the current connection. Results of older connections
	// are discarded.
	gen   uint64
	conn  *websocket.Conn
	state connfsm.State
	model *thread.Thread
	sync  reconciler

	// A reachability check is outstanding
	checking bool

	liveness, retry, stable, status timer

	postState  postfsm.State
	post       *compose.Post
	postOpts   compose.Options
	postThread uint64
	reclaim    reclaimState
}

// New creates a session. Nothing happens until Run is called.
func New(opts Options) (*Session, error) {
	if opts.Tab == "" {
		opts.Tab = uuid.NewString()
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = 10 * time.Second
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = 10 * time.Second
	}
	if opts.StatusDelay <= 0 {
		opts.StatusDelay = 100 * time.Millisecond
	}
	if opts.ReclaimWindow <= 0 {
		opts.ReclaimWindow = 28 * time.Minute
	}
	if opts.BackOff == nil {
		opts.BackOff = connfsm.NewStepBackOff()
	}
	if opts.Online == nil {
		opts.Online = Reachable(opts.Server, time.Second)
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: opts.LivenessTimeout}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Nonces == nil {
		opts.Nonces, _ = nonce.NewTable(nil)
	}

	base, err := apiBase(opts.Server)
	if err != nil {
		return nil, err
	}
	return &Session{
		opts:    opts,
		log:     opts.Log.With().Uint64("thread", opts.Thread).Str("tab", opts.Tab).Logger(),
		fetch:   &fetcher{base: base, client: opts.HTTP, retries: 3},
		actions: make(chan func()),
		dials:   make(chan dialResult),
		inbox:   make(chan inbound),
		fetched: make(chan fetchResult),
		checks:  make(chan checkResult),
		done:    make(chan struct{}),
		model:   thread.New(opts.Thread),
	}, nil
}

// Tab returns the identifier of the session's tab
func (s *Session) Tab() string {
	return s.opts.Tab
}

// Run loads the thread and keeps it in sync until ctx is done
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx
	defer close(s.done)
	defer s.stopTimers()
	defer s.closeConn()

	s.load(ctx)
	s.restore()
	s.transition(connfsm.Start)

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.actions:
			fn()
		case r := <-s.dials:
			s.onDial(r)
		case in := <-s.inbox:
			s.onInbound(in)
		case r := <-s.fetched:
			s.onFetched(r)
		case r := <-s.checks:
			s.onCheck(r)
		case <-s.liveness.c:
			s.liveness.fired()
			s.log.Warn().Stringer("state", s.state).Msg("liveness timeout")
			s.drop()
		case <-s.retry.c:
			s.retry.fired()
			s.onRetry()
		case <-s.stable.c:
			s.stable.fired()
			s.opts.BackOff.Reset()
		case <-s.status.c:
			s.status.fired()
			if s.state == connfsm.Reconnecting {
				s.emitStatus()
			}
		}
	}
}

// load fetches the initial state of the thread. Without it the session starts
// from an empty thread and catches up through the log.
func (s *Session) load(ctx context.Context) {
	snap, err := s.fetch.snapshot(ctx, s.opts.Thread)
	if err != nil {
		s.log.Warn().Err(err).Msg("initial load failed")
		return
	}
	s.model.Replace(snap)
	s.emit(Event{Kind: EventThread, Snapshot: &snap})
}

// transition feeds e to the connection state machine and runs the side
// effects of the new state
func (s *Session) transition(e connfsm.Event) {
	s.advance(e, false)
}

// advance is transition with the reachability reported for a retry
func (s *Session) advance(e connfsm.Event, online bool) {
	next, ok := connfsm.Next(s.state, e, online)
	if !ok {
		return
	}
	prev := s.state
	s.state = next
	s.log.Debug().
		Stringer("from", prev).
		Stringer("event", e).
		Stringer("to", next).
		Msg("connection")

	switch next {
	case connfsm.Connecting:
		s.emitStatus()
		s.connect()
	case connfsm.Reconnecting:
		s.status.arm(s.opts.StatusDelay)
		s.connect()
	case connfsm.Syncing:
		s.emitStatus()
		s.requestSync()
		s.reclaimHalted()
	case connfsm.Synced:
		s.synced()
	case connfsm.Dropped:
		s.dropped()
	case connfsm.Desynced:
		s.desynced()
	}
}

func (s *Session) drop() {
	s.transition(connfsm.Close)
}

func (s *Session) onDial(r dialResult) {
	if r.gen != s.gen || (s.state != connfsm.Connecting && s.state != connfsm.Reconnecting) {
		if r.conn != nil {
			r.conn.Close()
		}
		return
	}
	if r.err != nil {
		s.log.Debug().Err(r.err).Msg("dial failed")
		s.drop()
		return
	}
	s.conn = r.conn
	go s.read(r.conn, r.gen)
	s.transition(connfsm.Open)
}

type checkResult struct {
	gen    uint64
	online bool
}

// onRetry checks reachability without blocking the event loop. The retry
// proceeds, once the check reports.
func (s *Session) onRetry() {
	if s.state != connfsm.Dropped || s.checking {
		return
	}
	s.checking = true
	gen := s.gen
	go func() {
		online := s.opts.Online()
		select {
		case s.checks <- checkResult{gen: gen, online: online}:
		case <-s.done:
		}
	}()
}

func (s *Session) onCheck(r checkResult) {
	s.checking = false
	if r.gen != s.gen || s.state != connfsm.Dropped {
		return
	}
	s.advance(connfsm.Retry, r.online)
	if s.state == connfsm.Dropped {
		// Still offline
		s.retry.arm(s.nextBackOff())
	}
}

func (s *Session) nextBackOff() time.Duration {
	d := s.opts.BackOff.NextBackOff()
	if d == backoff.Stop {
		d = time.Minute
	}
	return d
}

func (s *Session) synced() {
	s.liveness.stop()
	s.stable.arm(s.opts.StableAfter)
	s.emitStatus()

	s.postEvent(postfsm.Sync)
	if s.model.Locked() {
		s.postEvent(postfsm.Lock)
	}
	if s.reclaim == reclaimGranted {
		s.resumeReclaimed()
	}
	s.emitCompose()
}

func (s *Session) dropped() {
	s.closeConn()
	s.gen++
	s.sync.reset()
	s.reclaim = reclaimNone
	s.liveness.stop()
	s.stable.stop()
	s.status.stop()

	if s.post != nil && !s.post.Allocated() {
		// Nothing of the post exists on the server
		s.postEvent(postfsm.Disconnect)
		s.dropPost()
	} else {
		s.postEvent(postfsm.Disconnect)
		s.emitCompose()
	}

	s.retry.arm(s.nextBackOff())
	s.emitStatus()
}

func (s *Session) desynced() {
	s.closeConn()
	s.gen++
	s.sync.reset()
	s.reclaim = reclaimNone
	s.stopTimers()
	s.postEvent(postfsm.Error)
	s.emitStatus()
	s.emitCompose()
}

func (s *Session) stopTimers() {
	s.liveness.stop()
	s.retry.stop()
	s.stable.stop()
	s.status.stop()
}

func (s *Session) onInbound(in inbound) {
	if in.gen != s.gen {
		return
	}
	switch {
	case in.pong:
		if s.state == connfsm.Synced {
			s.liveness.stop()
		}
		return
	case in.err != nil:
		s.log.Debug().Err(in.err).Msg("connection closed")
		s.drop()
		return
	}

	msgs, err := protocol.DecodeServer(in.frame)
	if err != nil {
		s.log.Error().Err(err).Bytes("frame", in.frame).Msg("malformed frame")
		s.transition(connfsm.Error)
		return
	}
	for _, m := range msgs {
		s.onMessage(m)
		if s.gen != in.gen {
			// Connection lost while handling
			return
		}
	}
}

func (s *Session) onMessage(m protocol.Message) {
	switch m := m.(type) {
	case protocol.Synchronise:
		s.onSyncReply(m.Ctr)
	case protocol.Desync:
		s.log.Info().Uint64("ctr", s.model.Counter()).Msg("desync, reloading")
		s.reload()
	case protocol.Invalid:
		s.log.Error().Str("reason", m.Reason).Msg("server reported protocol violation")
		s.transition(connfsm.Error)
	case protocol.Reject:
		s.onReject(m)
	case protocol.ReclaimResult:
		s.onReclaimResult(m)
	case protocol.SyncCount:
		s.emit(Event{Kind: EventCount, Count: m.Count})
	default:
		if m.Type().Mutates() {
			s.onLive(m)
		}
	}
}

// send encodes and writes messages. Nothing is sent without a connection.
func (s *Session) send(msgs ...protocol.Message) {
	for _, m := range msgs {
		frame, err := protocol.Encode(m)
		if err != nil {
			s.log.Error().Err(err).Stringer("type", m.Type()).Msg("encoding message")
			continue
		}
		if !s.write(frame) {
			return
		}
	}
}

// do runs fn on the event loop and returns its error
func (s *Session) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case s.actions <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
	return <-errc
}

// Status returns the states of the connection and the authored post
func (s *Session) Status(ctx context.Context) (conn connfsm.State, post postfsm.State, err error) {
	err = s.do(ctx, func() error {
		conn, post = s.state, s.postState
		return nil
	})
	return
}

// Thread returns a copy of the synced thread
func (s *Session) Thread(ctx context.Context) (snap thread.Snapshot, err error) {
	err = s.do(ctx, func() error {
		snap = s.model.Snapshot()
		return nil
	})
	return
}

// Compose returns the state of the authored post
func (s *Session) Compose(ctx context.Context) (c ComposeState, err error) {
	err = s.do(ctx, func() error {
		c = *s.composeState()
		return nil
	})
	return
}

// Focus revalidates the connection after the session regained attention. A
// dropped connection is retried at once, a synced one pinged.
func (s *Session) Focus(ctx context.Context) error {
	return s.do(ctx, func() error {
		switch s.state {
		case connfsm.Dropped:
			s.retry.stop()
			s.onRetry()
		case connfsm.Synced:
			s.ping()
		}
		return nil
	})
}

// UploadImage registers a processed image with the server and returns the
// token to attach it with
func (s *Session) UploadImage(ctx context.Context, img protocol.Image) (string, error) {
	return s.fetch.uploadImage(ctx, img)
}

// timer is a stoppable one-shot timer for use in a select loop. c is nil
// while disarmed.
type timer struct {
	t *time.Timer
	c <-chan time.Time
}

func (t *timer) arm(d time.Duration) {
	t.stop()
	t.t = time.NewTimer(d)
	t.c = t.t.C
}

func (t *timer) stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.c = nil
}

func (t *timer) fired() {
	t.t = nil
	t.c = nil
}
