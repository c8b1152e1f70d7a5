// Package server is the sync server. It accepts websocket clients, validates
// and applies their messages to threads, and fans the resulting operations
// out to every client synced to a thread.
//
// Each thread has a single logical writer per process: every mutation
// persists its effect, then appends the operation to the thread's log, which
// also publishes it, all while holding the thread's lock.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"threadsync/internal/config"
	"threadsync/internal/discovery"
	"threadsync/internal/logging"
	"threadsync/internal/metrics"
	"threadsync/internal/protocol"
	"threadsync/internal/store"
	"threadsync/internal/thread"
)

// Posts is the durable post and identity storage
type Posts interface {
	ThreadLocked(ctx context.Context, id uint64) (bool, error)
	Insert(ctx context.Context, p store.NewPost) (id, thread uint64, err error)
	Post(ctx context.Context, id uint64) (store.Post, error)
	SetBody(ctx context.Context, id uint64, body string) error
	SetImage(ctx context.Context, id uint64, img protocol.Image) error
	SetSpoiler(ctx context.Context, id uint64) error
	Close(ctx context.Context, id uint64) error
	Delete(ctx context.Context, ids []uint64) error
	Ban(ctx context.Context, ids []uint64) error
	SetLocked(ctx context.Context, id uint64, locked bool) error
	Threads(ctx context.Context, ids []uint64) (map[uint64]uint64, error)
	ExpiredOpen(ctx context.Context, before time.Time) ([]store.OpenRef, error)
	Snapshot(ctx context.Context, id uint64) (locked bool, posts []thread.Post, err error)
	Capability(ctx context.Context, token string) (store.Capability, error)
}

type Server struct {
	cfg    *config.ServerConfig
	log    zerolog.Logger
	posts  Posts
	tlog   *store.ThreadLog
	tokens *store.Tokens

	// Base context of client connections. Replaced by Run.
	ctx context.Context

	locks  *xsync.MapOf[uint64, *sync.Mutex]
	feeds  *xsync.MapOf[uint64, *feed]
	owners *xsync.MapOf[uint64, *Client]

	upgrader   websocket.Upgrader
	bcryptCost int
	now        func() time.Time
}

func New(
	cfg *config.ServerConfig,
	log zerolog.Logger,
	posts Posts,
	tlog *store.ThreadLog,
	tokens *store.Tokens,
) *Server {
	return &Server{
		cfg:    cfg,
		log:    logging.For(log, "server"),
		posts:  posts,
		tlog:   tlog,
		tokens: tokens,
		ctx:    context.Background(),
		locks:  xsync.NewMapOf[uint64, *sync.Mutex](),
		feeds:  xsync.NewMapOf[uint64, *feed](),
		owners: xsync.NewMapOf[uint64, *Client](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
}

// Run serves HTTP and runs upkeep until ctx is done
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	s.ctx = ctx

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		s.log.Info().Str("addr", s.cfg.Listen).Msg("sync server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		s.runUpkeep(ctx)
		return nil
	})
	if s.cfg.Advertise {
		port, err := listenPort(s.cfg.Listen)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return discovery.Advertise(ctx, logging.For(s.log, "discovery"), port)
		})
	}
	return g.Wait()
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parsing listen address: %w", err)
	}
	return strconv.Atoi(p)
}

// lock acquires the writer locks of threads in ascending order and returns
// the function releasing them
func (s *Server) lock(threads ...uint64) func() {
	ids := dedupe(threads)
	held := make([]*sync.Mutex, 0, len(ids))
	for _, id := range ids {
		mu, _ := s.locks.LoadOrCompute(id, func() *sync.Mutex {
			return new(sync.Mutex)
		})
		mu.Lock()
		held = append(held, mu)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func dedupe(ids []uint64) []uint64 {
	out := append([]uint64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 0
	for i, id := range out {
		if i == 0 || id != out[n-1] {
			out[n] = id
			n++
		}
	}
	return out[:n]
}

// commit performs write and appends m to the logs of threads, as one unit
// under the threads' locks. Nothing is logged, if write fails.
func (s *Server) commit(ctx context.Context, m protocol.Message, write func() error, threads ...uint64) error {
	unlock := s.lock(threads...)
	defer unlock()

	if write != nil {
		if err := write(); err != nil {
			return fmt.Errorf("persisting %s: %w", m.Type(), err)
		}
	}
	return s.appendLocked(ctx, m, threads...)
}

// appendLocked logs and publishes m on threads. The caller holds their locks.
func (s *Server) appendLocked(ctx context.Context, m protocol.Message, threads ...uint64) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	for _, id := range dedupe(threads) {
		if _, err := s.tlog.Append(ctx, id, frame); err != nil {
			return err
		}
		metrics.LogAppends.Inc()
	}
	return nil
}

// logThreads returns the logs an operation on a post of thread th is
// appended to. Opening posts are mirrored to the thread index.
func logThreads(postID, th uint64) []uint64 {
	if postID == th {
		return []uint64{th, thread.IndexID}
	}
	return []uint64{th}
}

// Snapshot returns the full state of a thread consistent with its counter
func (s *Server) Snapshot(ctx context.Context, id uint64) (thread.Snapshot, error) {
	unlock := s.lock(id)
	defer unlock()

	locked, posts, err := s.posts.Snapshot(ctx, id)
	if err != nil {
		return thread.Snapshot{}, err
	}
	ctr, err := s.tlog.Counter(ctx, id)
	if err != nil {
		return thread.Snapshot{}, err
	}
	if posts == nil {
		posts = []thread.Post{}
	}
	return thread.Snapshot{
		Thread: id,
		Ctr:    ctr,
		Locked: locked,
		Posts:  posts,
	}, nil
}
