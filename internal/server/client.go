package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"threadsync/internal/metrics"
	"threadsync/internal/protocol"
	"threadsync/internal/store"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

// Client is one websocket connection. Its frames are handled sequentially by
// the read loop, so all mutations of one connection are serialized.
type Client struct {
	id         string
	s          *Server
	conn       *websocket.Conn
	log        zerolog.Logger
	ip         string
	capability store.Capability

	send      chan []byte
	done      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
	quitOnce  sync.Once

	// Only accessed by the read loop
	synced bool
	thread uint64

	mu   sync.Mutex
	open *openPost
}

// openPost is the one post a connection may have open. Non-nil strictly
// between allocation and finish.
type openPost struct {
	id       uint64
	thread   uint64
	time     int64
	body     string
	hasImage bool
	spoiler  bool
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	capability, err := s.posts.Capability(r.Context(), sessionToken(r))
	if err != nil {
		s.log.Error().Err(err).Msg("looking up session")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &Client{
		id:         uuid.NewString(),
		s:          s,
		conn:       conn,
		ip:         remoteIP(r),
		capability: capability,
		send:       make(chan []byte, s.cfg.SendBuffer),
		done:       make(chan struct{}),
		quit:       make(chan struct{}),
	}
	c.log = s.log.With().Str("client", c.id).Str("ip", c.ip).Logger()

	metrics.Connections.Inc()
	defer metrics.Connections.Dec()
	c.log.Debug().Msg("client connected")

	go c.writePump()
	c.readPump(s.ctx)
	c.disconnect()
	c.log.Debug().Msg("client disconnected")
}

// sessionToken returns the token from the session cookie or a bearer
// authorization header
func sessionToken(r *http.Request) string {
	if ck, err := r.Cookie("session"); err == nil {
		return ck.Value
	}
	if t, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return t
	}
	return ""
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Send queues a frame without blocking. A client that can not keep up is
// disconnected.
func (c *Client) Send(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
		c.log.Warn().Msg("send buffer overflow")
		c.Close()
	}
}

func (c *Client) sendMessage(m protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.Send(frame)
	return nil
}

// Close drops the connection immediately
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// stop closes the connection after queued frames are written
func (c *Client) stop() {
	c.quitOnce.Do(func() { close(c.quit) })
}

func (c *Client) readPump(ctx context.Context) {
	defer c.stop()

	pongWait := c.s.cfg.PingInterval * 2
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		typ, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if typ != websocket.TextMessage {
			err = violation("binary frame")
		} else {
			err = c.handleFrame(ctx, frame)
		}
		if err != nil && !c.handleError(err) {
			return
		}
	}
}

// handleError reports err to the client. Returns false, if the connection
// must be closed.
func (c *Client) handleError(err error) bool {
	var rej *Rejection
	switch {
	case protocol.IsInvalid(err):
		metrics.ProtocolViolations.Inc()
		c.log.Warn().Err(err).Uint64("thread", c.thread).Msg("protocol violation")
		var inv *protocol.InvalidError
		errors.As(err, &inv)
		_ = c.sendMessage(protocol.Invalid{Reason: inv.Reason})
		return false
	case errors.As(err, &rej):
		metrics.Rejections.WithLabelValues(rej.Code.String()).Inc()
		c.log.Info().Str("reason", rej.reason()).Uint64("thread", c.thread).Msg("request rejected")
		_ = c.sendMessage(rej.message())
		return true
	default:
		c.log.Error().Err(err).Uint64("thread", c.thread).Msg("handling message")
		return false
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(c.drain(frame)); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			select {
			case frame := <-c.send:
				_ = c.write(c.drain(frame))
			default:
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-c.done:
			return
		}
	}
}

// drain packs frame and everything else already queued into one frame
func (c *Client) drain(frame []byte) []byte {
	n := len(c.send)
	if n == 0 {
		return frame
	}
	frames := make([][]byte, 0, n+1)
	frames = append(frames, frame)
	for ; n > 0; n-- {
		frames = append(frames, <-c.send)
	}
	return protocol.Concat(frames...)
}

func (c *Client) write(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// disconnect leaves the synced feed and releases the open post, which stays
// open for reclaiming until upkeep closes it
func (c *Client) disconnect() {
	if c.synced {
		c.s.leave(c, c.thread)
		c.synced = false
	}
	if o := c.takeOpen(); o != nil {
		c.s.release(o.id, c)
	}
}

func (c *Client) current() *openPost {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Client) setOpen(o *openPost) {
	c.mu.Lock()
	c.open = o
	c.mu.Unlock()
}

func (c *Client) takeOpen() *openPost {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.open
	c.open = nil
	return o
}

// clearOpen drops the open post, if it is id
func (c *Client) clearOpen(id uint64) {
	c.mu.Lock()
	if c.open != nil && c.open.id == id {
		c.open = nil
	}
	c.mu.Unlock()
}

// release ownership of a post, if c still holds it
func (s *Server) release(id uint64, c *Client) {
	s.owners.Compute(id, func(old *Client, loaded bool) (*Client, bool) {
		return old, !loaded || old == c
	})
}
