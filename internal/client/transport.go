package client

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type dialResult struct {
	gen  uint64
	conn *websocket.Conn
	err  error
}

// inbound is a frame, a pong or the read error of the connection of
// generation gen
type inbound struct {
	gen   uint64
	frame []byte
	pong  bool
	err   error
}

// Reachable returns a check reporting, if a TCP connection to the host of
// the websocket URL can be opened within timeout
func Reachable(wsURL string, timeout time.Duration) func() bool {
	addr := hostPort(wsURL)
	return func() bool {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

func hostPort(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}
	if u.Port() != "" {
		return u.Host
	}
	switch u.Scheme {
	case "wss", "https":
		return net.JoinHostPort(u.Hostname(), "443")
	default:
		return net.JoinHostPort(u.Hostname(), "80")
	}
}

// connect dials the server without blocking the event loop. The result is
// delivered tagged with the current connection generation.
func (s *Session) connect() {
	s.gen++
	gen := s.gen
	header := http.Header{}
	if s.opts.Token != "" {
		header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.LivenessTimeout)
		defer cancel()
		conn, _, err := s.opts.Dialer.DialContext(ctx, s.opts.Server, header)
		select {
		case s.dials <- dialResult{gen: gen, conn: conn, err: err}:
		case <-s.done:
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

// read pumps frames of conn into the event loop until the connection fails
func (s *Session) read(conn *websocket.Conn, gen uint64) {
	conn.SetPongHandler(func(string) error {
		s.deliver(inbound{gen: gen, pong: true})
		return nil
	})
	for {
		_, frame, err := conn.ReadMessage()
		if !s.deliver(inbound{gen: gen, frame: frame, err: err}) || err != nil {
			return
		}
	}
}

func (s *Session) deliver(in inbound) bool {
	select {
	case s.inbox <- in:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) closeConn() {
	if s.conn == nil {
		return
	}
	s.conn.Close()
	s.conn = nil
}

// write sends a frame on the current connection. A failed write drops the
// connection.
func (s *Session) write(frame []byte) bool {
	if s.conn == nil {
		return false
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.log.Debug().Err(err).Msg("write failed")
		s.drop()
		return false
	}
	return true
}

// ping checks the liveness of an apparently healthy connection. The pong
// disarms the liveness timer.
func (s *Session) ping() {
	if s.conn == nil {
		return
	}
	err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	if err != nil {
		s.log.Debug().Err(err).Msg("ping failed")
		s.drop()
		return
	}
	s.liveness.arm(s.opts.LivenessTimeout)
}
