// Package ui serves the local user interface of the agent over websockets.
// UI clients receive the session's render events and send post actions.
package ui

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"threadsync/internal/client"
	"threadsync/internal/thread"
)

// Actions a UI client may perform on the session
type Actions interface {
	Open(ctx context.Context, opts client.PostOptions) error
	Input(ctx context.Context, line string) error
	Commit(ctx context.Context) error
	AttachImage(ctx context.Context, token, name string, spoiler bool) error
	Spoiler(ctx context.Context) error
	Finish(ctx context.Context) error
	Focus(ctx context.Context) error
	Thread(ctx context.Context) (thread.Snapshot, error)
}

// Hub maintains the set of connected UI clients and broadcasts events to them
type Hub struct {
	log        zerolog.Logger
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.log.Debug().Int("clients", len(h.clients)).Msg("client registered")
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Debug().Int("clients", len(h.clients)).Msg("client unregistered")
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
		}
	}
}

// Publish broadcasts a session event to all clients
func (h *Hub) Publish(e client.Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		h.log.Error().Err(err).Msg("encoding event")
		return
	}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs upgrades a UI connection. The client first receives the full
// thread, then live events. It is registered before the thread is read, so
// no event is missed. Events carry full state, so ones already reflected in
// the thread are harmless.
func ServeWs(hub *Hub, actions Actions, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	c := &Client{
		hub:     hub,
		actions: actions,
		conn:    conn,
		send:    make(chan []byte, 256),
		replies: make(chan []byte, 16),
	}

	select {
	case hub.register <- c:
	case <-hub.done:
		conn.Close()
		return
	}

	// Events published meanwhile wait in c.send
	if err := c.sendThread(r.Context()); err != nil {
		hub.log.Debug().Err(err).Msg("sending thread")
		select {
		case hub.unregister <- c:
		case <-hub.done:
		}
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// sendThread writes the thread snapshot ahead of any event
func (c *Client) sendThread(ctx context.Context) error {
	snap, err := c.actions.Thread(ctx)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(client.Event{Kind: client.EventThread, Snapshot: &snap})
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}
