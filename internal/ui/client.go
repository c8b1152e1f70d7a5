package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"threadsync/internal/client"
)

const (
	writeWait     = 10 * time.Second
	actionTimeout = 5 * time.Second
)

// Client is a connected UI
type Client struct {
	hub     *Hub
	actions Actions
	conn    *websocket.Conn
	// Broadcast events. Closed by the hub.
	send chan []byte
	// Messages to this client only
	replies chan []byte
}

// Command sent by a UI client
type Command struct {
	Action   string `json:"action"`
	Line     string `json:"line,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	Name     string `json:"name,omitempty"`
	Spoiler  bool   `json:"spoiler,omitempty"`
}

// Reply to a failed command
type errorReply struct {
	Kind    string `json:"kind"`
	Action  string `json:"action"`
	Message string `json:"message"`
}

func (c *Client) reply(v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		c.hub.log.Error().Err(err).Msg("encoding reply")
		return
	}
	select {
	case c.replies <- msg:
	default:
		c.hub.log.Warn().Msg("reply dropped")
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.hub.log.Debug().Err(err).Msg("decoding command")
			c.reply(errorReply{Kind: "error", Message: "malformed command"})
			continue
		}
		if err := c.run(cmd); err != nil {
			c.reply(errorReply{Kind: "error", Action: cmd.Action, Message: err.Error()})
		}
	}
}

// run performs a command on the session
func (c *Client) run(cmd Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	switch cmd.Action {
	case "open":
		return c.actions.Open(ctx, client.PostOptions{Subject: cmd.Subject, Password: cmd.Password})
	case "input":
		return c.actions.Input(ctx, cmd.Line)
	case "commit":
		return c.actions.Commit(ctx)
	case "image":
		return c.actions.AttachImage(ctx, cmd.Token, cmd.Name, cmd.Spoiler)
	case "spoiler":
		return c.actions.Spoiler(ctx)
	case "finish":
		return c.actions.Finish(ctx)
	case "focus":
		return c.actions.Focus(ctx)
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for {
		var (
			message []byte
			ok      = true
		)
		select {
		case message, ok = <-c.send:
		case message = <-c.replies:
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if !ok {
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
