package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RegisterInfo identifies this exposure to the rendezvous point before any
// command is served.
type RegisterInfo struct {
	TrainingKey string `json:"training_key"`
	EnvID       string `json:"env_id"`
	NumEnvs     int    `json:"num_envs"`
	EnvIdx      int    `json:"env_idx"`
	NumAgents   int    `json:"num_agents"`
	Seed        int64  `json:"seed"`
}

// FrameHandler executes one channel command and returns the encoded reply.
type FrameHandler func(ctx context.Context, data []byte) []byte

// Channel is a persistent bidirectional connection to a rendezvous point.
// Commands arrive as messages instead of inbound connections, so it works
// behind networks that permit no inbound connectivity at all.
type Channel struct {
	url     string
	info    RegisterInfo
	handler FrameHandler
	onDrop  func(error)

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// DialChannel connects to the rendezvous point, sends the registration
// message, and starts serving commands in the background. onDrop fires once
// if the connection breaks before Close.
func DialChannel(ctx context.Context, url string, info RegisterInfo, handler FrameHandler, onDrop func(error)) (*Channel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing rendezvous %s: %w", url, err)
	}

	c := &Channel{
		url:     url,
		info:    info,
		handler: handler,
		onDrop:  onDrop,
		conn:    conn,
	}
	if err := c.register(); err != nil {
		conn.Close()
		return nil, err
	}
	go c.serve()
	return c, nil
}

func (c *Channel) register() error {
	msg := map[string]any{
		"action":       "register",
		"training_key": c.info.TrainingKey,
		"data": map[string]any{
			"env_id":     c.info.EnvID,
			"num_envs":   c.info.NumEnvs,
			"env_idx":    c.info.EnvIdx,
			"num_agents": c.info.NumAgents,
			"seed":       c.info.Seed,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// serve reads commands until the connection breaks or Close runs. One
// command at a time; ordering per session key is then enforced downstream by
// the session registry.
func (c *Channel) serve() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed && c.onDrop != nil {
				c.onDrop(err)
			}
			return
		}
		reply := c.handler(context.Background(), data)

		c.mu.Lock()
		werr := c.conn.WriteMessage(websocket.TextMessage, reply)
		c.mu.Unlock()
		if werr != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed && c.onDrop != nil {
				c.onDrop(werr)
			}
			return
		}
	}
}

// Close releases the connection. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
