package client

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"ttun/internal/tunnel"
)

// controlConn serializes writes to the control websocket. Reads happen only
// on the dispatcher loop.
type controlConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *controlConn) Send(env tunnel.Envelope) error {
	data, err := tunnel.Encode(env)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *controlConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *controlConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *controlConn) read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *controlConn) Close() error {
	return c.ws.Close()
}
