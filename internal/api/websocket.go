package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tez-core/internal/channel"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsSendBuffer = 256
	wsWriteWait  = 5 * time.Second
	wsPingEvery  = 30 * time.Second
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// offer queues msg without blocking. False means the buffer is full or the
// client is gone.
func (c *wsClient) offer(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub drains the backend data lane and broadcasts every packet to the
// connected websocket clients. Slow clients are dropped.
type Hub struct {
	data *channel.Channel

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func NewHub(data *channel.Channel) *Hub {
	return &Hub{data: data, clients: make(map[*wsClient]struct{})}
}

// Run is the only reader of the data lane.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for ctx.Err() == nil {
		h.data.Wait(ctx, 100*time.Millisecond)
		for {
			v, ok := h.data.FetchData()
			if !ok {
				break
			}
			msg, err := json.Marshal(v)
			if err != nil {
				log.Printf("ws: encode %T: %v", v, err)
				continue
			}
			h.broadcast(msg)
		}
	}
}

func (h *Hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.offer(msg) {
			log.Printf("ws: client %s too slow, dropping", c.conn.RemoteAddr())
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// Clients reports connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// wsCommand is a command sent by a websocket client. The response is written
// back on the same socket.
type wsCommand struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	s.Hub.add(client)
	defer s.Hub.remove(client)

	go writePump(client)

	// Request context ends when the handler returns.
	ctx := context.WithoutCancel(c.Request.Context())
	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws read error: %v", err)
			}
			return
		}
		if cmd.Command == "" || s.Bridge == nil {
			continue
		}
		go s.relay(ctx, client, cmd)
	}
}

func (s *Server) relay(ctx context.Context, client *wsClient, cmd wsCommand) {
	var payload any
	if len(cmd.Payload) > 0 {
		payload = cmd.Payload
	}
	resp, err := s.Bridge.Call(ctx, cmd.Command, payload)
	if err != nil {
		resp = channel.Response{Command: cmd.Command, Error: err.Error()}
	}
	msg, err := json.Marshal(gin.H{"type": "response", "data": resp})
	if err != nil {
		return
	}
	client.offer(msg)
}

func writePump(c *wsClient) {
	ping := time.NewTicker(wsPingEvery)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
