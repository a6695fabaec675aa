package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/berth-dev/keel/internal/session"
	"github.com/berth-dev/keel/internal/workitem"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// Clients only send control frames and small acks.
	maxReadSize = 64 * 1024
	// Holds a full mailbox replay at the default mailbox limit.
	sendBuffer = 1024
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("client send buffer full")
)

// EventWorkItemUpdated is broadcast to every connection watching a work item
// whenever its persisted state changes.
const EventWorkItemUpdated = "work_item_updated"

type workItemUpdate struct {
	Kind       string             `json:"type"`
	WorkItemID string             `json:"workItemId"`
	Payload    *workitem.WorkItem `json:"payload"`
	Timestamp  time.Time          `json:"timestamp"`
}

// conn is one client WebSocket. It is the session sink for its work item.
// Only writePump writes to ws; senders enqueue and never block.
type conn struct {
	ws   *websocket.Conn
	send chan any
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws, send: make(chan any, sendBuffer), done: make(chan struct{})}
}

// Send implements session.Sink. A client that cannot keep up is closed so
// it reconnects and receives the queued events as a replay.
func (c *conn) Send(e session.Event) error {
	return c.enqueue(e)
}

func (c *conn) enqueue(v any) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- v:
		return nil
	default:
		c.close()
		return errSendBufferFull
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// Hub tracks open connections per work item and broadcasts entity updates
// to them. It implements session.Broadcaster.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*conn]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*conn]struct{})}
}

func (h *Hub) add(id string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[id]
	if !ok {
		set = make(map[*conn]struct{})
		h.conns[id] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(id string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.conns[id]
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, id)
	}
}

// Count returns the number of open connections for a work item.
func (h *Hub) Count(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[id])
}

// BroadcastWorkItem sends a work_item_updated event to every connection
// watching id. A connection whose buffer is full is closed; its read loop
// cleans up.
func (h *Hub) BroadcastWorkItem(id string, item *workitem.WorkItem) {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns[id]))
	for c := range h.conns[id] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	msg := workItemUpdate{Kind: EventWorkItemUpdated, WorkItemID: id, Payload: item, Timestamp: time.Now()}
	for _, c := range targets {
		_ = c.enqueue(msg)
	}
}

// CloseAll closes every connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*conn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.close()
	}
}

// handleWebSocket attaches the connection as the work item's session sink.
// Queued events are replayed first, then live events follow.
func (s *Server) handleWebSocket(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetWorkItem(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "entity", id, "error", err)
		return
	}
	client := newConn(ws)
	defer client.close()
	go s.writePump(client)

	s.hub.add(id, client)
	defer s.hub.remove(id, client)

	if err := s.manager.RegisterClient(id, client); err != nil {
		s.logger.Warn("registering client", "entity", id, "error", err)
		return
	}
	defer s.manager.UnregisterClient(id, client)
	s.logger.Info("client connected", "entity", id)

	s.readLoop(client)
	s.logger.Info("client disconnected", "entity", id)
}

// readLoop drains client frames until the connection fails.
func (s *Server) readLoop(c *conn) {
	c.ws.SetReadLimit(maxReadSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the single writer of c. It sends queued messages and pings
// until the connection is closed.
func (s *Server) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case v := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(v); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		}
	}
}
