// Package realtime fans committed changes out to connected sessions.
package realtime

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Room names.
func TaskRoom(id string) string      { return "task:" + id }
func WorkspaceRoom(id string) string { return "workspace:" + id }
func UserRoom(id string) string      { return "user:" + id }

var ErrUnknownConn = errors.New("unknown connection")

// Client is one registered session. Its outbound buffer is closed by
// Hub.Disconnect.
type Client struct {
	id     string
	userID string
	send   chan []byte
	closed bool
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// Send yields the frames queued for the session.
func (c *Client) Send() <-chan []byte { return c.send }

// Hub is the room registry. Connections are indexed by id; a room holds the
// ids of its members and each connection keeps the set of rooms it joined, so
// disconnecting is an index removal.
type Hub struct {
	logger *log.Logger

	mu          sync.RWMutex
	conns       map[string]*Client
	rooms       map[string]map[string]struct{}
	memberships map[string]map[string]struct{}

	dropped atomic.Uint64
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		panic("realtime.NewHub: logger is nil")
	}
	return &Hub{
		logger:      logger,
		conns:       make(map[string]*Client),
		rooms:       make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Register adds a session with an outbound buffer of the given size.
func (h *Hub) Register(userID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 1
	}
	c := &Client{id: uuid.NewString(), userID: userID, send: make(chan []byte, buffer)}
	h.mu.Lock()
	h.conns[c.id] = c
	h.memberships[c.id] = make(map[string]struct{})
	h.mu.Unlock()
	return c
}

// Join adds the connection to room.
func (h *Hub) Join(connID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		return ErrUnknownConn
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[connID] = struct{}{}
	h.memberships[connID][room] = struct{}{}
	return nil
}

// Leave removes the connection from room. Empty rooms are dropped.
func (h *Hub) Leave(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, room)
}

func (h *Hub) leaveLocked(connID, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if joined, ok := h.memberships[connID]; ok {
		delete(joined, room)
	}
}

// Disconnect removes every membership of the connection and closes its buffer.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	for room := range h.memberships[connID] {
		h.leaveLocked(connID, room)
	}
	delete(h.memberships, connID)
	delete(h.conns, connID)
	c.closed = true
	close(c.send)
}

// Deliver queues frame for every member of room and returns how many
// sessions accepted it. A full buffer drops the frame for that session.
func (h *Hub) Deliver(room string, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for id := range h.rooms[room] {
		if h.enqueueLocked(h.conns[id], frame, room) {
			delivered++
		}
	}
	return delivered
}

// SendTo queues frame for a single session.
func (h *Hub) SendTo(connID string, frame []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.enqueueLocked(h.conns[connID], frame, "")
}

func (h *Hub) enqueueLocked(c *Client, frame []byte, room string) bool {
	if c == nil || c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		h.dropped.Add(1)
		h.logger.WithFields(log.Fields{"conn": c.id, "user": c.userID, "room": room}).Warn("session buffer full, frame dropped")
		return false
	}
}

// Rooms lists the rooms a connection joined.
func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.memberships[connID]))
	for room := range h.memberships[connID] {
		out = append(out, room)
	}
	return out
}

// HubStats is a point-in-time view of the registry.
type HubStats struct {
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	Dropped     uint64 `json:"dropped"`
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{Connections: len(h.conns), Rooms: len(h.rooms), Dropped: h.dropped.Load()}
}
