package gateway

import (
	"strconv"
	"sync"

	"github.com/shoplane/livechat/internal/logging"
)

// Room name helpers. Rooms are logical broadcast groups: one per session,
// one per agent, plus a shared room for all agent-side connections.
const RoomAgents = "agents"

// SessionRoom returns the room name for a session.
func SessionRoom(sessionID int64) string {
	return "session:" + strconv.FormatInt(sessionID, 10)
}

// AgentRoom returns the room name for an agent.
func AgentRoom(agentID int64) string {
	return "agent:" + strconv.FormatInt(agentID, 10)
}

// Rooms tracks which connections belong to which logical rooms and fans
// events out to them. Pure membership bookkeeping: rooms never decide
// whether a domain operation is valid.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[string]*Client // room → connID → client
	joined  map[string]map[string]bool    // connID → room set
	log     *logging.Logger
}

// NewRooms creates an empty room registry.
func NewRooms(log *logging.Logger) *Rooms {
	return &Rooms{
		members: make(map[string]map[string]*Client),
		joined:  make(map[string]map[string]bool),
		log:     log,
	}
}

// Join adds a connection to a room. Joining twice is a no-op.
func (r *Rooms) Join(room string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.members[room] == nil {
		r.members[room] = make(map[string]*Client)
	}
	r.members[room][c.ConnID] = c

	if r.joined[c.ConnID] == nil {
		r.joined[c.ConnID] = make(map[string]bool)
	}
	r.joined[c.ConnID][room] = true

	r.log.Debug().Str("room", room).Str("connId", c.ConnID).Msg("joined room")
}

// Leave removes a connection from a room.
func (r *Rooms) Leave(room, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(room, connID)
}

// RemoveConn removes a connection from every room it joined. Called on
// disconnect.
func (r *Rooms) RemoveConn(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room := range r.joined[connID] {
		r.leaveLocked(room, connID)
	}
}

func (r *Rooms) leaveLocked(room, connID string) {
	if m := r.members[room]; m != nil {
		delete(m, connID)
		if len(m) == 0 {
			delete(r.members, room)
		}
	}
	if j := r.joined[connID]; j != nil {
		delete(j, room)
		if len(j) == 0 {
			delete(r.joined, connID)
		}
	}
}

// In reports whether a connection is a member of a room.
func (r *Rooms) In(room, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.members[room]
	return m != nil && m[connID] != nil
}

// Count returns the number of connections in a room.
func (r *Rooms) Count(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[room])
}

// Rooms returns the rooms a connection has joined.
func (r *Rooms) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for room := range r.joined[connID] {
		out = append(out, room)
	}
	return out
}

// Broadcast delivers an event to all connections in a room. A non-empty
// exceptConnID skips that connection (typing indicators never echo back to
// their sender).
func (r *Rooms) Broadcast(room, event string, payload any, seq int64, exceptConnID string) {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.members[room]))
	for connID, c := range r.members[room] {
		if connID == exceptConnID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	// Send outside the lock so one slow connection cannot stall membership
	// changes or delivery to other rooms.
	for _, c := range targets {
		if err := c.SendEvent(event, payload, seq); err != nil {
			r.log.Warn().Err(err).
				Str("room", room).
				Str("event", event).
				Str("connId", c.ConnID).
				Msg("broadcast send failed")
		}
	}
}
