package fleet

import "sync"

// Broadcast groups. Every agent session joins its own group; admin sessions
// share one group and may additionally follow a single agent's log stream.
const GroupAdmins = "admins"

// AgentGroup names the broadcast group of one agent's live sessions.
func AgentGroup(agentID string) string { return "agent:" + agentID }

// AgentLogGroup names the group receiving one agent's live log lines.
func AgentLogGroup(agentID string) string { return "agent-logs:" + agentID }

// Hub fans messages out to live websocket sessions, keyed by broadcast
// group. It tracks membership only; connection lifecycles belong to the
// handlers that own the sessions.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*Session]struct{}
}

// Session is one live connection's outbound queue. Sends never block: a
// session that cannot keep up loses messages rather than stalling the hub.
type Session struct {
	mu     sync.Mutex
	closed bool
	send   chan Message
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{groups: make(map[string]map[*Session]struct{})}
}

// NewSession creates a session not yet subscribed to any group.
func (h *Hub) NewSession() *Session {
	return &Session{send: make(chan Message, 32)}
}

// Subscribe adds the session to a group. Subscribing twice is a no-op.
func (h *Hub) Subscribe(s *Session, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Session]struct{})
		h.groups[group] = members
	}
	members[s] = struct{}{}
}

// Unsubscribe removes the session from a group.
func (h *Hub) Unsubscribe(s *Session, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(s, group)
}

// Close removes the session from every group and closes its queue. The
// owning writer drains the queue and exits.
func (h *Hub) Close(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for group := range h.groups {
		h.drop(s, group)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

func (h *Hub) drop(s *Session, group string) {
	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// Broadcast queues the message on every session in the group.
func (h *Hub) Broadcast(group string, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for member := range h.groups[group] {
		member.Send(msg)
	}
}

// Count reports how many live sessions a group holds.
func (h *Hub) Count(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Send queues a message on this session only, dropping it if the queue is
// full or the session is closed.
func (s *Session) Send(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- msg:
	default:
	}
}

// Receive exposes the session's outbound queue. The channel is closed when
// the session leaves the hub.
func (s *Session) Receive() <-chan Message {
	return s.send
}
