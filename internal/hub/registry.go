package hub

import (
	"log/slog"
	"sync"
	"time"
)

// Stream is the outbound half of one agent connection. Implementations must
// be safe for concurrent Send calls and must preserve send order per stream.
type Stream interface {
	Send(frame Frame) error
	Close() error
}

// Client is the in-memory record for one connected agent.
type Client struct {
	AgentID       int64
	Name          string
	stream        Stream
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	IsSleeping    bool
	SleptAt       time.Time
}

// ClientInfo is a copy-out snapshot of a client used by the supervisor scan,
// taken under the registry lock so the scan itself can run outside it.
type ClientInfo struct {
	AgentID       int64
	Name          string
	LastHeartbeat time.Time
	IsSleeping    bool
	SleptAt       time.Time
}

// Registry is the process-wide map from agent id to connection plus the
// per-topic subscriber sets. A single mutex guards everything; hold times
// are bounded to map operations, and fan-out sends happen outside the lock.
type Registry struct {
	mu          sync.Mutex
	clients     map[int64]*Client
	subscribers map[Topic]map[int64]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	subs := make(map[Topic]map[int64]struct{})
	for _, t := range SubscribableTopics() {
		subs[t] = make(map[int64]struct{})
	}
	return &Registry{
		clients:     make(map[int64]*Client),
		subscribers: subs,
	}
}

// Add installs a connection for the agent. If the agent is already
// connected, the previous stream is closed and replaced: one live stream per
// agent on the wire. The replaced stream's subscriptions are dropped.
func (r *Registry) Add(agentID int64, name string, stream Stream) {
	r.mu.Lock()
	old := r.clients[agentID]
	now := time.Now().UTC()
	r.clients[agentID] = &Client{
		AgentID:       agentID,
		Name:          name,
		stream:        stream,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
	if old != nil {
		for _, set := range r.subscribers {
			delete(set, agentID)
		}
	}
	r.mu.Unlock()

	if old != nil {
		slog.Info("hub: replacing existing connection", "agent_id", agentID)
		if err := old.stream.Close(); err != nil {
			slog.Debug("hub: close replaced stream", "agent_id", agentID, "err", err)
		}
	}
}

// Remove drops the agent from the client map and every subscriber set, and
// closes its stream.
func (r *Registry) Remove(agentID int64) {
	r.mu.Lock()
	c := r.clients[agentID]
	delete(r.clients, agentID)
	for _, set := range r.subscribers {
		delete(set, agentID)
	}
	r.mu.Unlock()

	if c != nil {
		if err := c.stream.Close(); err != nil {
			slog.Debug("hub: close removed stream", "agent_id", agentID, "err", err)
		}
	}
}

// RemoveStream drops the agent only if the given stream is still its current
// one. A read loop exiting after its connection was replaced must not evict
// the replacement.
func (r *Registry) RemoveStream(agentID int64, stream Stream) {
	r.mu.Lock()
	c := r.clients[agentID]
	if c == nil || c.stream != stream {
		r.mu.Unlock()
		return
	}
	delete(r.clients, agentID)
	for _, set := range r.subscribers {
		delete(set, agentID)
	}
	r.mu.Unlock()

	if err := c.stream.Close(); err != nil {
		slog.Debug("hub: close removed stream", "agent_id", agentID, "err", err)
	}
}

// Subscribe adds the agent to a topic's subscriber set. Unknown topics and
// unconnected agents are no-ops; connect is implicit for every stream.
func (r *Registry) Subscribe(agentID int64, topic Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subscribers[topic]
	if !ok {
		return topic == TopicConnect && r.clients[agentID] != nil
	}
	if _, connected := r.clients[agentID]; !connected {
		return false
	}
	set[agentID] = struct{}{}
	return true
}

// Unsubscribe removes the agent from a topic's subscriber set.
func (r *Registry) Unsubscribe(agentID int64, topic Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.subscribers[topic]; ok {
		delete(set, agentID)
	}
}

// Heartbeat records transport liveness for the agent.
func (r *Registry) Heartbeat(agentID int64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[agentID]; ok {
		c.LastHeartbeat = at.UTC()
	}
}

// SendTo delivers one frame to one agent, best-effort. Send failures are
// logged and swallowed; removal on failure is the supervisor's call, not
// ours.
func (r *Registry) SendTo(agentID int64, frame Frame) {
	r.mu.Lock()
	c := r.clients[agentID]
	r.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.stream.Send(frame); err != nil {
		slog.Warn("hub: send failed", "agent_id", agentID, "type", frame.Type, "err", err)
	}
}

// Broadcast fans a frame out to every subscriber of the topic. The
// subscriber set is snapshotted under the lock; sends happen outside it.
// Recipients are served in unspecified order, but frames to one recipient
// from one caller stay ordered because each stream serializes its writes.
func (r *Registry) Broadcast(topic Topic, frame Frame) {
	r.mu.Lock()
	set, ok := r.subscribers[topic]
	if !ok {
		r.mu.Unlock()
		return
	}
	targets := make([]*Client, 0, len(set))
	for id := range set {
		if c, connected := r.clients[id]; connected {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		if err := c.stream.Send(frame); err != nil {
			slog.Warn("hub: broadcast send failed", "agent_id", c.AgentID, "topic", topic, "err", err)
		}
	}
}

// BroadcastControl delivers a control frame to every connected client,
// subscribed or not. Challenge, sleep, and shutdown frames use this path so
// an agent that only subscribed to messages still observes them.
func (r *Registry) BroadcastControl(frame Frame) {
	r.mu.Lock()
	targets := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		if err := c.stream.Send(frame); err != nil {
			slog.Warn("hub: control send failed", "agent_id", c.AgentID, "type", frame.Type, "err", err)
		}
	}
}

// ListSubscribers returns the agent ids subscribed to the topic.
func (r *Registry) ListSubscribers(topic Topic) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subscribers[topic]
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// IsSubscribed reports topic membership for one agent.
func (r *Registry) IsSubscribed(agentID int64, topic Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subscribers[topic]
	if !ok {
		return false
	}
	_, subscribed := set[agentID]
	return subscribed
}

// Snapshot copies out the client records for a supervisor scan.
func (r *Registry) Snapshot() []ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		infos = append(infos, ClientInfo{
			AgentID:       c.AgentID,
			Name:          c.Name,
			LastHeartbeat: c.LastHeartbeat,
			IsSleeping:    c.IsSleeping,
			SleptAt:       c.SleptAt,
		})
	}
	return infos
}

// MarkSleeping flags the client as sleeping and removes it from every
// subscriber set. The connection itself stays open.
func (r *Registry) MarkSleeping(agentID int64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[agentID]
	if !ok {
		return
	}
	c.IsSleeping = true
	c.SleptAt = at.UTC()
	for _, set := range r.subscribers {
		delete(set, agentID)
	}
}

// MarkAwake clears the sleeping flags. The agent re-subscribes explicitly.
func (r *Registry) MarkAwake(agentID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[agentID]; ok {
		c.IsSleeping = false
		c.SleptAt = time.Time{}
	}
}

// Get returns a copy of the client record.
func (r *Registry) Get(agentID int64) (ClientInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[agentID]
	if !ok {
		return ClientInfo{}, false
	}
	return ClientInfo{
		AgentID:       c.AgentID,
		Name:          c.Name,
		LastHeartbeat: c.LastHeartbeat,
		IsSleeping:    c.IsSleeping,
		SleptAt:       c.SleptAt,
	}, true
}

// Count returns the number of connected clients.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Shutdown sends a final frame to every client and closes all streams.
func (r *Registry) Shutdown(frame Frame) {
	r.mu.Lock()
	targets := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		targets = append(targets, c)
	}
	r.clients = make(map[int64]*Client)
	for _, set := range r.subscribers {
		clear(set)
	}
	r.mu.Unlock()

	for _, c := range targets {
		_ = c.stream.Send(frame)
		_ = c.stream.Close()
	}
}
