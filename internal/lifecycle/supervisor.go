// Package lifecycle implements the liveness supervisor. An agent is judged
// alive from two signals: transport liveness (recent heartbeat on its
// connection) and persisted liveness (recent last_activity on any of its
// brain-state rows). Neither alone is sufficient: a crashed client can leave
// a half-open socket, and a healthy agent may compute quietly without
// heartbeats.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/agenthub/internal/db"
	"github.com/marcus/agenthub/internal/hub"
)

// Config carries the supervisor thresholds. Zero values take the defaults.
type Config struct {
	Tick     time.Duration // scan interval
	Stale    time.Duration // both signals older than this triggers a challenge
	Grace    time.Duration // unanswered challenge window before sleep
	MaxSleep time.Duration // sleep duration before eviction
}

// Default thresholds, overridable from flags.
const (
	DefaultTick     = 60 * time.Second
	DefaultStale    = 15 * time.Minute
	DefaultGrace    = 2 * time.Minute
	DefaultMaxSleep = 60 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.Stale <= 0 {
		c.Stale = DefaultStale
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.MaxSleep <= 0 {
		c.MaxSleep = DefaultMaxSleep
	}
	return c
}

// challengePayload is the data carried by an activity_verification frame.
type challengePayload struct {
	Message  string `json:"message"`
	Deadline string `json:"deadline"`
}

// sleepPayload is the data carried by a sleep_notification frame.
type sleepPayload struct {
	AgentID int64  `json:"agent_id"`
	SleptAt string `json:"slept_at"`
}

// Supervisor runs the periodic liveness scan and drives the challenge /
// sleep / wake / evict transitions. The challenged map is owned exclusively
// by the supervisor; no other task reads or writes it.
type Supervisor struct {
	db       *db.DB
	registry *hub.Registry
	cfg      Config

	challenged map[int64]time.Time

	// now is replaceable in tests.
	now func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a supervisor bound to the store and registry.
func New(database *db.DB, registry *hub.Registry, cfg Config) *Supervisor {
	return &Supervisor{
		db:         database,
		registry:   registry,
		cfg:        cfg.withDefaults(),
		challenged: make(map[int64]time.Time),
		now:        func() time.Time { return time.Now().UTC() },
		done:       make(chan struct{}),
	}
}

// Start launches the scan loop.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop cancels the loop and waits for the in-flight scan to finish, so no
// partial scan can leave a client challenged without a timestamp or asleep
// without its flag.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := s.Scan(ctx); err != nil {
				// Swallow for this round; the next tick retries.
				slog.Warn("lifecycle: scan aborted", "err", err)
			} else {
				slog.Debug("lifecycle: scan complete", "dur", time.Since(start).String())
			}
		}
	}
}

// Scan runs one supervisor pass. The store is read for every client before
// any transition is applied, so a round whose liveness queries fail aborts
// with no transitions committed.
func (s *Supervisor) Scan(ctx context.Context) error {
	now := s.now()

	type judged struct {
		client     hub.ClientInfo
		dbInactive bool
	}
	clients := s.registry.Snapshot()
	round := make([]judged, 0, len(clients))
	for _, client := range clients {
		dbInactive, err := s.storeInactive(ctx, client.AgentID, now)
		if err != nil {
			return err
		}
		round = append(round, judged{client: client, dbInactive: dbInactive})
	}

	for _, j := range round {
		if j.client.IsSleeping {
			if err := s.applySleeping(ctx, j.client, j.dbInactive, now); err != nil {
				return err
			}
			continue
		}
		if err := s.applyActive(ctx, j.client, j.dbInactive, now); err != nil {
			return err
		}
	}

	// Persisted cleanup: sessions nobody has touched within the stale window
	// must not show up in the online view.
	if _, err := s.db.DeactivateStaleSessions(ctx, now.Add(-s.cfg.Stale)); err != nil {
		return fmt.Errorf("deactivate stale sessions: %w", err)
	}
	return nil
}

// applyActive handles a non-sleeping client: challenge when both signals are
// stale, put to sleep when a challenge goes unanswered past the grace
// window.
func (s *Supervisor) applyActive(ctx context.Context, client hub.ClientInfo, dbInactive bool, now time.Time) error {
	wsInactive := now.Sub(client.LastHeartbeat) > s.cfg.Stale

	if !wsInactive || !dbInactive {
		// Any fresh signal clears a pending challenge.
		delete(s.challenged, client.AgentID)
		return nil
	}

	issuedAt, isChallenged := s.challenged[client.AgentID]
	if !isChallenged {
		s.challenged[client.AgentID] = now
		deadline := now.Add(s.cfg.Grace)
		frame := hub.NewTopicFrame(hub.FrameActivityVerification, hub.TopicConnect, challengePayload{
			Message:  "no recent activity detected; respond before the deadline or be marked sleeping",
			Deadline: deadline.Format(time.RFC3339),
		})
		s.registry.SendTo(client.AgentID, frame)
		slog.Info("lifecycle: challenged", "agent_id", client.AgentID, "deadline", deadline)
		return nil
	}

	if now.Sub(issuedAt) <= s.cfg.Grace {
		return nil
	}

	// Challenge expired: persist first so an aborted scan never leaves the
	// in-memory flag without its durable counterpart.
	if err := s.db.MarkSleeping(ctx, client.AgentID, now); err != nil {
		return fmt.Errorf("mark sleeping agent %d: %w", client.AgentID, err)
	}
	s.registry.MarkSleeping(client.AgentID, now)
	s.registry.SendTo(client.AgentID, hub.NewTopicFrame(hub.FrameSleepNotification, hub.TopicConnect, sleepPayload{
		AgentID: client.AgentID,
		SleptAt: now.Format(time.RFC3339),
	}))
	delete(s.challenged, client.AgentID)
	slog.Info("lifecycle: sleeping", "agent_id", client.AgentID)
	return nil
}

// applySleeping handles a sleeping client: wake on any fresh signal, evict
// after the sleep allowance runs out.
func (s *Supervisor) applySleeping(ctx context.Context, client hub.ClientInfo, dbInactive bool, now time.Time) error {
	wsFresh := now.Sub(client.LastHeartbeat) <= s.cfg.Stale

	if wsFresh || !dbInactive {
		if err := s.db.MarkAwake(ctx, client.AgentID, now); err != nil {
			return fmt.Errorf("mark awake agent %d: %w", client.AgentID, err)
		}
		s.registry.MarkAwake(client.AgentID)
		delete(s.challenged, client.AgentID)
		slog.Info("lifecycle: woke", "agent_id", client.AgentID)
		return nil
	}

	if now.Sub(client.SleptAt) > s.cfg.MaxSleep {
		// Eviction goes through the normal close path; the supervisor never
		// touches the socket directly.
		s.registry.Remove(client.AgentID)
		delete(s.challenged, client.AgentID)
		slog.Info("lifecycle: evicted", "agent_id", client.AgentID, "slept_at", client.SleptAt)
	}
	return nil
}

// storeInactive reports whether the agent's persisted activity is stale. An
// agent with no brain-state rows at all counts as inactive on the persisted
// axis.
func (s *Supervisor) storeInactive(ctx context.Context, agentID int64, now time.Time) (bool, error) {
	last, ok, err := s.db.AgentLastActivity(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("last activity agent %d: %w", agentID, err)
	}
	if !ok {
		return true, nil
	}
	return now.Sub(last) > s.cfg.Stale, nil
}

// Challenged reports whether the agent currently has an open challenge.
// Used by tests; production reads stay inside the supervisor.
func (s *Supervisor) Challenged(agentID int64) bool {
	_, ok := s.challenged[agentID]
	return ok
}

// SetNow replaces the supervisor clock. Test hook.
func (s *Supervisor) SetNow(now func() time.Time) {
	s.now = now
}
