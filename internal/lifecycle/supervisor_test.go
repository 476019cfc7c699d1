package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marcus/agenthub/internal/db"
	"github.com/marcus/agenthub/internal/hub"
	"github.com/marcus/agenthub/internal/models"
)

// fakeStream records frames for assertions.
type fakeStream struct {
	mu     sync.Mutex
	frames []hub.Frame
	closed bool
}

func (s *fakeStream) Send(f hub.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) lastType() hub.FrameType {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return ""
	}
	return s.frames[len(s.frames)-1].Type
}

// fixture wires a supervisor to a real temp store, a registry with one
// connected agent, and a controllable clock.
type fixture struct {
	db       *db.DB
	registry *hub.Registry
	sup      *Supervisor
	stream   *fakeStream
	agentID  int64

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Initialize(filepath.Join(t.TempDir(), "agenthub.db"))
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	agentID, err := database.CreateAgent(context.Background(), &models.Agent{Name: "watched"})
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}

	registry := hub.NewRegistry()
	stream := &fakeStream{}
	registry.Add(agentID, "watched", stream)

	f := &fixture{
		db:       database,
		registry: registry,
		stream:   stream,
		agentID:  agentID,
		now:      time.Now().UTC(),
	}
	f.sup = New(database, registry, Config{
		Stale:    15 * time.Minute,
		Grace:    2 * time.Minute,
		MaxSleep: 60 * time.Minute,
	})
	f.sup.SetNow(f.clock)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) scan(t *testing.T) {
	t.Helper()
	if err := f.sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
}

func TestScanChallengesStaleAgent(t *testing.T) {
	f := newFixture(t)

	// Both signals fresh: no challenge.
	f.scan(t)
	if f.sup.Challenged(f.agentID) {
		t.Fatal("fresh agent was challenged")
	}

	// Let both the heartbeat and the (absent) persisted activity go stale.
	f.advance(16 * time.Minute)
	f.scan(t)
	if !f.sup.Challenged(f.agentID) {
		t.Fatal("stale agent was not challenged")
	}
	if f.stream.lastType() != hub.FrameActivityVerification {
		t.Errorf("last frame = %q, want activity_verification", f.stream.lastType())
	}
}

func TestFreshHeartbeatSkipsChallenge(t *testing.T) {
	f := newFixture(t)

	f.advance(16 * time.Minute)
	// A heartbeat just before the scan keeps the transport signal fresh.
	f.registry.Heartbeat(f.agentID, f.clock())
	f.scan(t)
	if f.sup.Challenged(f.agentID) {
		t.Error("agent with fresh heartbeat was challenged")
	}
}

func TestFreshSignalClearsPendingChallenge(t *testing.T) {
	f := newFixture(t)

	f.advance(16 * time.Minute)
	f.scan(t)
	if !f.sup.Challenged(f.agentID) {
		t.Fatal("agent was not challenged")
	}

	// The agent answers via a heartbeat before the grace window runs out.
	f.registry.Heartbeat(f.agentID, f.clock())
	f.advance(time.Minute)
	f.scan(t)
	if f.sup.Challenged(f.agentID) {
		t.Error("challenge not cleared by fresh heartbeat")
	}
}

func TestUnansweredChallengeSleeps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The agent needs a brain-state row so the sleep flag has somewhere to
	// land.
	if _, err := f.db.SaveBrainState(ctx, &db.BrainSaveInput{SessionID: "abc1234", AgentID: f.agentID}); err != nil {
		t.Fatalf("SaveBrainState() error = %v", err)
	}

	f.advance(16 * time.Minute)
	f.scan(t) // challenge
	f.advance(3 * time.Minute)
	f.scan(t) // grace expired: sleep

	info, ok := f.registry.Get(f.agentID)
	if !ok || !info.IsSleeping {
		t.Fatalf("registry client = %+v ok=%v, want sleeping", info, ok)
	}
	if f.stream.lastType() != hub.FrameSleepNotification {
		t.Errorf("last frame = %q, want sleep_notification", f.stream.lastType())
	}
	if f.sup.Challenged(f.agentID) {
		t.Error("challenge entry survived the sleep transition")
	}

	state, err := f.db.LoadBrainState(ctx, &db.BrainQuery{SessionID: "abc1234"})
	if err != nil {
		t.Fatalf("LoadBrainState() error = %v", err)
	}
	if !state.IsSleeping {
		t.Error("durable sleeping flag not set")
	}
}

func TestSleepingAgentWakesOnFreshSignal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.db.SaveBrainState(ctx, &db.BrainSaveInput{SessionID: "abc1234", AgentID: f.agentID}); err != nil {
		t.Fatalf("SaveBrainState() error = %v", err)
	}

	f.advance(16 * time.Minute)
	f.scan(t)
	f.advance(3 * time.Minute)
	f.scan(t)

	// A heartbeat while sleeping wakes the agent on the next pass.
	f.registry.Heartbeat(f.agentID, f.clock())
	f.scan(t)

	info, _ := f.registry.Get(f.agentID)
	if info.IsSleeping {
		t.Error("agent still sleeping after fresh heartbeat")
	}
	state, err := f.db.LoadBrainState(ctx, &db.BrainQuery{SessionID: "abc1234"})
	if err != nil {
		t.Fatalf("LoadBrainState() error = %v", err)
	}
	if state.IsSleeping || state.WokeUpAt == nil {
		t.Errorf("durable state = sleeping %v woke_up_at %v", state.IsSleeping, state.WokeUpAt)
	}
}

func TestSleepingAgentEvictedAfterMaxSleep(t *testing.T) {
	f := newFixture(t)

	f.advance(16 * time.Minute)
	f.scan(t)
	f.advance(3 * time.Minute)
	f.scan(t)
	if _, ok := f.registry.Get(f.agentID); !ok {
		t.Fatal("agent missing before eviction window")
	}

	f.advance(61 * time.Minute)
	f.scan(t)

	if _, ok := f.registry.Get(f.agentID); ok {
		t.Error("agent still registered after max sleep")
	}
	f.stream.mu.Lock()
	closed := f.stream.closed
	f.stream.mu.Unlock()
	if !closed {
		t.Error("evicted stream not closed")
	}
}

func TestScanDeactivatesStaleSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.db.StartSession(ctx, &models.ActiveSession{SessionID: "abc1234", AgentID: f.agentID}); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	// Backdate the session past the stale window, then scan.
	if err := f.db.TouchSession(ctx, "abc1234", f.clock().Add(-time.Hour)); err != nil {
		t.Fatalf("TouchSession() error = %v", err)
	}
	f.registry.Heartbeat(f.agentID, f.clock())
	f.scan(t)

	s, err := f.db.GetSession(ctx, "abc1234")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if s.Active {
		t.Error("stale session still active after scan")
	}
}

func TestScanWithFailingStoreCommitsNothing(t *testing.T) {
	f := newFixture(t)

	// Both signals stale: this round would challenge the agent.
	f.advance(16 * time.Minute)

	// Kill the store before the pass so every liveness query fails.
	f.db.Close()

	if err := f.sup.Scan(context.Background()); err == nil {
		t.Fatal("Scan() with a dead store returned nil")
	}
	if f.sup.Challenged(f.agentID) {
		t.Error("failed round left a challenge behind")
	}
	f.stream.mu.Lock()
	frames := len(f.stream.frames)
	f.stream.mu.Unlock()
	if frames != 0 {
		t.Errorf("failed round sent %d frames, want 0", frames)
	}
}
