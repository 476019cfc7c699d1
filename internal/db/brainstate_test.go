package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func saveBrain(t *testing.T, database *DB, in *BrainSaveInput) {
	t.Helper()
	if _, err := database.SaveBrainState(context.Background(), in); err != nil {
		t.Fatalf("SaveBrainState() error = %v", err)
	}
}

func TestSaveBrainStateCycleCounters(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	agentID := mustAgent(t, database, "cycler")

	in := &BrainSaveInput{
		SessionID:   "abc1234",
		AgentID:     agentID,
		Project:     "hub",
		CurrentTask: "first pass",
	}

	const saves = 5
	var last int
	for i := 0; i < saves; i++ {
		state, err := database.SaveBrainState(ctx, in)
		if err != nil {
			t.Fatalf("SaveBrainState() save %d error = %v", i+1, err)
		}
		last = state.CycleCount
		if state.CurrentCycle != state.CycleCount {
			t.Errorf("save %d: current_cycle %d != cycle_count %d", i+1, state.CurrentCycle, state.CycleCount)
		}
	}
	if last != saves {
		t.Errorf("cycle_count after %d saves = %d, want %d", saves, last, saves)
	}
}

func TestSaveBrainStateValidation(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   *BrainSaveInput
	}{
		{"malformed session id", &BrainSaveInput{SessionID: "UPPER!!", AgentID: 1}},
		{"short session id", &BrainSaveInput{SessionID: "abc", AgentID: 1}},
		{"missing agent id", &BrainSaveInput{SessionID: "abc1234"}},
		{"invalid checkpoint", &BrainSaveInput{SessionID: "abc1234", AgentID: 1, Checkpoint: json.RawMessage("{nope")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := database.SaveBrainState(ctx, tt.in)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("SaveBrainState() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestLoadBrainStatePrecedence(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	agentID := mustAgent(t, database, "loader")

	saveBrain(t, database, &BrainSaveInput{
		SessionID: "aaaa111", AgentID: agentID, Project: "hub", GitHash: "deadbee",
	})
	saveBrain(t, database, &BrainSaveInput{
		SessionID: "bbbb222", AgentID: agentID, Project: "hub", GitHash: "cafef00",
	})

	bySession, err := database.LoadBrainState(ctx, &BrainQuery{SessionID: "aaaa111"})
	if err != nil {
		t.Fatalf("LoadBrainState(session) error = %v", err)
	}
	if bySession.SessionID != "aaaa111" {
		t.Errorf("session lookup returned %q", bySession.SessionID)
	}

	// Agent-keyed fallback returns the most recent record.
	byAgent, err := database.LoadBrainState(ctx, &BrainQuery{AgentID: agentID})
	if err != nil {
		t.Fatalf("LoadBrainState(agent) error = %v", err)
	}
	if byAgent.SessionID != "bbbb222" {
		t.Errorf("agent lookup returned %q, want most recent bbbb222", byAgent.SessionID)
	}

	byHash, err := database.LoadBrainState(ctx, &BrainQuery{Project: "hub", GitHash: "deadbee"})
	if err != nil {
		t.Fatalf("LoadBrainState(project+hash) error = %v", err)
	}
	if byHash.SessionID != "aaaa111" {
		t.Errorf("project+hash lookup returned %q, want aaaa111", byHash.SessionID)
	}

	if _, err := database.LoadBrainState(ctx, &BrainQuery{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty query error = %v, want ErrInvalidArgument", err)
	}
	if _, err := database.LoadBrainState(ctx, &BrainQuery{SessionID: "0000000"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing session error = %v, want ErrNotFound", err)
	}
}

func TestBrainStatesByFile(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	agentID := mustAgent(t, database, "filer")

	saveBrain(t, database, &BrainSaveInput{
		SessionID: "aaaa111", AgentID: agentID,
		ModifiedFiles: []string{"internal/serve/server.go", "go.mod"},
	})
	saveBrain(t, database, &BrainSaveInput{
		SessionID: "bbbb222", AgentID: agentID,
		AddedFiles: []string{"internal/serve/server.go"},
	})

	modified, err := database.ListBrainStatesByFile(ctx, FileModified, "internal/serve/server.go")
	if err != nil {
		t.Fatalf("ListBrainStatesByFile(modified) error = %v", err)
	}
	if len(modified) != 1 || modified[0].SessionID != "aaaa111" {
		t.Errorf("modified lookup = %d records, want exactly aaaa111", len(modified))
	}

	added, err := database.ListBrainStatesByFile(ctx, FileAdded, "internal/serve/server.go")
	if err != nil {
		t.Fatalf("ListBrainStatesByFile(added) error = %v", err)
	}
	if len(added) != 1 || added[0].SessionID != "bbbb222" {
		t.Errorf("added lookup = %d records, want exactly bbbb222", len(added))
	}

	none, err := database.ListBrainStatesByFile(ctx, FileDeleted, "internal/serve/server.go")
	if err != nil {
		t.Fatalf("ListBrainStatesByFile(deleted) error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("deleted lookup = %d records, want 0", len(none))
	}

	if _, err := database.ListBrainStatesByFile(ctx, FileKind("bogus"), "x"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bogus kind error = %v, want ErrInvalidArgument", err)
	}
}

func TestClearBrainState(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	agentID := mustAgent(t, database, "clearer")

	saveBrain(t, database, &BrainSaveInput{SessionID: "abc1234", AgentID: agentID})

	if err := database.ClearBrainState(ctx, "abc1234"); err != nil {
		t.Fatalf("ClearBrainState() error = %v", err)
	}
	if err := database.ClearBrainState(ctx, "abc1234"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second clear error = %v, want ErrNotFound", err)
	}
}

func TestMarkSleepingAndAwake(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	agentID := mustAgent(t, database, "sleeper")

	saveBrain(t, database, &BrainSaveInput{SessionID: "abc1234", AgentID: agentID})

	sleptAt := time.Now().UTC()
	if err := database.MarkSleeping(ctx, agentID, sleptAt); err != nil {
		t.Fatalf("MarkSleeping() error = %v", err)
	}
	state, err := database.LoadBrainState(ctx, &BrainQuery{SessionID: "abc1234"})
	if err != nil {
		t.Fatalf("LoadBrainState() error = %v", err)
	}
	if !state.IsSleeping || state.SleptAt == nil {
		t.Errorf("after MarkSleeping: is_sleeping=%v slept_at=%v", state.IsSleeping, state.SleptAt)
	}

	if err := database.MarkAwake(ctx, agentID, sleptAt.Add(time.Minute)); err != nil {
		t.Fatalf("MarkAwake() error = %v", err)
	}
	state, err = database.LoadBrainState(ctx, &BrainQuery{SessionID: "abc1234"})
	if err != nil {
		t.Fatalf("LoadBrainState() after wake error = %v", err)
	}
	if state.IsSleeping || state.WokeUpAt == nil {
		t.Errorf("after MarkAwake: is_sleeping=%v woke_up_at=%v", state.IsSleeping, state.WokeUpAt)
	}
}

func TestAgentLastActivity(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	agentID := mustAgent(t, database, "tracked")

	if _, ok, err := database.AgentLastActivity(ctx, agentID); err != nil || ok {
		t.Fatalf("AgentLastActivity() with no rows = ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	saveBrain(t, database, &BrainSaveInput{SessionID: "abc1234", AgentID: agentID})

	last, ok, err := database.AgentLastActivity(ctx, agentID)
	if err != nil || !ok {
		t.Fatalf("AgentLastActivity() = ok=%v err=%v, want ok=true", ok, err)
	}
	if time.Since(last) > time.Minute {
		t.Errorf("last activity %v is not recent", last)
	}
}
