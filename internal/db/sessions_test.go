package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marcus/agenthub/internal/models"
)

func mustSession(t *testing.T, database *DB, sessionID string, agentID int64) *models.ActiveSession {
	t.Helper()
	s, err := database.StartSession(context.Background(), &models.ActiveSession{
		SessionID: sessionID,
		AgentID:   agentID,
		Project:   "hub",
	})
	if err != nil {
		t.Fatalf("StartSession(%q) error = %v", sessionID, err)
	}
	return s
}

func TestStartSessionValidatesIdentifier(t *testing.T) {
	database := testDB(t)
	_, err := database.StartSession(context.Background(), &models.ActiveSession{SessionID: "NOT-OK", AgentID: 1})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("malformed identifier error = %v, want ErrInvalidArgument", err)
	}
}

func TestStartSessionReactivatesEnded(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	agentID := mustAgent(t, database, "returner")

	mustSession(t, database, "abc1234", agentID)
	if err := database.EndSession(ctx, "abc1234"); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	s := mustSession(t, database, "abc1234", agentID)
	if !s.Active || s.EndedAt != nil {
		t.Errorf("restarted session = active %v ended_at %v, want active/nil", s.Active, s.EndedAt)
	}

	list, err := database.ListActiveSessions(ctx)
	if err != nil {
		t.Fatalf("ListActiveSessions() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("ListActiveSessions() returned %d rows, want 1 (no duplicate)", len(list))
	}
}

func TestEndSessionNotFound(t *testing.T) {
	database := testDB(t)
	if err := database.EndSession(context.Background(), "0000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("EndSession(missing) error = %v, want ErrNotFound", err)
	}
}

func TestTouchSessionMissingIsNoError(t *testing.T) {
	database := testDB(t)
	if err := database.TouchSession(context.Background(), "0000000", time.Now()); err != nil {
		t.Errorf("TouchSession(missing) error = %v, want nil", err)
	}
}

func TestDeactivateStaleSessions(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	agentID := mustAgent(t, database, "idler")

	mustSession(t, database, "aaaa111", agentID)
	mustSession(t, database, "bbbb222", agentID)

	// Backdate one session, then sweep with a cutoff between the two.
	if err := database.TouchSession(ctx, "aaaa111", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("TouchSession() error = %v", err)
	}

	n, err := database.DeactivateStaleSessions(ctx, time.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("DeactivateStaleSessions() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeactivateStaleSessions() = %d rows, want 1", n)
	}

	stale, err := database.GetSession(ctx, "aaaa111")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if stale.Active || stale.EndedAt == nil {
		t.Errorf("stale session = active %v ended_at %v, want inactive with timestamp", stale.Active, stale.EndedAt)
	}

	fresh, err := database.GetSession(ctx, "bbbb222")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if !fresh.Active {
		t.Error("fresh session was deactivated by the sweep")
	}
}
