package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/marcus/agenthub/internal/models"
)

func TestMapError(t *testing.T) {
	if mapError("op", nil) != nil {
		t.Error("mapError(nil) != nil")
	}
	if err := mapError("op", sql.ErrNoRows); !errors.Is(err, ErrNotFound) {
		t.Errorf("no-rows mapped to %v, want ErrNotFound", err)
	}

	// Already-classified errors pass through without re-tagging.
	classified := mapError("inner", sql.ErrNoRows)
	if got := mapError("outer", classified); got != classified {
		t.Errorf("classified error re-wrapped: %v", got)
	}

	// Unknown errors keep their chain.
	plain := errors.New("disk on fire")
	if err := mapError("op", plain); !errors.Is(err, plain) {
		t.Errorf("unknown error lost from chain: %v", err)
	}
}

func TestMapErrorClassifiesUniqueViolation(t *testing.T) {
	database := testDB(t)
	mustAgent(t, database, "first")

	_, err := database.CreateAgent(context.Background(), &models.Agent{Name: "first"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate name error = %v, want ErrConflict", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("duplicate name also matches ErrNotFound")
	}
}
