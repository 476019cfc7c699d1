package serve

import (
	"net/http"
	"testing"
)

func TestRegisterAgentAutoAssign(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.agentToken(t, "registrar")

	resp, env := ts.do(t, http.MethodPost, "/api/v1/agents", token, map[string]any{
		"name":      "newcomer",
		"nickname":  "newb",
		"expertise": "frontend",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d %+v", resp.StatusCode, env)
	}
	var dto agentDTO
	decodeData(t, env, &dto)
	if dto.AgentID <= 0 || dto.Name != "newcomer" || !dto.Active {
		t.Errorf("created agent = %+v", dto)
	}
	if dto.Online {
		t.Error("agent reported online with no stream")
	}
}

func TestRegisterAgentValidation(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.agentToken(t, "registrar")

	resp, env := ts.do(t, http.MethodPost, "/api/v1/agents", token, map[string]any{"nickname": "anon"})
	if resp.StatusCode != http.StatusBadRequest || env.Code != ErrInvalidArgument {
		t.Errorf("nameless registration = %d %+v", resp.StatusCode, env)
	}

	// Duplicate names conflict.
	ts.do(t, http.MethodPost, "/api/v1/agents", token, map[string]any{"name": "taken"})
	resp, env = ts.do(t, http.MethodPost, "/api/v1/agents", token, map[string]any{"name": "taken"})
	if resp.StatusCode != http.StatusConflict || env.Code != ErrConflict {
		t.Errorf("duplicate registration = %d %+v", resp.StatusCode, env)
	}
}

func TestListAgentsFuzzySearch(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.agentToken(t, "searcher")

	for _, a := range []map[string]any{
		{"name": "claude-backend", "expertise": "databases"},
		{"name": "claude-frontend", "expertise": "react"},
		{"name": "unrelated"},
	} {
		if resp, _ := ts.do(t, http.MethodPost, "/api/v1/agents", token, a); resp.StatusCode != http.StatusCreated {
			t.Fatalf("seed agent %v failed", a)
		}
	}

	resp, env := ts.do(t, http.MethodGet, "/api/v1/agents?q=backend", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Agents []agentDTO `json:"agents"`
		Count  int        `json:"count"`
	}
	decodeData(t, env, &body)
	if body.Count == 0 {
		t.Fatal("fuzzy search returned nothing")
	}
	if body.Agents[0].Name != "claude-backend" {
		t.Errorf("top match = %q, want claude-backend", body.Agents[0].Name)
	}
	for _, a := range body.Agents {
		if a.Name == "unrelated" {
			t.Error("non-matching agent in fuzzy results")
		}
	}
}

func TestGetAgentNotFound(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.agentToken(t, "prober")

	resp, env := ts.do(t, http.MethodGet, "/api/v1/agents/9999", token, nil)
	if resp.StatusCode != http.StatusNotFound || env.Code != ErrNotFound {
		t.Errorf("missing agent = %d %+v", resp.StatusCode, env)
	}

	resp, env = ts.do(t, http.MethodGet, "/api/v1/agents/zero", token, nil)
	if resp.StatusCode != http.StatusBadRequest || env.Code != ErrInvalidArgument {
		t.Errorf("non-numeric id = %d %+v", resp.StatusCode, env)
	}
}

func TestUpdateAgentSelfOnly(t *testing.T) {
	ts := newTestServer(t)
	selfID, selfToken := ts.agentToken(t, "updater")
	otherID, _ := ts.agentToken(t, "bystander")

	resp, env := ts.do(t, http.MethodPatch, "/api/v1/agents/"+itoa(otherID), selfToken, map[string]any{"nickname": "hijacked"})
	if resp.StatusCode != http.StatusForbidden || env.Code != ErrForbidden {
		t.Errorf("cross-agent update = %d %+v", resp.StatusCode, env)
	}

	resp, env = ts.do(t, http.MethodPatch, "/api/v1/agents/"+itoa(selfID), selfToken, map[string]any{"nickname": "fresh"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("self update = %d %+v", resp.StatusCode, env)
	}
	var dto agentDTO
	decodeData(t, env, &dto)
	if dto.Nickname != "fresh" {
		t.Errorf("nickname = %q, want fresh", dto.Nickname)
	}
}

func TestDeactivateAgentSelfOnly(t *testing.T) {
	ts := newTestServer(t)
	selfID, selfToken := ts.agentToken(t, "leaver")
	otherID, _ := ts.agentToken(t, "stayer")

	resp, env := ts.do(t, http.MethodDelete, "/api/v1/agents/"+itoa(otherID), selfToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("cross-agent deactivate = %d %+v", resp.StatusCode, env)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/agents/"+itoa(selfID), selfToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("self deactivate = %d", resp.StatusCode)
	}

	// The token is now revoked.
	resp, env = ts.do(t, http.MethodGet, "/api/v1/auth", selfToken, nil)
	if resp.StatusCode != http.StatusUnauthorized || env.Code != ErrUnauthenticated {
		t.Errorf("revoked token = %d %+v", resp.StatusCode, env)
	}
}
