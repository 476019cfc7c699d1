package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/marcus/agenthub/internal/auth"
	"github.com/marcus/agenthub/internal/config"
	"github.com/marcus/agenthub/internal/db"
	"github.com/marcus/agenthub/internal/hub"
	"github.com/marcus/agenthub/internal/models"
)

const testSecret = "serve-test-secret"

// testServer bundles a broker wired to a temp store behind httptest.
type testServer struct {
	srv  *Server
	db   *db.DB
	http *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithConfig(t, &config.Config{
		Secret:     testSecret,
		RateWindow: time.Minute,
		RateCap:    1000,
	})
}

func newTestServerWithConfig(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	database, err := db.Initialize(filepath.Join(t.TempDir(), "agenthub.db"))
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	srv := NewServer(database, hub.NewRegistry(), auth.NewVerifier(database, cfg.Secret), nil, cfg)
	hts := httptest.NewServer(srv.APIHandler())
	t.Cleanup(hts.Close)

	return &testServer{srv: srv, db: database, http: hts}
}

// agentToken creates an agent row and mints a token for it.
func (ts *testServer) agentToken(t *testing.T, name string) (int64, string) {
	t.Helper()
	id, err := ts.db.CreateAgent(context.Background(), &models.Agent{Name: name})
	if err != nil {
		t.Fatalf("CreateAgent(%q) error = %v", name, err)
	}
	token, err := auth.MintToken([]byte(testSecret), &auth.Claims{AgentID: id, AgentName: name})
	if err != nil {
		t.Fatalf("MintToken() error = %v", err)
	}
	return id, token
}

// respEnvelope mirrors Envelope with raw data for per-test decoding.
type respEnvelope struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error"`
	Code       string          `json:"code"`
	RetryAfter int             `json:"retry_after"`
}

// do issues a request and decodes the envelope. A nil body sends no payload.
func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, respEnvelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.http.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env respEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("%s %s: decode envelope: %v", method, path, err)
	}
	return resp, env
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func decodeData(t *testing.T, env respEnvelope, dst any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

// fakeStream records frames for fan-out assertions.
type fakeStream struct {
	mu     sync.Mutex
	frames []hub.Frame
}

func (s *fakeStream) Send(f hub.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeStream) Close() error { return nil }

func (s *fakeStream) all() []hub.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]hub.Frame(nil), s.frames...)
}

func TestHealthIsUnauthenticated(t *testing.T) {
	ts := newTestServer(t)

	resp, env := ts.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Errorf("health = %d success=%v", resp.StatusCode, env.Success)
	}
}

func TestAuthRejections(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{"missing header", "", "missing authorization header"},
		{"not bearer", "Basic abc", "invalid authorization format"},
		{"garbage token", "Bearer not.a.token", "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.http.URL+"/api/v1/agents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := ts.http.Client().Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()

			var env respEnvelope
			if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
				t.Fatalf("decode envelope: %v", err)
			}
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
			if env.Success || env.Code != ErrUnauthenticated {
				t.Errorf("envelope = %+v, want unauthenticated error", env)
			}
		})
	}
}

func TestWhoAmI(t *testing.T) {
	ts := newTestServer(t)
	id, token := ts.agentToken(t, "self-checker")

	resp, env := ts.do(t, http.MethodGet, "/api/v1/auth", token, nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("whoami = %d %+v", resp.StatusCode, env)
	}
	var dto agentDTO
	decodeData(t, env, &dto)
	if dto.AgentID != id || dto.Name != "self-checker" {
		t.Errorf("identity = %+v", dto)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	ts := newTestServerWithConfig(t, &config.Config{
		Secret:     testSecret,
		RateWindow: time.Minute,
		RateCap:    2,
	})
	_, token := ts.agentToken(t, "chatterbox")

	for i := 0; i < 2; i++ {
		resp, _ := ts.do(t, http.MethodGet, "/api/v1/agents", token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, resp.StatusCode)
		}
	}

	resp, env := ts.do(t, http.MethodGet, "/api/v1/agents", token, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if env.Code != ErrRateLimited || env.RetryAfter <= 0 {
		t.Errorf("envelope = %+v, want rate_limited with retry_after", env)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestRateLimitStatus(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.agentToken(t, "quota-checker")

	resp, env := ts.do(t, http.MethodGet, "/api/v1/ratelimit", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var dto rateLimitStatusDTO
	decodeData(t, env, &dto)
	if dto.Limit != 1000 || dto.WindowSeconds != 60 {
		t.Errorf("limits = %+v", dto)
	}
	// The status request itself was counted by the auth middleware.
	if dto.Remaining >= dto.Limit {
		t.Errorf("remaining = %d, want < limit", dto.Remaining)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServerWithConfig(t, &config.Config{
		Secret:     testSecret,
		RateWindow: time.Minute,
		RateCap:    1000,
		CORSOrigin: "*",
	})

	req, _ := http.NewRequest(http.MethodOptions, ts.http.URL+"/api/v1/agents", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	resp, err := ts.http.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://dashboard.local" {
		t.Errorf("allow-origin = %q", got)
	}
}

func TestLoggingMiddlewarePreservesHijack(t *testing.T) {
	ts := newTestServer(t)

	var hijackable bool
	h := ts.srv.loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hijackable = w.(http.Hijacker)
	}))
	inner := httptest.NewServer(h)
	defer inner.Close()

	resp, err := inner.Client().Get(inner.URL + "/")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	// A real HTTP/1.1 writer is hijackable; the wrapper must not hide that,
	// or every stream upgrade behind the middleware fails.
	if !hijackable {
		t.Error("logging middleware hides http.Hijacker from the handler")
	}
}
