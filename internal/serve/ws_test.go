package serve

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/marcus/agenthub/internal/hub"
)

// wsTestServer serves the streaming mux over httptest.
func wsTestServer(t *testing.T) (*testServer, *httptest.Server) {
	t.Helper()
	ts := newTestServer(t)
	wss := httptest.NewServer(ts.srv.WSHandler())
	t.Cleanup(wss.Close)
	return ts, wss
}

func wsURL(hts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(hts.URL, "http") + path
}

// readFrame reads one frame with a bounded deadline.
func readFrame(t *testing.T, conn *websocket.Conn) hub.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f hub.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, cf hub.ClientFrame) {
	t.Helper()
	data, err := json.Marshal(cf)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestWSConnectWithTokenParam(t *testing.T) {
	ts, wss := wsTestServer(t)
	id, token := ts.agentToken(t, "streamer")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(wss, "/ws/v1/connect?token="+token), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	f := readFrame(t, conn)
	if f.Type != hub.FrameConnected {
		t.Fatalf("first frame = %q, want connected", f.Type)
	}
	var ident authIdentity
	if err := json.Unmarshal(f.Data, &ident); err != nil {
		t.Fatalf("decode identity: %v", err)
	}
	if ident.AgentID != id || ident.Name != "streamer" {
		t.Errorf("identity = %+v", ident)
	}

	// Ping gets a pong.
	writeFrame(t, conn, hub.ClientFrame{Type: "ping"})
	if f := readFrame(t, conn); f.Type != hub.FramePong {
		t.Errorf("ping response = %q", f.Type)
	}
}

func TestWSConnectFrameAuth(t *testing.T) {
	ts, wss := wsTestServer(t)
	_, token := ts.agentToken(t, "framer")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(wss, "/ws/v1/connect"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	writeFrame(t, conn, hub.ClientFrame{Type: "connect", Token: token})
	if f := readFrame(t, conn); f.Type != hub.FrameConnected {
		t.Errorf("first frame = %q, want connected", f.Type)
	}
}

func TestWSBadTokenGetsErrorFrame(t *testing.T) {
	_, wss := wsTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(wss, "/ws/v1/connect?token=bogus"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	f := readFrame(t, conn)
	if f.Type != hub.FrameError || f.Error == nil || f.Error.Code != ErrUnauthenticated {
		t.Errorf("frame = %+v, want unauthenticated error", f)
	}
}

func TestWSTopicEndpointSubscribes(t *testing.T) {
	ts, wss := wsTestServer(t)
	id, token := ts.agentToken(t, "listener")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(wss, "/ws/v1/messages?token="+token), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if f := readFrame(t, conn); f.Type != hub.FrameConnected {
		t.Fatalf("first frame = %q", f.Type)
	}
	f := readFrame(t, conn)
	if f.Type != hub.FrameSubscribed || f.Topic != hub.TopicMessages {
		t.Fatalf("second frame = %+v, want subscribed to messages", f)
	}
	if !ts.srv.Registry().IsSubscribed(id, hub.TopicMessages) {
		t.Error("registry does not show the subscription")
	}
}

func TestWSSubscribeUnknownTopic(t *testing.T) {
	ts, wss := wsTestServer(t)
	_, token := ts.agentToken(t, "curious")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(wss, "/ws/v1/connect?token="+token), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readFrame(t, conn) // connected

	writeFrame(t, conn, hub.ClientFrame{Type: "subscribe", Topic: "gossip"})
	if f := readFrame(t, conn); f.Type != hub.FrameError {
		t.Errorf("frame = %+v, want error", f)
	}

	writeFrame(t, conn, hub.ClientFrame{Type: "subscribe", Topic: hub.TopicSession})
	if f := readFrame(t, conn); f.Type != hub.FrameSubscribed || f.Topic != hub.TopicSession {
		t.Errorf("frame = %+v, want subscribed to session", f)
	}
}
