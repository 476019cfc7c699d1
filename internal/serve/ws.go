package serve

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/marcus/agenthub/internal/hub"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsAuthTimeout  = 10 * time.Second
)

// wsStream adapts one WebSocket connection to hub.Stream. A mutex serializes
// writes, which also preserves per-recipient frame order.
type wsStream struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// Send marshals the frame and writes it with a bounded deadline. Sends after
// Close fail cleanly instead of racing the closing socket.
func (ws *wsStream) Send(frame hub.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return net.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return ws.conn.Write(ctx, websocket.MessageText, data)
}

// Close closes the underlying connection. Idempotent.
func (ws *wsStream) Close() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return nil
	}
	ws.closed = true
	return ws.conn.Close(websocket.StatusNormalClosure, "")
}

// handleWS returns the upgrade handler for one streaming endpoint. An empty
// topic is the bare connect endpoint; a named topic subscribes the stream to
// it immediately after authentication.
func (s *Server) handleWS(topic hub.Topic) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := &websocket.AcceptOptions{}
		if s.config.CORSOrigin == "*" {
			opts.InsecureSkipVerify = true
		} else if s.config.CORSOrigin != "" {
			opts.OriginPatterns = []string{s.config.CORSOrigin}
		}

		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			slog.Debug("ws: accept failed", "err", err)
			return
		}
		stream := &wsStream{conn: conn}

		ident, ok := s.authenticateStream(r, conn, stream)
		if !ok {
			return
		}

		s.registry.Add(ident.AgentID, ident.Name, stream)
		_ = stream.Send(hub.NewTopicFrame(hub.FrameConnected, hub.TopicConnect, ident))

		if topic != "" {
			s.registry.Subscribe(ident.AgentID, topic)
			_ = stream.Send(hub.NewTopicFrame(hub.FrameSubscribed, topic, nil))
		}

		s.readLoop(r.Context(), conn, stream, ident.AgentID)
	}
}

// authenticateStream resolves the stream's identity: a token query parameter,
// or failing that a connect frame within the auth window. On failure the
// error goes out as a frame before the socket closes; unauthenticated streams
// never see a bare disconnect.
func (s *Server) authenticateStream(r *http.Request, conn *websocket.Conn, stream *wsStream) (ident authIdentity, ok bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		ctx, cancel := context.WithTimeout(r.Context(), wsAuthTimeout)
		defer cancel()

		_, data, err := conn.Read(ctx)
		if err != nil {
			_ = stream.Close()
			return authIdentity{}, false
		}
		var cf hub.ClientFrame
		if err := json.Unmarshal(data, &cf); err != nil || cf.Type != "connect" || cf.Token == "" {
			_ = stream.Send(hub.NewErrorFrame(ErrUnauthenticated, "first frame must be connect with a token"))
			_ = stream.Close()
			return authIdentity{}, false
		}
		token = cf.Token
	}

	verified, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		_ = stream.Send(hub.NewErrorFrame(ErrUnauthenticated, "token rejected"))
		_ = stream.Close()
		return authIdentity{}, false
	}
	return authIdentity{AgentID: verified.AgentID, Name: verified.Name, Nickname: verified.Nickname}, true
}

// authIdentity is the connected-frame payload.
type authIdentity struct {
	AgentID  int64  `json:"agent_id"`
	Name     string `json:"agent_name"`
	Nickname string `json:"nickname,omitempty"`
}

// readLoop consumes inbound frames until the connection drops. Every frame,
// whatever its type, refreshes transport liveness.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, stream *wsStream, agentID int64) {
	defer s.registry.RemoveStream(agentID, stream)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("ws: read loop ended", "agent_id", agentID, "err", err)
			return
		}
		s.registry.Heartbeat(agentID, time.Now())

		var cf hub.ClientFrame
		if err := json.Unmarshal(data, &cf); err != nil {
			_ = stream.Send(hub.NewErrorFrame(ErrInvalidArgument, "malformed frame"))
			continue
		}

		switch cf.Type {
		case "ping":
			_ = stream.Send(hub.NewFrame(hub.FramePong, nil))
		case "connect":
			// Already connected; counts as a heartbeat only.
		case "subscribe":
			if !hub.ValidTopic(cf.Topic) || cf.Topic == hub.TopicConnect {
				_ = stream.Send(hub.NewErrorFrame(ErrInvalidArgument, "unknown topic: "+string(cf.Topic)))
				continue
			}
			s.registry.Subscribe(agentID, cf.Topic)
			_ = stream.Send(hub.NewTopicFrame(hub.FrameSubscribed, cf.Topic, nil))
		case "unsubscribe":
			if !hub.ValidTopic(cf.Topic) || cf.Topic == hub.TopicConnect {
				_ = stream.Send(hub.NewErrorFrame(ErrInvalidArgument, "unknown topic: "+string(cf.Topic)))
				continue
			}
			s.registry.Unsubscribe(agentID, cf.Topic)
			_ = stream.Send(hub.NewTopicFrame(hub.FrameUnsubscribed, cf.Topic, nil))
		default:
			_ = stream.Send(hub.NewErrorFrame(ErrInvalidArgument, "unknown frame type: "+cf.Type))
		}
	}
}
