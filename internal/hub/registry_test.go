package hub

import (
	"sync"
	"testing"
	"time"
)

// fakeStream records frames for assertions.
type fakeStream struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
}

func (s *fakeStream) Send(f Frame) error {
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

func (s *fakeStream) types() []FrameType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FrameType, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Type
	}
	return out
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestAddReplacesExistingConnection(t *testing.T) {
	r := NewRegistry()
	first := &fakeStream{}
	second := &fakeStream{}

	r.Add(1, "alpha", first)
	if !r.Subscribe(1, TopicMessages) {
		t.Fatal("Subscribe() = false for connected agent")
	}

	r.Add(1, "alpha", second)
	if !first.isClosed() {
		t.Error("replaced stream was not closed")
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
	// The replacement starts with a clean subscription slate.
	if r.IsSubscribed(1, TopicMessages) {
		t.Error("subscription survived connection replacement")
	}
}

func TestBroadcastReachesOnlySubscribers(t *testing.T) {
	r := NewRegistry()
	sub := &fakeStream{}
	nosub := &fakeStream{}
	r.Add(1, "alpha", sub)
	r.Add(2, "beta", nosub)
	r.Subscribe(1, TopicMessages)

	r.Broadcast(TopicMessages, NewTopicFrame(FrameNewMessage, TopicMessages, map[string]string{"content": "hi"}))

	if got := sub.types(); len(got) != 1 || got[0] != FrameNewMessage {
		t.Errorf("subscriber frames = %v, want one new_message", got)
	}
	if got := nosub.types(); len(got) != 0 {
		t.Errorf("non-subscriber frames = %v, want none", got)
	}
}

func TestBroadcastControlReachesEveryClient(t *testing.T) {
	r := NewRegistry()
	a := &fakeStream{}
	b := &fakeStream{}
	r.Add(1, "alpha", a)
	r.Add(2, "beta", b)
	r.Subscribe(1, TopicMessages)

	r.BroadcastControl(NewFrame(FrameActivityVerification, nil))

	for _, s := range []*fakeStream{a, b} {
		if got := s.types(); len(got) != 1 || got[0] != FrameActivityVerification {
			t.Errorf("client frames = %v, want one activity_verification", got)
		}
	}
}

func TestSubscribeValidation(t *testing.T) {
	r := NewRegistry()
	if r.Subscribe(1, TopicMessages) {
		t.Error("Subscribe() = true for unconnected agent")
	}
	r.Add(1, "alpha", &fakeStream{})
	if r.Subscribe(1, Topic("bogus")) {
		t.Error("Subscribe() = true for unknown topic")
	}
	// Connect is implicit and always satisfied for a connected agent.
	if !r.Subscribe(1, TopicConnect) {
		t.Error("Subscribe(connect) = false for connected agent")
	}
}

func TestUnsubscribe(t *testing.T) {
	r := NewRegistry()
	r.Add(1, "alpha", &fakeStream{})
	r.Subscribe(1, TopicSession)
	r.Unsubscribe(1, TopicSession)
	if r.IsSubscribed(1, TopicSession) {
		t.Error("still subscribed after Unsubscribe()")
	}
}

func TestRemoveStreamIgnoresStaleStream(t *testing.T) {
	r := NewRegistry()
	old := &fakeStream{}
	current := &fakeStream{}

	r.Add(1, "alpha", old)
	r.Add(1, "alpha", current)

	// The old read loop exits late; its removal must not evict the
	// replacement connection.
	r.RemoveStream(1, old)
	if r.Count() != 1 {
		t.Fatalf("Count() = %d after stale removal, want 1", r.Count())
	}

	r.RemoveStream(1, current)
	if r.Count() != 0 {
		t.Errorf("Count() = %d after current removal, want 0", r.Count())
	}
	if !current.isClosed() {
		t.Error("current stream not closed by RemoveStream()")
	}
}

func TestMarkSleepingClearsSubscriptions(t *testing.T) {
	r := NewRegistry()
	s := &fakeStream{}
	r.Add(1, "alpha", s)
	r.Subscribe(1, TopicMessages)
	r.Subscribe(1, TopicCollaboration)

	r.MarkSleeping(1, time.Now())

	info, ok := r.Get(1)
	if !ok || !info.IsSleeping || info.SleptAt.IsZero() {
		t.Fatalf("Get() = %+v ok=%v, want sleeping with timestamp", info, ok)
	}
	if r.IsSubscribed(1, TopicMessages) || r.IsSubscribed(1, TopicCollaboration) {
		t.Error("subscriptions survived MarkSleeping()")
	}
	if s.isClosed() {
		t.Error("MarkSleeping() closed the stream")
	}

	r.MarkAwake(1)
	info, _ = r.Get(1)
	if info.IsSleeping || !info.SleptAt.IsZero() {
		t.Errorf("after MarkAwake: %+v", info)
	}
}

func TestHeartbeatUpdatesClient(t *testing.T) {
	r := NewRegistry()
	r.Add(1, "alpha", &fakeStream{})

	at := time.Now().Add(time.Minute).UTC()
	r.Heartbeat(1, at)

	info, ok := r.Get(1)
	if !ok || !info.LastHeartbeat.Equal(at) {
		t.Errorf("LastHeartbeat = %v, want %v", info.LastHeartbeat, at)
	}
}

func TestShutdownNotifiesAndCloses(t *testing.T) {
	r := NewRegistry()
	a := &fakeStream{}
	b := &fakeStream{}
	r.Add(1, "alpha", a)
	r.Add(2, "beta", b)

	r.Shutdown(NewFrame(FrameShuttingDown, nil))

	if r.Count() != 0 {
		t.Errorf("Count() = %d after Shutdown(), want 0", r.Count())
	}
	for _, s := range []*fakeStream{a, b} {
		if got := s.types(); len(got) != 1 || got[0] != FrameShuttingDown {
			t.Errorf("frames = %v, want one shutting_down", got)
		}
		if !s.isClosed() {
			t.Error("stream not closed by Shutdown()")
		}
	}
}
