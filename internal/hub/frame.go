// Package hub holds the in-memory connection registry and the wire frame
// vocabulary for the streaming surface. One Registry value is owned by the
// server and passed explicitly; there is no package-level state.
package hub

import (
	"encoding/json"
	"time"
)

// Topic names a fan-out channel agents subscribe to.
type Topic string

const (
	TopicConnect       Topic = "connect"
	TopicMessages      Topic = "messages"
	TopicCollaboration Topic = "collaboration"
	TopicSession       Topic = "session"
)

// SubscribableTopics are the topics tracked in subscriber sets. Control
// frames on connect reach every authenticated stream regardless of
// subscriptions.
func SubscribableTopics() []Topic {
	return []Topic{TopicMessages, TopicCollaboration, TopicSession}
}

// ValidTopic checks whether t is a known topic.
func ValidTopic(t Topic) bool {
	switch t {
	case TopicConnect, TopicMessages, TopicCollaboration, TopicSession:
		return true
	}
	return false
}

// FrameType tags an outbound frame. The set is closed: the dispatcher is
// total over it and unknown inbound types produce a typed error frame.
type FrameType string

const (
	FrameConnected            FrameType = "connected"
	FrameSubscribed           FrameType = "subscribed"
	FrameUnsubscribed         FrameType = "unsubscribed"
	FramePing                 FrameType = "ping"
	FramePong                 FrameType = "pong"
	FrameNewMessage           FrameType = "new_message"
	FrameBroadcast            FrameType = "broadcast"
	FrameCollaborationEvent   FrameType = "collaboration_event"
	FrameSessionEvent         FrameType = "session_event"
	FrameActivityVerification FrameType = "activity_verification"
	FrameSleepNotification    FrameType = "sleep_notification"
	FrameShuttingDown         FrameType = "shutting_down"
	FrameError                FrameType = "error"
)

// Frame is one outbound message on a stream. Timestamps are ISO-8601 UTC.
type Frame struct {
	Type      FrameType       `json:"type"`
	Timestamp string          `json:"timestamp"`
	Topic     Topic           `json:"topic,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload is the typed error payload carried by error frames. Stream
// failures never surface as tracebacks.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewFrame builds a frame of the given type with the payload marshaled into
// Data. A nil payload leaves Data empty.
func NewFrame(t FrameType, payload any) Frame {
	f := Frame{
		Type:      t,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			f.Data = data
		}
	}
	return f
}

// NewTopicFrame builds a frame tagged with the topic it is fanned out on.
func NewTopicFrame(t FrameType, topic Topic, payload any) Frame {
	f := NewFrame(t, payload)
	f.Topic = topic
	return f
}

// NewErrorFrame builds a typed error frame.
func NewErrorFrame(code, message string) Frame {
	return Frame{
		Type:      FrameError,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Error:     &ErrorPayload{Code: code, Message: message},
	}
}

// ClientFrame is one inbound message parsed from a stream: connect carries a
// token, subscribe/unsubscribe carry a topic, ping carries nothing.
type ClientFrame struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Topic Topic  `json:"topic,omitempty"`
}
