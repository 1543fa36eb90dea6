package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Message kinds seen on the assistant socket.
const (
	KindChat         = "chat"
	KindResponse     = "response"
	KindChatResponse = "chat_response"
	KindPing         = "ping"
	KindPong         = "pong"
	KindConnection   = "connection"
	KindError        = "error"
)

// Outbound is a client to server chat request.
type Outbound struct {
	Kind          string         `json:"kind"`
	Message       string         `json:"message"`
	UserID        string         `json:"userId"`
	Context       map[string]any `json:"context,omitempty"`
	SentAt        time.Time      `json:"sentAt"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// Control is a bare kind-only frame such as pong.
type Control struct {
	Kind string `json:"kind"`
}

// Inbound is any server to client frame. Unknown fields are kept in Raw.
type Inbound struct {
	Kind          string          `json:"kind"`
	Content       string          `json:"content,omitempty"`
	Message       string          `json:"message,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

func (m *Inbound) UnmarshalJSON(data []byte) error {
	var wire struct {
		Kind          string          `json:"kind"`
		Type          string          `json:"type"`
		Content       json.RawMessage `json:"content"`
		Message       json.RawMessage `json:"message"`
		CorrelationID string          `json:"correlationId"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Kind = wire.Kind
	if m.Kind == "" {
		m.Kind = wire.Type
	}
	m.Content = textField(wire.Content)
	m.Message = textField(wire.Message)
	m.CorrelationID = wire.CorrelationID
	m.Raw = append(m.Raw[:0], data...)
	return nil
}

// textField accepts either a JSON string or any other non-null value, which
// is kept in its encoded form.
func textField(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Text returns the reply body, preferring content over message.
func (m Inbound) Text() string {
	if m.Content != "" {
		return m.Content
	}
	return m.Message
}

// IsReply reports whether the frame answers a chat request: an explicit
// response kind, or any frame carrying a body that is not connection
// bookkeeping or a keepalive.
func (m Inbound) IsReply() bool {
	switch strings.ToLower(m.Kind) {
	case KindResponse, KindChatResponse:
		return true
	case KindConnection, KindPing, KindPong:
		return false
	}
	return m.Content != "" || m.Message != ""
}

func (m Inbound) IsPing() bool { return strings.EqualFold(m.Kind, KindPing) }

// Bus subjects, relative to the configured prefix.
const (
	SubjectStatus    = "status"
	SubjectQueue     = "audio.queue"
	SubjectEvents    = "audio.events"
	SubjectAudio     = "audio.chunk"
	SubjectInbound   = "inbound"
	SubjectSpeak     = "speak"
	SubjectInterrupt = "interrupt"
	SubjectCancel    = "cancel"
	SubjectChat      = "chat"
	SubjectConnect   = "connect"
	SubjectClose     = "disconnect"
)

// Subject joins a prefix and a relative subject.
func Subject(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// SpeakRequest asks the relay to voice text.
type SpeakRequest struct {
	Text           string `json:"text"`
	Priority       string `json:"priority,omitempty"`
	ChunkID        string `json:"chunk_id,omitempty"`
	Voice          string `json:"voice,omitempty"`
	FallbackToText bool   `json:"fallback_to_text,omitempty"`
}

// ChatRequest asks the relay to send a chat message to the assistant.
type ChatRequest struct {
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	Speak   bool           `json:"speak,omitempty"`
}

// ConnectRequest carries credentials for a manual connect.
type ConnectRequest struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// Reply is the bus response to a request/reply call.
type Reply struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Content string `json:"content,omitempty"`
}

// AudioChunk carries synthesized audio to a remote player.
type AudioChunk struct {
	ItemID     string    `json:"item_id"`
	ChunkID    string    `json:"chunk_id,omitempty"`
	Format     string    `json:"format"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Channels   int       `json:"channels,omitempty"`
	Data       []byte    `json:"data"`
	Final      bool      `json:"final"`
	Timestamp  time.Time `json:"timestamp"`
}
