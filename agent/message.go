package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BroadcastTarget is the ToAgentID value addressing every registered
// agent.
const BroadcastTarget = "*"

// Message is one unit of agent-to-agent communication. Messages are
// immutable once sent.
type Message struct {
	ID          string         `json:"id"`
	FromAgentID string         `json:"from_agent_id"`
	ToAgentID   string         `json:"to_agent_id"`
	MessageType string         `json:"message_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	TimeToLive  time.Duration  `json:"time_to_live,omitempty"`
}

// NewMessage creates a message with a fresh id and the current timestamp.
func NewMessage(from, to, messageType string) *Message {
	return &Message{
		ID:          newMessageID(),
		FromAgentID: from,
		ToAgentID:   to,
		MessageType: messageType,
		Timestamp:   time.Now(),
	}
}

func newMessageID() string {
	return "msg_" + uuid.New().String()
}

// Expired reports whether the message's time-to-live has lapsed. A zero
// TimeToLive means the message never expires.
func (m *Message) Expired(now time.Time) bool {
	return m.TimeToLive > 0 && now.After(m.Timestamp.Add(m.TimeToLive))
}

// SendFailure classifies why a send was refused.
type SendFailure string

const (
	SendFailureNone        SendFailure = ""
	SendFailureEmptyTarget SendFailure = "empty_target"
	SendFailureExpired     SendFailure = "expired"
	SendFailureBusClosed   SendFailure = "bus_closed"
)

// SendResult reports the outcome of a send without raising an error, so
// broadcast and batch callers can account for partial success.
type SendResult struct {
	MessageID  string      `json:"message_id"`
	Success    bool        `json:"success"`
	Recipients int         `json:"recipients"`
	Failure    SendFailure `json:"failure,omitempty"`
}

func failedSend(messageID string, failure SendFailure) SendResult {
	return SendResult{MessageID: messageID, Failure: failure}
}

// Handler consumes one message. A returned error counts as a delivery
// failure for that handler only; other handlers still run.
type Handler func(ctx context.Context, msg *Message) error

// Subscription is a disposable handle to a registered handler. Dispose
// with Unsubscribe; it is safe to call more than once.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Unsubscribe stops further delivery to the subscription's handler.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}
