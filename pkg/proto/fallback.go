package proto

import "encoding/json"

// Statuses used by the fallback HTTP surface.
const (
	StatusOK           = "ok"
	StatusRegistered   = "registered"
	StatusMessages     = "messages"
	StatusTimeout      = "timeout"
	StatusDisconnected = "disconnected"
)

// Delivery is one queued mailbox message. IDs are assigned at enqueue time
// so a client can detect duplicates, though the relay never produces any.
type Delivery struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type RegisterRequest struct {
	ClientID string `json:"client_id,omitempty"`
}

type RegisterResponse struct {
	ClientID  string `json:"client_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type PollResponse struct {
	Status   string     `json:"status"`
	Messages []Delivery `json:"messages,omitempty"`
}

type SendRequest struct {
	ClientID string          `json:"client_id"`
	Event    string          `json:"event"`
	Message  json.RawMessage `json:"message,omitempty"`
}

type SendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

type HeartbeatRequest struct {
	ClientID string `json:"client_id"`
}

type StatusResponse struct {
	Status string `json:"status"`
}
