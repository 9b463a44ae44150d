// Package proto defines the wire protocol shared by the server and the
// client transport manager. Every frame on either transport is an Envelope;
// the payload shape depends on Type.
package proto

import "encoding/json"

// Client -> Server
const (
	EventJoinMatchmaking   = "join_matchmaking"
	EventCancelMatchmaking = "cancel_matchmaking"
	EventGameMove          = "game_move"
	EventLeaveGame         = "leave_game"
	EventRecoverSession    = "recover_session"
	EventHeartbeat         = "heartbeat"
)

// Server -> Client
const (
	EventWelcome        = "welcome"
	EventMatchFound     = "match_found"
	EventGameUpdate     = "game_update"
	EventOpponentLeft   = "opponent_left"
	EventGameRecovered  = "game_recovered"
	EventMatchCancelled = "match_cancelled"
	EventError          = "error"
)

// Error types carried by EventError payloads.
const (
	ErrBadRequest     = "bad_request"
	ErrNotFound       = "not_found"
	ErrNotYourTurn    = "not_your_turn"
	ErrNotParticipant = "not_participant"
	ErrRoomEnded      = "room_ended"
	ErrIllegalMove    = "illegal_move"
	ErrConnection     = "connection"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: eventType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: eventType, Payload: raw}, nil
}

type JoinMatchmaking struct {
	GameType string `json:"game_type"`
}

type GameMove struct {
	RoomID string          `json:"room_id"`
	Move   json.RawMessage `json:"move"`
}

type LeaveGame struct {
	RoomID string `json:"room_id"`
}

type RecoverSession struct {
	RoomID string `json:"room_id"`
}

type Heartbeat struct {
	RoomID string `json:"room_id,omitempty"`
}

// Welcome confirms the identity bound to a physical connection. When the
// client presented a known identity it is echoed back unchanged.
type Welcome struct {
	ClientID string `json:"client_id"`
}

type MatchFound struct {
	RoomID       string          `json:"room_id"`
	GameType     string          `json:"game_type"`
	Participants []string        `json:"participants"`
	InitialState json.RawMessage `json:"initial_state"`
	TurnOwner    string          `json:"turn_owner"`
}

// GameResult is only present on the update that ends a room.
type GameResult struct {
	Outcome string `json:"outcome"` // "win" | "draw" | "forfeit" | "timeout" | "server_restart"
	Winner  string `json:"winner,omitempty"`
}

type GameUpdate struct {
	RoomID    string          `json:"room_id"`
	State     json.RawMessage `json:"state"`
	LastMove  json.RawMessage `json:"last_move,omitempty"`
	TurnOwner string          `json:"turn_owner"`
	Result    *GameResult     `json:"result,omitempty"`
}

type OpponentLeft struct {
	RoomID       string `json:"room_id"`
	WinByDefault bool   `json:"win_by_default"`
}

type GameRecovered struct {
	RoomID       string          `json:"room_id"`
	GameType     string          `json:"game_type"`
	State        json.RawMessage `json:"state"`
	Participants []string        `json:"participants"`
	TurnOwner    string          `json:"turn_owner"`
}

type ErrorEvent struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}
