// Package game defines the capability interface a title-specific collaborator
// supplies to the room layer. The room only knows that an accepted move
// produces a new state blob, possibly a terminal result; everything else
// (legality, rendering, scoring) lives behind Apply.
package game

import (
	"encoding/json"

	"github.com/gamelink/backend/pkg/proto"
)

// Engine merges accepted moves into an opaque state blob.
type Engine interface {
	// Init returns the initial state for a fresh room.
	Init() json.RawMessage

	// Apply merges move into state on behalf of the participant at seat
	// (0 or 1). A non-nil error rejects the move without touching the
	// room: state must be returned unchanged in that case. A non-nil
	// result ends the game.
	Apply(state json.RawMessage, identity string, seat int, move json.RawMessage) (json.RawMessage, *proto.GameResult, error)
}

// Passthrough relays moves without validating them: the latest move payload
// becomes the state. Used for game types with no registered engine, where the
// clients carry the rules themselves.
type Passthrough struct{}

func (Passthrough) Init() json.RawMessage { return json.RawMessage(`{}`) }

func (Passthrough) Apply(_ json.RawMessage, _ string, _ int, move json.RawMessage) (json.RawMessage, *proto.GameResult, error) {
	return move, nil, nil
}
