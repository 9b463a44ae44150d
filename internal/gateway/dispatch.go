package gateway

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/gamelink/backend/internal/matchmaking"
	"github.com/gamelink/backend/internal/registry"
	"github.com/gamelink/backend/internal/room"
	"github.com/gamelink/backend/pkg/proto"
)

// Dispatcher is the single entry point for client intents. Both transports
// feed it: the websocket read loop directly, and POST /fallback/send for
// polling clients. Protocol errors go back to the sender only, as error
// events over whatever transport the sender holds.
type Dispatcher struct {
	queue    *matchmaking.Queue
	registry *registry.Registry
	gw       *Gateway
	logger   *zap.Logger
}

func NewDispatcher(q *matchmaking.Queue, reg *registry.Registry, gw *Gateway, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{queue: q, registry: reg, gw: gw, logger: logger}
}

func (d *Dispatcher) Dispatch(identity string, env proto.Envelope) {
	switch env.Type {
	case proto.EventJoinMatchmaking:
		d.joinMatchmaking(identity, env.Payload)
	case proto.EventCancelMatchmaking:
		d.queue.Inbox() <- matchmaking.Cancel{Identity: identity}
	case proto.EventGameMove:
		d.gameMove(identity, env.Payload)
	case proto.EventLeaveGame:
		d.leaveGame(identity, env.Payload)
	case proto.EventRecoverSession:
		d.recoverSession(identity, env.Payload)
	case proto.EventHeartbeat:
		d.heartbeat(identity, env.Payload)
	default:
		d.sendError(identity, proto.ErrBadRequest, "unknown event type: "+env.Type)
	}
}

func (d *Dispatcher) joinMatchmaking(identity string, payload json.RawMessage) {
	var req proto.JoinMatchmaking
	if err := json.Unmarshal(payload, &req); err != nil || req.GameType == "" {
		d.sendError(identity, proto.ErrBadRequest, "join_matchmaking requires game_type")
		return
	}
	reply := make(chan error, 1)
	d.queue.Inbox() <- matchmaking.Join{Identity: identity, GameType: req.GameType, Reply: reply}
	if err := <-reply; err != nil {
		d.sendError(identity, proto.ErrBadRequest, err.Error())
	}
}

func (d *Dispatcher) gameMove(identity string, payload json.RawMessage) {
	var req proto.GameMove
	if err := json.Unmarshal(payload, &req); err != nil || req.RoomID == "" {
		d.sendError(identity, proto.ErrBadRequest, "game_move requires room_id")
		return
	}
	r := d.lookup(req.RoomID)
	if r == nil {
		d.sendError(identity, proto.ErrNotFound, "room not found")
		return
	}
	if err := d.sendMoveToRoom(identity, r, req.Move); err != nil {
		d.sendError(identity, moveErrorType(err), err.Error())
	}
}

// sendMoveToRoom submits the move and waits for the verdict. A room whose
// goroutine already unwound counts as ended instead of wedging the caller;
// the registry Get and the room's reclamation can race.
func (d *Dispatcher) sendMoveToRoom(identity string, r *room.Room, mv json.RawMessage) error {
	reply := make(chan error, 1)
	select {
	case r.Inbox() <- room.Move{Identity: identity, Payload: mv, Reply: reply}:
	case <-r.Done():
		return room.ErrRoomEnded
	}
	select {
	case err := <-reply:
		return err
	case <-r.Done():
		// The verdict may have been written just before the goroutine exited.
		select {
		case err := <-reply:
			return err
		default:
			return room.ErrRoomEnded
		}
	}
}

func (d *Dispatcher) leaveGame(identity string, payload json.RawMessage) {
	var req proto.LeaveGame
	if err := json.Unmarshal(payload, &req); err != nil || req.RoomID == "" {
		d.sendError(identity, proto.ErrBadRequest, "leave_game requires room_id")
		return
	}
	if r := d.lookup(req.RoomID); r != nil {
		r.Inbox() <- room.Leave{Identity: identity}
	}
	// Leaving a room that is already gone is not an error.
}

func (d *Dispatcher) recoverSession(identity string, payload json.RawMessage) {
	var req proto.RecoverSession
	if err := json.Unmarshal(payload, &req); err != nil || req.RoomID == "" {
		d.sendError(identity, proto.ErrBadRequest, "recover_session requires room_id")
		return
	}
	r := d.lookup(req.RoomID)
	if r == nil {
		d.sendError(identity, proto.ErrNotFound, "room not found")
		return
	}
	var rec room.RecoverReply
	reply := make(chan room.RecoverReply, 1)
	select {
	case r.Inbox() <- room.Recover{Identity: identity, Reply: reply}:
		select {
		case rec = <-reply:
		case <-r.Done():
			select {
			case rec = <-reply:
			default:
			}
		}
	case <-r.Done():
	}
	if !rec.Found {
		d.sendError(identity, proto.ErrNotFound, "room not found")
		return
	}
	snap := rec.Snapshot
	d.gw.Send(identity, proto.EventGameRecovered, proto.GameRecovered{
		RoomID:       snap.RoomID,
		GameType:     snap.GameType,
		State:        snap.State,
		Participants: snap.Participants[:],
		TurnOwner:    snap.TurnOwner,
	})
}

func (d *Dispatcher) heartbeat(identity string, payload json.RawMessage) {
	var req proto.Heartbeat
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			d.sendError(identity, proto.ErrBadRequest, "malformed heartbeat")
			return
		}
	}
	if req.RoomID == "" {
		return
	}
	if r := d.lookup(req.RoomID); r != nil {
		r.Inbox() <- room.Heartbeat{Identity: identity}
	}
}

func (d *Dispatcher) lookup(roomID string) *room.Room {
	reply := make(chan *room.Room, 1)
	d.registry.Inbox() <- registry.Get{RoomID: roomID, Reply: reply}
	return <-reply
}

func (d *Dispatcher) sendError(identity, errorType, message string) {
	d.gw.Send(identity, proto.EventError, proto.ErrorEvent{ErrorType: errorType, Message: message})
}

func moveErrorType(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomEnded):
		return proto.ErrRoomEnded
	case errors.Is(err, room.ErrNotParticipant):
		return proto.ErrNotParticipant
	case errors.Is(err, room.ErrNotYourTurn):
		return proto.ErrNotYourTurn
	case errors.Is(err, room.ErrIllegalMove):
		return proto.ErrIllegalMove
	default:
		return proto.ErrBadRequest
	}
}
