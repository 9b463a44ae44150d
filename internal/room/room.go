// Package room owns one live match: two participants, the current turn
// owner, and the opaque state blob. A Room is a goroutine processing message
// structs off an inbox channel, so every mutation is serialized without
// locks. Rejections go back to the single sender; accepted updates broadcast
// to both participants through the injected Sender.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gamelink/backend/internal/game"
	"github.com/gamelink/backend/pkg/proto"
)

var (
	ErrRoomEnded      = errors.New("room has ended")
	ErrNotParticipant = errors.New("not a participant of this room")
	ErrNotYourTurn    = errors.New("not your turn")
	ErrIllegalMove    = errors.New("illegal move")
)

// Sender delivers one event to one identity over whatever transport is
// currently attached. Implemented by the gateway.
type Sender interface {
	Send(identity, eventType string, payload any)
}

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

type Msg interface{ isRoomMsg() }

type Move struct {
	Identity string
	Payload  json.RawMessage
	Reply    chan error
}

type Leave struct{ Identity string }

type Recover struct {
	Identity string
	Reply    chan RecoverReply
}

type Heartbeat struct{ Identity string }

// GetView reflects internal state without data races; used by tests and the
// registry snapshot path.
type GetView struct{ Reply chan View }

// Shutdown force-ends the room with the given outcome ("server_restart",
// "timeout").
type Shutdown struct{ Outcome string }

func (Move) isRoomMsg()      {}
func (Leave) isRoomMsg()     {}
func (Recover) isRoomMsg()   {}
func (Heartbeat) isRoomMsg() {}
func (GetView) isRoomMsg()   {}
func (Shutdown) isRoomMsg()  {}

type Snapshot struct {
	RoomID       string
	GameType     string
	State        json.RawMessage
	Participants [2]string
	TurnOwner    string
}

type RecoverReply struct {
	Found    bool
	Snapshot Snapshot
}

type View struct {
	Status    Status
	State     json.RawMessage
	TurnOwner string
}

type Room struct {
	id           string
	gameType     string
	participants [2]string
	state        json.RawMessage
	turn         int // index into participants
	status       Status

	engine      game.Engine
	sender      Sender
	onEnd       func(roomID string)
	idleTimeout time.Duration
	lastActive  time.Time

	inbox  chan Msg
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New starts the room goroutine. Participant index 0 owns the first turn.
// onEnd is called exactly once when the room reaches StatusEnded.
func New(parent context.Context, id, gameType string, participants [2]string,
	engine game.Engine, sender Sender, onEnd func(roomID string),
	idleTimeout time.Duration, logger *zap.Logger) *Room {

	ctx, cancel := context.WithCancel(parent)
	r := &Room{
		id:           id,
		gameType:     gameType,
		participants: participants,
		state:        engine.Init(),
		status:       StatusActive,
		engine:       engine,
		sender:       sender,
		onEnd:        onEnd,
		idleTimeout:  idleTimeout,
		lastActive:   time.Now(),
		inbox:        make(chan Msg, 64),
		logger:       logger.With(zap.String("room_id", id)),
		ctx:          ctx,
		cancel:       cancel,
	}
	go r.loop()
	return r
}

func (r *Room) ID() string { return r.id }

// Inbox exposes the message channel so the dispatcher, registry and tests
// can send messages.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

// Done is closed once the room goroutine is gone and will never answer
// again. Callers holding a stale handle select on it instead of blocking
// on a reply forever.
func (r *Room) Done() <-chan struct{} { return r.ctx.Done() }

func (r *Room) loop() {
	// Idle check runs often enough that reclamation lands within ~1.5x the
	// configured timeout.
	interval := r.idleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return

		case <-ticker.C:
			if r.status == StatusActive && time.Since(r.lastActive) > r.idleTimeout {
				r.logger.Info("room idle, force-ending")
				r.forceEnd("timeout")
			}

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Move:
				msg.Reply <- r.handleMove(msg)

			case Leave:
				r.handleLeave(msg.Identity)

			case Recover:
				msg.Reply <- r.handleRecover(msg.Identity)

			case Heartbeat:
				if r.isParticipant(msg.Identity) {
					r.lastActive = time.Now()
				}

			case GetView:
				msg.Reply <- View{Status: r.status, State: r.state, TurnOwner: r.participants[r.turn]}

			case Shutdown:
				r.forceEnd(msg.Outcome)
			}
		}
	}
}

func (r *Room) handleMove(msg Move) error {
	if r.status != StatusActive {
		return ErrRoomEnded
	}
	seat, ok := r.seatOf(msg.Identity)
	if !ok {
		return ErrNotParticipant
	}
	if seat != r.turn {
		return ErrNotYourTurn
	}

	newState, result, err := r.engine.Apply(r.state, msg.Identity, seat, msg.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}

	r.state = newState
	r.turn = 1 - r.turn
	r.lastActive = time.Now()
	if result != nil {
		r.status = StatusEnded
	}

	update := proto.GameUpdate{
		RoomID:    r.id,
		State:     r.state,
		LastMove:  msg.Payload,
		TurnOwner: r.participants[r.turn],
		Result:    result,
	}
	for _, p := range r.participants {
		r.sender.Send(p, proto.EventGameUpdate, update)
	}

	if result != nil {
		r.logger.Info("room ended", zap.String("outcome", result.Outcome))
		r.end()
	}
	return nil
}

func (r *Room) handleLeave(identity string) {
	if r.status != StatusActive || !r.isParticipant(identity) {
		return
	}
	r.status = StatusEnded
	for _, p := range r.participants {
		if p == identity {
			continue
		}
		r.sender.Send(p, proto.EventOpponentLeft, proto.OpponentLeft{RoomID: r.id, WinByDefault: true})
	}
	r.logger.Info("participant left, opponent wins by default", zap.String("identity", identity))
	r.end()
}

func (r *Room) handleRecover(identity string) RecoverReply {
	if r.status != StatusActive || !r.isParticipant(identity) {
		return RecoverReply{}
	}
	return RecoverReply{
		Found: true,
		Snapshot: Snapshot{
			RoomID:       r.id,
			GameType:     r.gameType,
			State:        r.state,
			Participants: r.participants,
			TurnOwner:    r.participants[r.turn],
		},
	}
}

func (r *Room) forceEnd(outcome string) {
	if r.status != StatusActive {
		return
	}
	r.status = StatusEnded
	update := proto.GameUpdate{
		RoomID:    r.id,
		State:     r.state,
		TurnOwner: r.participants[r.turn],
		Result:    &proto.GameResult{Outcome: outcome},
	}
	for _, p := range r.participants {
		r.sender.Send(p, proto.EventGameUpdate, update)
	}
	r.end()
}

// cleanupLinger keeps an ended room answering (with ErrRoomEnded / notFound)
// for callers that raced its removal, before the goroutine exits.
const cleanupLinger = 5 * time.Second

func (r *Room) end() {
	if r.onEnd != nil {
		r.onEnd(r.id)
	}
	time.AfterFunc(cleanupLinger, r.cancel)
}

func (r *Room) seatOf(identity string) (int, bool) {
	for i, p := range r.participants {
		if p == identity {
			return i, true
		}
	}
	return 0, false
}

func (r *Room) isParticipant(identity string) bool {
	_, ok := r.seatOf(identity)
	return ok
}
