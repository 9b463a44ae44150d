// Package registry holds the live rooms. Like the rooms themselves it is an
// actor: a single goroutine owns the map, so creation, lookup and removal
// interleave safely without a global lock.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gamelink/backend/internal/game"
	"github.com/gamelink/backend/internal/room"
)

type Msg interface{ isRegistryMsg() }

// Create builds a room for two freshly matched participants and replies with
// its initial snapshot plus the room handle.
type Create struct {
	GameType     string
	Participants [2]string
	Reply        chan Created
}

type Get struct {
	RoomID string
	Reply  chan *room.Room
}

type Remove struct{ RoomID string }

type Shutdown struct{}

func (Create) isRegistryMsg()   {}
func (Get) isRegistryMsg()      {}
func (Remove) isRegistryMsg()   {}
func (Shutdown) isRegistryMsg() {}

type Created struct {
	Room     *room.Room
	Snapshot room.Snapshot
}

type Registry struct {
	inbox   chan Msg
	rooms   map[string]*room.Room
	engines map[string]game.Engine

	sender      room.Sender
	idleTimeout time.Duration
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
}

// New starts the registry goroutine. engines maps gameType to its
// collaborator engine; unregistered types get the passthrough engine.
func New(parent context.Context, engines map[string]game.Engine, sender room.Sender,
	idleTimeout time.Duration, logger *zap.Logger) *Registry {

	ctx, cancel := context.WithCancel(parent)
	reg := &Registry{
		inbox:       make(chan Msg, 64),
		rooms:       make(map[string]*room.Room),
		engines:     engines,
		sender:      sender,
		idleTimeout: idleTimeout,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	go reg.loop()
	return reg
}

func (reg *Registry) Inbox() chan<- Msg { return reg.inbox }

func (reg *Registry) loop() {
	for {
		select {
		case <-reg.ctx.Done():
			return

		case m := <-reg.inbox:
			switch msg := m.(type) {
			case Create:
				msg.Reply <- reg.create(msg)

			case Get:
				msg.Reply <- reg.rooms[msg.RoomID] // may be nil

			case Remove:
				delete(reg.rooms, msg.RoomID)

			case Shutdown:
				for _, r := range reg.rooms {
					r.Inbox() <- room.Shutdown{Outcome: "server_restart"}
				}
				clear(reg.rooms)
				reg.cancel()
				return
			}
		}
	}
}

func (reg *Registry) create(msg Create) Created {
	id := uuid.NewString()
	eng, ok := reg.engines[msg.GameType]
	if !ok {
		eng = game.Passthrough{}
	}

	onEnd := func(roomID string) {
		// Called from the room goroutine. The registry drains its inbox
		// until shutdown, so only bail out if it is already gone.
		select {
		case reg.inbox <- Remove{RoomID: roomID}:
		case <-reg.ctx.Done():
		}
	}

	// Rooms outlive the registry context on purpose: shutdown is delivered
	// as a message so the server_restart broadcast always gets out before
	// the room goroutine unwinds.
	r := room.New(context.WithoutCancel(reg.ctx), id, msg.GameType, msg.Participants,
		eng, reg.sender, onEnd, reg.idleTimeout, reg.logger)
	reg.rooms[id] = r
	reg.logger.Info("room created",
		zap.String("room_id", id),
		zap.String("game_type", msg.GameType),
		zap.Strings("participants", msg.Participants[:]))

	return Created{
		Room: r,
		Snapshot: room.Snapshot{
			RoomID:       id,
			GameType:     msg.GameType,
			State:        eng.Init(),
			Participants: msg.Participants,
			TurnOwner:    msg.Participants[0],
		},
	}
}
