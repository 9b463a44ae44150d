// Package matchmaking holds waiting tickets keyed by game type and pairs
// them strictly FIFO, two at a time, into a new room. The queue is an actor:
// pairing is atomic because only the loop goroutine touches the tickets.
package matchmaking

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/gamelink/backend/internal/registry"
	"github.com/gamelink/backend/internal/room"
	"github.com/gamelink/backend/pkg/proto"
)

// ErrAlreadyQueued enforces the one-outstanding-ticket invariant.
var ErrAlreadyQueued = errors.New("identity already has a ticket")

type Msg interface{ isQueueMsg() }

type Join struct {
	Identity string
	GameType string
	Reply    chan error
}

// Cancel removes a still-queued ticket. No-op if the identity was already
// matched or never queued.
type Cancel struct{ Identity string }

type GetView struct{ Reply chan View }

type ShutdownQueue struct{}

func (Join) isQueueMsg()          {}
func (Cancel) isQueueMsg()        {}
func (GetView) isQueueMsg()       {}
func (ShutdownQueue) isQueueMsg() {}

// View reflects queue depths for tests.
type View struct {
	Waiting map[string]int
}

type ticket struct {
	identity string
	enqueued time.Time
}

type Queue struct {
	inbox      chan Msg
	tickets    map[string][]ticket // gameType -> FIFO
	byIdentity map[string]string   // identity -> gameType

	registry *registry.Registry
	sender   room.Sender
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(parent context.Context, reg *registry.Registry, sender room.Sender, logger *zap.Logger) *Queue {
	ctx, cancel := context.WithCancel(parent)
	q := &Queue{
		inbox:      make(chan Msg, 64),
		tickets:    make(map[string][]ticket),
		byIdentity: make(map[string]string),
		registry:   reg,
		sender:     sender,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	go q.loop()
	return q
}

func (q *Queue) Inbox() chan<- Msg { return q.inbox }

func (q *Queue) loop() {
	for {
		select {
		case <-q.ctx.Done():
			return

		case m := <-q.inbox:
			switch msg := m.(type) {
			case Join:
				msg.Reply <- q.handleJoin(msg.Identity, msg.GameType)

			case Cancel:
				q.handleCancel(msg.Identity)

			case GetView:
				v := View{Waiting: make(map[string]int, len(q.tickets))}
				for gt, ts := range q.tickets {
					v.Waiting[gt] = len(ts)
				}
				msg.Reply <- v

			case ShutdownQueue:
				q.cancel()
				return
			}
		}
	}
}

func (q *Queue) handleJoin(identity, gameType string) error {
	if _, ok := q.byIdentity[identity]; ok {
		return ErrAlreadyQueued
	}
	q.tickets[gameType] = append(q.tickets[gameType], ticket{identity: identity, enqueued: time.Now()})
	q.byIdentity[identity] = gameType
	q.logger.Debug("ticket enqueued",
		zap.String("identity", identity),
		zap.String("game_type", gameType))

	q.tryPair(gameType)
	return nil
}

func (q *Queue) handleCancel(identity string) {
	gameType, ok := q.byIdentity[identity]
	if !ok {
		return
	}
	delete(q.byIdentity, identity)
	ts := q.tickets[gameType]
	for i, t := range ts {
		if t.identity == identity {
			q.tickets[gameType] = append(ts[:i], ts[i+1:]...)
			break
		}
	}
	q.sender.Send(identity, proto.EventMatchCancelled, nil)
}

// tryPair pops the two oldest tickets of gameType and spins up a room for
// them. Both participants get match_found carrying their assigned order:
// index 0 is the first-enqueued identity and owns the opening turn.
func (q *Queue) tryPair(gameType string) {
	ts := q.tickets[gameType]
	if len(ts) < 2 {
		return
	}
	a, b := ts[0], ts[1]
	q.tickets[gameType] = ts[2:]
	delete(q.byIdentity, a.identity)
	delete(q.byIdentity, b.identity)

	reply := make(chan registry.Created, 1)
	q.registry.Inbox() <- registry.Create{
		GameType:     gameType,
		Participants: [2]string{a.identity, b.identity},
		Reply:        reply,
	}
	// The registry stops answering once it has processed its shutdown, so
	// waiting on the reply alone would wedge the queue actor for good.
	var created registry.Created
	select {
	case created = <-reply:
	case <-q.ctx.Done():
		return
	}
	snap := created.Snapshot

	found := proto.MatchFound{
		RoomID:       snap.RoomID,
		GameType:     snap.GameType,
		Participants: snap.Participants[:],
		InitialState: snap.State,
		TurnOwner:    snap.TurnOwner,
	}
	q.sender.Send(a.identity, proto.EventMatchFound, found)
	q.sender.Send(b.identity, proto.EventMatchFound, found)

	q.logger.Info("matched",
		zap.String("game_type", gameType),
		zap.String("room_id", snap.RoomID),
		zap.Duration("oldest_wait", time.Since(a.enqueued)))
}
