package room

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gamelink/backend/internal/game"
	"github.com/gamelink/backend/internal/game/tictactoe"
	"github.com/gamelink/backend/pkg/proto"
)

type sent struct {
	identity  string
	eventType string
	payload   any
}

type fakeSender struct{ ch chan sent }

func newFakeSender() *fakeSender { return &fakeSender{ch: make(chan sent, 32)} }

func (f *fakeSender) Send(identity, eventType string, payload any) {
	f.ch <- sent{identity: identity, eventType: eventType, payload: payload}
}

// recvSent receives one delivered event with a timeout so tests never hang.
func recvSent(t *testing.T, ch <-chan sent, within time.Duration) sent {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(within):
		t.Fatalf("timed out waiting for event")
		return sent{} // unreachable
	}
}

func sendMove(t *testing.T, r *Room, identity string, payload string) error {
	t.Helper()
	reply := make(chan error, 1)
	r.Inbox() <- Move{Identity: identity, Payload: json.RawMessage(payload), Reply: reply}
	select {
	case err := <-reply:
		return err
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for move reply")
		return nil // unreachable
	}
}

func getView(t *testing.T, r *Room) View {
	t.Helper()
	reply := make(chan View, 1)
	r.Inbox() <- GetView{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return View{} // unreachable
	}
}

func newTestRoom(t *testing.T, eng game.Engine, idle time.Duration) (*Room, *fakeSender) {
	t.Helper()
	sender := newFakeSender()
	r := New(context.Background(), "room-1", "testgame", [2]string{"alice", "bob"},
		eng, sender, nil, idle, zap.NewNop())
	return r, sender
}

func TestRoom_TurnAlternatesFromIndexZero(t *testing.T) {
	r, sender := newTestRoom(t, game.Passthrough{}, time.Minute)

	if v := getView(t, r); v.TurnOwner != "alice" {
		t.Fatalf("opening turn owner: want alice, got %s", v.TurnOwner)
	}

	if err := sendMove(t, r, "alice", `{"n":1}`); err != nil {
		t.Fatalf("alice's move rejected: %v", err)
	}
	for i := 0; i < 2; i++ { // both participants get the same update
		s := recvSent(t, sender.ch, time.Second)
		upd := s.payload.(proto.GameUpdate)
		if s.eventType != proto.EventGameUpdate || upd.TurnOwner != "bob" {
			t.Fatalf("after move 1: want game_update with turn_owner=bob, got %s %+v", s.eventType, upd)
		}
	}

	if err := sendMove(t, r, "bob", `{"n":2}`); err != nil {
		t.Fatalf("bob's move rejected: %v", err)
	}
	s := recvSent(t, sender.ch, time.Second)
	if upd := s.payload.(proto.GameUpdate); upd.TurnOwner != "alice" {
		t.Fatalf("after move 2: want turn_owner=alice, got %s", upd.TurnOwner)
	}
}

func TestRoom_RejectionsLeaveStateUntouched(t *testing.T) {
	r, sender := newTestRoom(t, game.Passthrough{}, time.Minute)
	before := getView(t, r)

	if err := sendMove(t, r, "bob", `{"n":1}`); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("out-of-turn move: want ErrNotYourTurn, got %v", err)
	}
	if err := sendMove(t, r, "carol", `{"n":1}`); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider move: want ErrNotParticipant, got %v", err)
	}

	after := getView(t, r)
	if after.TurnOwner != before.TurnOwner || string(after.State) != string(before.State) {
		t.Fatalf("rejected moves mutated the room: %+v -> %+v", before, after)
	}
	select {
	case s := <-sender.ch:
		t.Fatalf("rejected move was broadcast: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRoom_IllegalMoveRejectedByEngine(t *testing.T) {
	r, _ := newTestRoom(t, tictactoe.Engine{}, time.Minute)

	if err := sendMove(t, r, "alice", `{"position":42}`); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("want ErrIllegalMove, got %v", err)
	}
	if v := getView(t, r); v.TurnOwner != "alice" {
		t.Fatalf("illegal move flipped the turn to %s", v.TurnOwner)
	}
}

func TestRoom_LeaveForfeitsToOpponent(t *testing.T) {
	r, sender := newTestRoom(t, game.Passthrough{}, time.Minute)

	r.Inbox() <- Leave{Identity: "alice"}

	s := recvSent(t, sender.ch, time.Second)
	if s.identity != "bob" || s.eventType != proto.EventOpponentLeft {
		t.Fatalf("want opponent_left for bob, got %s for %s", s.eventType, s.identity)
	}
	if left := s.payload.(proto.OpponentLeft); !left.WinByDefault {
		t.Fatalf("want win_by_default=true, got %+v", left)
	}

	if v := getView(t, r); v.Status != StatusEnded {
		t.Fatalf("room status after leave: want ended, got %s", v.Status)
	}
	if err := sendMove(t, r, "bob", `{"n":1}`); !errors.Is(err, ErrRoomEnded) {
		t.Fatalf("move after leave: want ErrRoomEnded, got %v", err)
	}
}

func TestRoom_RecoverIsIdempotent(t *testing.T) {
	r, _ := newTestRoom(t, game.Passthrough{}, time.Minute)

	if err := sendMove(t, r, "alice", `{"n":7}`); err != nil {
		t.Fatalf("move rejected: %v", err)
	}

	recoverOnce := func() RecoverReply {
		reply := make(chan RecoverReply, 1)
		r.Inbox() <- Recover{Identity: "bob", Reply: reply}
		return <-reply
	}
	first := recoverOnce()
	second := recoverOnce()

	if !first.Found || !second.Found {
		t.Fatalf("recovery failed for a live participant: %+v %+v", first, second)
	}
	if string(first.Snapshot.State) != string(second.Snapshot.State) ||
		first.Snapshot.TurnOwner != second.Snapshot.TurnOwner ||
		first.Snapshot.Participants != second.Snapshot.Participants {
		t.Fatalf("back-to-back recoveries differ: %+v vs %+v", first.Snapshot, second.Snapshot)
	}
}

func TestRoom_RecoverRejectsOutsiders(t *testing.T) {
	r, _ := newTestRoom(t, game.Passthrough{}, time.Minute)

	reply := make(chan RecoverReply, 1)
	r.Inbox() <- Recover{Identity: "carol", Reply: reply}
	if rec := <-reply; rec.Found {
		t.Fatalf("outsider recovered a snapshot: %+v", rec)
	}
}

func TestRoom_WinEndsRoom(t *testing.T) {
	r, sender := newTestRoom(t, tictactoe.Engine{}, time.Minute)

	// alice takes the top row; bob fills the second.
	moves := []struct {
		identity string
		position int
	}{
		{"alice", 0}, {"bob", 3}, {"alice", 1}, {"bob", 4}, {"alice", 2},
	}
	for _, mv := range moves {
		payload, _ := json.Marshal(tictactoe.Move{Position: mv.position})
		if err := sendMove(t, r, mv.identity, string(payload)); err != nil {
			t.Fatalf("%s at %d rejected: %v", mv.identity, mv.position, err)
		}
	}

	var final proto.GameUpdate
	for i := 0; i < len(moves)*2; i++ {
		final = recvSent(t, sender.ch, time.Second).payload.(proto.GameUpdate)
	}
	if final.Result == nil || final.Result.Outcome != "win" || final.Result.Winner != "alice" {
		t.Fatalf("want win for alice on the last update, got %+v", final.Result)
	}
	if v := getView(t, r); v.Status != StatusEnded {
		t.Fatalf("room status after win: want ended, got %s", v.Status)
	}
}

func TestRoom_IdleRoomForceEndsWithTimeout(t *testing.T) {
	r, sender := newTestRoom(t, game.Passthrough{}, 50*time.Millisecond)

	s := recvSent(t, sender.ch, time.Second)
	upd := s.payload.(proto.GameUpdate)
	if upd.Result == nil || upd.Result.Outcome != "timeout" {
		t.Fatalf("want timeout result on idle reclamation, got %+v", upd.Result)
	}
	if v := getView(t, r); v.Status != StatusEnded {
		t.Fatalf("idle room status: want ended, got %s", v.Status)
	}
}

func TestRoom_HeartbeatKeepsRoomAlive(t *testing.T) {
	r, _ := newTestRoom(t, game.Passthrough{}, 200*time.Millisecond)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		r.Inbox() <- Heartbeat{Identity: "alice"}
		time.Sleep(50 * time.Millisecond)
	}

	if v := getView(t, r); v.Status != StatusActive {
		t.Fatalf("heartbeats did not keep the room alive: %s", v.Status)
	}
}

func TestRoom_ShutdownBroadcastsServerRestart(t *testing.T) {
	r, sender := newTestRoom(t, game.Passthrough{}, time.Minute)

	r.Inbox() <- Shutdown{Outcome: "server_restart"}

	for i := 0; i < 2; i++ {
		upd := recvSent(t, sender.ch, time.Second).payload.(proto.GameUpdate)
		if upd.Result == nil || upd.Result.Outcome != "server_restart" {
			t.Fatalf("want server_restart result, got %+v", upd.Result)
		}
	}
}
