package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gamelink/backend/pkg/proto"
)

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	r := New(Config{
		PollTimeout: 2 * time.Second,
		StaleAfter:  time.Minute,
		SweepEvery:  time.Hour, // sweeps are invoked directly in tests
	}, zap.NewNop())
	t.Cleanup(r.Shutdown)
	return r
}

func TestRelay_DeliversInEnqueueOrderExactlyOnce(t *testing.T) {
	r := newTestRelay(t)
	id := r.Register("")

	_, err := r.Send(id, "m1", map[string]int{"n": 1})
	require.NoError(t, err)
	_, err = r.Send(id, "m2", map[string]int{"n": 2})
	require.NoError(t, err)

	res, err := r.Poll(context.Background(), id, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, proto.StatusMessages, res.Status)
	require.Len(t, res.Messages, 2)
	require.Equal(t, "m1", res.Messages[0].Type)
	require.Equal(t, "m2", res.Messages[1].Type)

	// Drained means drained: the next poll times out empty.
	res, err = r.Poll(context.Background(), id, 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, proto.StatusTimeout, res.Status)
	require.Empty(t, res.Messages)
}

func TestRelay_SendResolvesBlockedPollImmediately(t *testing.T) {
	r := newTestRelay(t)
	id := r.Register("")

	done := make(chan PollResult, 1)
	go func() {
		res, _ := r.Poll(context.Background(), id, 2*time.Second)
		done <- res
	}()

	// Give the poll time to block, then enqueue.
	time.Sleep(50 * time.Millisecond)
	_, err := r.Send(id, "wake", nil)
	require.NoError(t, err)

	select {
	case res := <-done:
		require.Equal(t, proto.StatusMessages, res.Status)
		require.Len(t, res.Messages, 1)
		require.Equal(t, "wake", res.Messages[0].Type)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("blocked poll was not resolved by the send")
	}
}

func TestRelay_SecondPollSupersedesFirst(t *testing.T) {
	r := newTestRelay(t)
	id := r.Register("")

	first := make(chan PollResult, 1)
	go func() {
		res, _ := r.Poll(context.Background(), id, 2*time.Second)
		first <- res
	}()
	time.Sleep(50 * time.Millisecond)

	second := make(chan PollResult, 1)
	go func() {
		res, _ := r.Poll(context.Background(), id, 2*time.Second)
		second <- res
	}()
	time.Sleep(50 * time.Millisecond)

	// The first poll resolves empty as soon as the second arrives.
	select {
	case res := <-first:
		require.Equal(t, proto.StatusTimeout, res.Status)
		require.Empty(t, res.Messages)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("superseded poll did not resolve")
	}

	// Only the second poll receives the message.
	_, err := r.Send(id, "only-once", nil)
	require.NoError(t, err)
	select {
	case res := <-second:
		require.Equal(t, proto.StatusMessages, res.Status)
		require.Len(t, res.Messages, 1)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("active poll did not receive the message")
	}
}

func TestRelay_SendOnTimerEdgeIsNotLost(t *testing.T) {
	r := newTestRelay(t)
	id := r.Register("")

	// Align every enqueue with the poll's timer expiry. Whichever side wins
	// the race, the message must reach this poll or a later one; none may
	// strand in an abandoned waiter channel.
	const rounds = 100
	delivered := 0
	for i := 0; i < rounds; i++ {
		go func() {
			time.Sleep(5 * time.Millisecond)
			_, _ = r.Send(id, "edge", nil)
		}()
		res, err := r.Poll(context.Background(), id, 5*time.Millisecond)
		require.NoError(t, err)
		delivered += len(res.Messages)
	}

	deadline := time.Now().Add(5 * time.Second)
	for delivered < rounds {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d messages delivered", delivered, rounds)
		}
		res, err := r.Poll(context.Background(), id, 20*time.Millisecond)
		require.NoError(t, err)
		delivered += len(res.Messages)
	}
}

func TestRelay_UnknownClient(t *testing.T) {
	r := newTestRelay(t)

	_, err := r.Poll(context.Background(), "nobody", 10*time.Millisecond)
	require.ErrorIs(t, err, ErrUnknownClient)
	_, err = r.Send("nobody", "x", nil)
	require.ErrorIs(t, err, ErrUnknownClient)
	require.ErrorIs(t, r.Heartbeat("nobody"), ErrUnknownClient)
}

func TestRelay_RegisterReusesKnownIdentity(t *testing.T) {
	r := newTestRelay(t)

	id := r.Register("")
	require.NotEmpty(t, id)
	require.Equal(t, id, r.Register(id))
	require.True(t, r.Registered(id))
}

func TestRelay_SweepReclaimsStaleSessions(t *testing.T) {
	r := newTestRelay(t)
	id := r.Register("")

	blocked := make(chan PollResult, 1)
	go func() {
		res, _ := r.Poll(context.Background(), id, 2*time.Second)
		blocked <- res
	}()
	time.Sleep(50 * time.Millisecond)

	// Pretend the staleness threshold has long passed.
	r.sweep(time.Now().Add(time.Hour))

	select {
	case res := <-blocked:
		require.Equal(t, proto.StatusDisconnected, res.Status)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("sweep did not resolve the blocked poll")
	}
	require.False(t, r.Registered(id))
}

func TestRelay_HeartbeatDefersReclamation(t *testing.T) {
	r := newTestRelay(t)
	id := r.Register("")

	require.NoError(t, r.Heartbeat(id))
	r.sweep(time.Now()) // fresh heartbeat, nothing stale yet
	require.True(t, r.Registered(id))
}

func TestRelay_ShutdownResolvesPollsAsDisconnected(t *testing.T) {
	r := New(Config{
		PollTimeout: 2 * time.Second,
		StaleAfter:  time.Minute,
		SweepEvery:  time.Hour,
	}, zap.NewNop())
	id := r.Register("")

	blocked := make(chan PollResult, 1)
	go func() {
		res, _ := r.Poll(context.Background(), id, 2*time.Second)
		blocked <- res
	}()
	time.Sleep(50 * time.Millisecond)

	r.Shutdown()

	select {
	case res := <-blocked:
		require.Equal(t, proto.StatusDisconnected, res.Status)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("shutdown did not resolve the blocked poll")
	}
}
