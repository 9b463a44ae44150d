package client

import "testing"

func TestTransition(t *testing.T) {
	cases := []struct {
		name string
		from State
		ev   fsmEvent
		want State
	}{
		{"connect from idle", StateDisconnected, evConnect, StateConnecting},
		{"connect after failure", StateFailed, evConnect, StateConnecting},
		{"connect while live is ignored", StateConnectedPrimary, evConnect, StateConnectedPrimary},
		{"primary up", StateConnecting, evPrimaryUp, StateConnectedPrimary},
		{"primary up after outage", StateReconnecting, evPrimaryUp, StateConnectedPrimary},
		{"fallback up", StateConnecting, evFallbackUp, StateConnectedFallback},
		{"fallback up after outage", StateReconnecting, evFallbackUp, StateConnectedFallback},
		{"primary lost", StateConnectedPrimary, evTransportLost, StateReconnecting},
		{"fallback lost", StateConnectedFallback, evTransportLost, StateReconnecting},
		{"lost while idle is ignored", StateDisconnected, evTransportLost, StateDisconnected},
		{"budget exhausted connecting", StateConnecting, evBudgetExhausted, StateFailed},
		{"budget exhausted reconnecting", StateReconnecting, evBudgetExhausted, StateFailed},
		{"retry after failure", StateFailed, evRetry, StateConnecting},
		{"retry while live is ignored", StateConnectedFallback, evRetry, StateConnectedFallback},
		{"close always disconnects", StateConnectedPrimary, evClose, StateDisconnected},
		{"close after failure", StateFailed, evClose, StateDisconnected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := transition(tc.from, tc.ev); got != tc.want {
				t.Fatalf("%s + %d: want %s, got %s", tc.from, tc.ev, tc.want, got)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateDisconnected:      "disconnected",
		StateConnecting:        "connecting",
		StateConnectedPrimary:  "connected-primary",
		StateConnectedFallback: "connected-fallback",
		StateReconnecting:      "reconnecting",
		StateFailed:            "failed",
		State(99):              "unknown",
	} {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
