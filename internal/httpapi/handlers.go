// HTTP handlers for the fallback relay surface, used by clients only while
// the bidirectional channel is unavailable.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gamelink/backend/internal/gateway"
	"github.com/gamelink/backend/internal/relay"
	"github.com/gamelink/backend/pkg/proto"
)

func Register(rl *relay.Relay, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req proto.RegisterRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req) // empty body is a fresh registration
		}
		id := rl.Register(req.ClientID)
		writeJSON(w, http.StatusOK, proto.RegisterResponse{
			ClientID:  id,
			Status:    proto.StatusRegistered,
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

func Poll(rl *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := chi.URLParam(r, "clientID")

		var timeout time.Duration
		if ms := r.URL.Query().Get("timeout"); ms != "" {
			n, err := strconv.Atoi(ms)
			if err != nil {
				http.Error(w, "invalid timeout", http.StatusBadRequest)
				return
			}
			timeout = time.Duration(n) * time.Millisecond
		}

		res, err := rl.Poll(r.Context(), clientID, timeout)
		if errors.Is(err, relay.ErrUnknownClient) {
			writeJSON(w, http.StatusNotFound, proto.PollResponse{Status: proto.StatusDisconnected})
			return
		}
		// A cancelled request context still gets a well-formed timeout
		// response in case the write goes through.
		writeJSON(w, http.StatusOK, proto.PollResponse{Status: res.Status, Messages: res.Messages})
	}
}

func Send(rl *relay.Relay, d *gateway.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req proto.SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" || req.Event == "" {
			http.Error(w, "client_id and event are required", http.StatusBadRequest)
			return
		}
		if !rl.Registered(req.ClientID) {
			http.Error(w, "unknown client", http.StatusNotFound)
			return
		}
		// The embedded intent is dispatched exactly as if it had arrived on
		// the socket; replies land in the mailbox for the next poll.
		_ = rl.Heartbeat(req.ClientID)
		d.Dispatch(req.ClientID, proto.Envelope{Type: req.Event, Payload: req.Message})
		writeJSON(w, http.StatusOK, proto.SendResponse{Status: proto.StatusOK, MessageID: uuid.NewString()})
	}
}

func Heartbeat(rl *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req proto.HeartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
			http.Error(w, "client_id is required", http.StatusBadRequest)
			return
		}
		if err := rl.Heartbeat(req.ClientID); err != nil {
			writeJSON(w, http.StatusNotFound, proto.StatusResponse{Status: proto.StatusDisconnected})
			return
		}
		writeJSON(w, http.StatusOK, proto.StatusResponse{Status: proto.StatusOK})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
