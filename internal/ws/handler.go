// Package ws serves the bidirectional channel. One handler goroutine reads
// client intents and hands them to the dispatcher; a writer goroutine drains
// the gateway outbox. Clients resume a logical identity across physical
// connections by passing ?identity= on the upgrade request.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gamelink/backend/internal/gateway"
	"github.com/gamelink/backend/pkg/proto"
)

const (
	writeTimeout = 3 * time.Second
	// readTimeout bounds silence on the socket; client heartbeats arrive
	// well inside it.
	readTimeout = 90 * time.Second
)

func Handler(gw *gateway.Gateway, d *gateway.Dispatcher, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := r.URL.Query().Get("identity")
		if identity == "" {
			identity = uuid.NewString()
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Debug("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		connCtx, cancel := context.WithCancel(r.Context())
		defer cancel()

		out := make(chan proto.Envelope, 16)
		gw.Attach(identity, out, cancel)
		defer gw.Detach(identity, out)

		// The client learns (or re-confirms) its identity before anything
		// else happens on this connection.
		welcome, _ := proto.NewEnvelope(proto.EventWelcome, proto.Welcome{ClientID: identity})
		if err := write(connCtx, conn, welcome); err != nil {
			return
		}

		go func() {
			for {
				select {
				case <-connCtx.Done():
					return
				case env := <-out:
					if err := write(connCtx, conn, env); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		for {
			ctx, rcancel := context.WithTimeout(connCtx, readTimeout)
			_, data, err := conn.Read(ctx)
			rcancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					logger.Debug("websocket read ended", zap.String("identity", identity), zap.Error(err))
				}
				return
			}

			var env proto.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				gw.Send(identity, proto.EventError,
					proto.ErrorEvent{ErrorType: proto.ErrBadRequest, Message: "malformed message"})
				continue
			}
			d.Dispatch(identity, env)
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, env proto.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}
