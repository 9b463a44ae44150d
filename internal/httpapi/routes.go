package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gamelink/backend/internal/gateway"
	"github.com/gamelink/backend/internal/relay"
	"github.com/gamelink/backend/internal/ws"
)

// SetupRoutes builds the full HTTP surface: the websocket upgrade, the
// fallback long-polling endpoints, and health.
func SetupRoutes(gw *gateway.Gateway, d *gateway.Dispatcher, rl *relay.Relay, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(gw, d, logger))

	r.Post("/fallback/register", Register(rl, logger))
	r.Get("/fallback/poll/{clientID}", Poll(rl))
	r.Post("/fallback/send", Send(rl, d))
	r.Post("/fallback/heartbeat", Heartbeat(rl))

	return r
}
