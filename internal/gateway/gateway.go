// Package gateway routes server events to whichever transport an identity
// currently holds: the live websocket outbox when one is attached, otherwise
// the fallback mailbox. Rooms and the matchmaking queue only ever talk to
// the gateway, so transport switches are invisible to them.
package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/gamelink/backend/internal/relay"
	"github.com/gamelink/backend/pkg/proto"
)

type conn struct {
	out    chan proto.Envelope
	cancel context.CancelFunc
}

type Gateway struct {
	mu    sync.RWMutex
	conns map[string]conn

	relay  *relay.Relay
	logger *zap.Logger
}

func New(r *relay.Relay, logger *zap.Logger) *Gateway {
	return &Gateway{
		conns:  make(map[string]conn),
		relay:  r,
		logger: logger,
	}
}

// Attach binds a websocket outbox to identity. A newer physical connection
// for the same identity displaces the old one: its cancel fires and the old
// writer loop unwinds. Channels are never closed, so concurrent Sends can
// at worst land in a buffer nobody drains.
func (g *Gateway) Attach(identity string, out chan proto.Envelope, cancel context.CancelFunc) {
	g.mu.Lock()
	old, had := g.conns[identity]
	g.conns[identity] = conn{out: out, cancel: cancel}
	g.mu.Unlock()
	if had {
		old.cancel()
	}
}

// Detach removes the outbox, but only if it is still the current one.
func (g *Gateway) Detach(identity string, out chan proto.Envelope) {
	g.mu.Lock()
	if c, ok := g.conns[identity]; ok && c.out == out {
		delete(g.conns, identity)
	}
	g.mu.Unlock()
}

// Send delivers one event to identity. Implements room.Sender.
func (g *Gateway) Send(identity, eventType string, payload any) {
	env, err := proto.NewEnvelope(eventType, payload)
	if err != nil {
		g.logger.Error("marshal event", zap.String("type", eventType), zap.Error(err))
		return
	}

	g.mu.RLock()
	c, ok := g.conns[identity]
	g.mu.RUnlock()

	if ok {
		select {
		case c.out <- env:
		default:
			// Writer is stuck; drop the connection, the client will
			// reconnect and recover from a snapshot.
			g.logger.Warn("slow client, dropping connection", zap.String("identity", identity))
			g.Detach(identity, c.out)
			c.cancel()
		}
		return
	}

	if _, err := g.relay.Send(identity, eventType, payload); err != nil {
		g.logger.Debug("no transport for identity, event dropped",
			zap.String("identity", identity),
			zap.String("type", eventType))
	}
}
