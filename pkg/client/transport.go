// Package client implements the transport manager for talking to the
// session server. It holds exactly one active physical transport at a time:
// the bidirectional websocket when it can be established, an HTTP long-poll
// loop against the fallback relay otherwise. Callers see one event stream
// and one Send regardless of which transport is live.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/gamelink/backend/pkg/proto"
)

var (
	// ErrConnectivity means the retry budget is exhausted. The logical
	// identity stays alive for the grace window, so a later Retry can
	// still recover the session.
	ErrConnectivity = errors.New("connectivity failed, retry available")
	ErrNotConnected = errors.New("not connected")
)

type Config struct {
	// ServerURL is the http(s) base of the server, e.g. "http://host:8080".
	ServerURL string

	HTTPClient *http.Client
	Logger     *zap.Logger

	DialTimeout time.Duration // per websocket dial attempt
	// PrimaryAttempts is how many consecutive dial failures flip the
	// manager onto the fallback transport.
	PrimaryAttempts uint64
	// MaxTransportFlips bounds primary<->fallback switches per Connect.
	// The source behavior (unbounded flips nested in unbounded redials)
	// is a retry storm and is deliberately not reproduced.
	MaxTransportFlips int
	// MaxReconnectAttempts bounds redials per outage once connected.
	MaxReconnectAttempts uint64
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration

	PollTimeout       time.Duration // requested long-poll hold
	HeartbeatInterval time.Duration
	// IdentityGrace is how long after a terminal failure the identity is
	// kept for a manual Retry.
	IdentityGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.PrimaryAttempts == 0 {
		c.PrimaryAttempts = 3
	}
	if c.MaxTransportFlips == 0 {
		c.MaxTransportFlips = 3
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 8
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 250 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 10 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.IdentityGrace <= 0 {
		c.IdentityGrace = 2 * time.Minute
	}
}

type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	identity string
	roomID   string
	conn     *websocket.Conn
	flips    int
	failedAt time.Time
	handler  func(proto.Envelope)
	cancel   context.CancelFunc
}

func New(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{cfg: cfg, logger: cfg.Logger, state: StateDisconnected}
}

// OnEvent registers the handler for every server event, from either
// transport. Must be called before Connect.
func (m *Manager) OnEvent(h func(proto.Envelope)) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the logical client identity, once known.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// SetActiveRoom binds the automatic heartbeat to a room so the server's
// idle tracking counts this client as live between moves. Pass "" once the
// game is over.
func (m *Manager) SetActiveRoom(roomID string) {
	m.mu.Lock()
	m.roomID = roomID
	m.mu.Unlock()
}

// Connect establishes a transport, blocking until one is live or the budget
// is exhausted. ctx bounds establishment; the connection itself lives until
// Close.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected && m.state != StateFailed {
		m.mu.Unlock()
		return fmt.Errorf("connect in state %s", m.state)
	}
	m.state = transition(m.state, evConnect)
	m.flips = 0
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.establish(ctx, runCtx); err != nil {
		cancel()
		return err
	}
	go m.heartbeatLoop(runCtx)
	return nil
}

// Retry re-attempts connection after a terminal failure. Outside the grace
// window the old identity is dropped and the server assigns a fresh one.
func (m *Manager) Retry(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateFailed {
		m.mu.Unlock()
		return fmt.Errorf("retry in state %s", m.state)
	}
	if time.Since(m.failedAt) > m.cfg.IdentityGrace {
		m.identity = ""
	}
	m.mu.Unlock()
	return m.Connect(ctx)
}

// Send transmits one intent over the active transport.
func (m *Manager) Send(ctx context.Context, eventType string, payload any) error {
	env, err := proto.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	state, conn, identity := m.state, m.conn, m.identity
	m.mu.Unlock()

	switch state {
	case StateConnectedPrimary:
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return conn.Write(ctx, websocket.MessageText, raw)
	case StateConnectedFallback:
		body, _ := json.Marshal(proto.SendRequest{ClientID: identity, Event: env.Type, Message: env.Payload})
		resp, err := m.post(ctx, "/fallback/send", body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fallback send: %s", resp.Status)
		}
		return nil
	default:
		return ErrNotConnected
	}
}

// Close tears down the active transport and forgets nothing but the
// connection; the identity survives for a later Connect.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel, conn := m.cancel, m.conn
	m.cancel, m.conn = nil, nil
	m.state = transition(m.state, evClose)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

// establish walks primary -> fallback -> primary ... until a transport is
// live or the flip budget runs out.
func (m *Manager) establish(ctx, runCtx context.Context) error {
	for {
		if err := m.startPrimary(ctx, runCtx); err == nil {
			return nil
		} else if ctx.Err() != nil {
			m.fail()
			return err
		}
		if !m.takeFlip() {
			m.fail()
			return ErrConnectivity
		}
		m.logger.Info("switching to fallback transport")

		if err := m.startFallback(ctx, runCtx); err == nil {
			return nil
		} else if ctx.Err() != nil {
			m.fail()
			return err
		}
		if !m.takeFlip() {
			m.fail()
			return ErrConnectivity
		}
		m.logger.Info("switching back to primary transport")
	}
}

// startPrimary dials the websocket with bounded, backed-off attempts.
func (m *Manager) startPrimary(ctx, runCtx context.Context) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(m.newBackOff(), m.cfg.PrimaryAttempts-1), ctx)
	return backoff.Retry(func() error {
		conn, err := m.dialOnce(ctx)
		if err != nil {
			m.logger.Debug("websocket dial failed", zap.Error(err))
			return err
		}
		m.adoptPrimary(runCtx, conn)
		return nil
	}, bo)
}

func (m *Manager) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	u, err := url.Parse(m.cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	m.mu.Lock()
	if m.identity != "" {
		u.RawQuery = url.Values{"identity": {m.identity}}.Encode()
	}
	m.mu.Unlock()

	conn, _, err := websocket.Dial(dctx, u.String(), &websocket.DialOptions{HTTPClient: m.cfg.HTTPClient})
	return conn, err
}

func (m *Manager) adoptPrimary(runCtx context.Context, conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.state = transition(m.state, evPrimaryUp)
	m.mu.Unlock()
	m.logger.Info("primary transport up")
	go m.readLoop(runCtx, conn)
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("primary transport lost", zap.Error(err))
			m.transitionTo(evTransportLost)
			m.reestablish(ctx)
			return
		}
		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("dropping malformed server frame", zap.Error(err))
			continue
		}
		m.deliver(env)
	}
}

// reestablish redials the primary with the per-outage budget, then falls
// back through the remaining transport flips.
func (m *Manager) reestablish(runCtx context.Context) {
	bo := backoff.WithContext(backoff.WithMaxRetries(m.newBackOff(), m.cfg.MaxReconnectAttempts), runCtx)
	err := backoff.Retry(func() error {
		conn, err := m.dialOnce(runCtx)
		if err != nil {
			return err
		}
		m.adoptPrimary(runCtx, conn)
		return nil
	}, bo)
	if err == nil || runCtx.Err() != nil {
		return
	}

	if !m.takeFlip() {
		m.fail()
		return
	}
	m.logger.Info("switching to fallback transport")
	if err := m.startFallback(runCtx, runCtx); err != nil {
		m.fail()
	}
}

// startFallback registers a mailbox and starts the continuous long-poll.
func (m *Manager) startFallback(ctx, runCtx context.Context) error {
	m.mu.Lock()
	identity := m.identity
	m.mu.Unlock()

	body, _ := json.Marshal(proto.RegisterRequest{ClientID: identity})
	resp, err := m.post(ctx, "/fallback/register", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fallback register: %s", resp.Status)
	}
	var reg proto.RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return err
	}

	m.mu.Lock()
	m.identity = reg.ClientID
	m.conn = nil
	m.state = transition(m.state, evFallbackUp)
	m.mu.Unlock()
	m.logger.Info("fallback transport up", zap.String("client_id", reg.ClientID))

	go m.pollLoop(runCtx)
	m.deliver(mustEnvelope(proto.EventWelcome, proto.Welcome{ClientID: reg.ClientID}))
	return nil
}

// pollLoop re-issues the blocking poll immediately on every response so the
// mailbox is always being drained.
func (m *Manager) pollLoop(ctx context.Context) {
	failures := uint64(0)
	bo := m.newBackOff()

	for ctx.Err() == nil {
		if m.State() != StateConnectedFallback {
			return
		}
		res, err := m.pollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures > m.cfg.MaxReconnectAttempts {
				m.transitionTo(evTransportLost)
				if !m.takeFlip() {
					m.fail()
					return
				}
				m.logger.Info("switching back to primary transport")
				if err := m.startPrimary(ctx, ctx); err != nil {
					m.fail()
				}
				return
			}
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return
			}
			continue
		}
		failures = 0
		bo.Reset()

		switch res.Status {
		case proto.StatusMessages:
			for _, d := range res.Messages {
				m.deliver(proto.Envelope{Type: d.Type, Payload: d.Payload})
			}
		case proto.StatusTimeout:
			// Expected; poll again.
		case proto.StatusDisconnected:
			// The relay reclaimed or superseded us; one fresh
			// registration re-arms the mailbox.
			m.transitionTo(evTransportLost)
			if err := m.startFallback(ctx, ctx); err != nil {
				m.fail()
			}
			return
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context) (proto.PollResponse, error) {
	m.mu.Lock()
	identity := m.identity
	m.mu.Unlock()

	u := m.cfg.ServerURL + "/fallback/poll/" + url.PathEscape(identity) +
		"?timeout=" + strconv.FormatInt(m.cfg.PollTimeout.Milliseconds(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return proto.PollResponse{}, err
	}
	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return proto.PollResponse{}, err
	}
	defer resp.Body.Close()

	var pr proto.PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return proto.PollResponse{}, err
	}
	return pr, nil
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			identity, roomID := m.identity, m.roomID
			m.mu.Unlock()
			switch m.State() {
			case StateConnectedPrimary:
				_ = m.Send(ctx, proto.EventHeartbeat, proto.Heartbeat{RoomID: roomID})
			case StateConnectedFallback:
				if roomID != "" {
					// Routed as an intent so the room's idle tracking is
					// refreshed along with the mailbox session.
					_ = m.Send(ctx, proto.EventHeartbeat, proto.Heartbeat{RoomID: roomID})
					continue
				}
				body, _ := json.Marshal(proto.HeartbeatRequest{ClientID: identity})
				if resp, err := m.post(ctx, "/fallback/heartbeat", body); err == nil {
					resp.Body.Close()
				}
			}
		}
	}
}

func (m *Manager) deliver(env proto.Envelope) {
	if env.Type == proto.EventWelcome {
		var w proto.Welcome
		if err := json.Unmarshal(env.Payload, &w); err == nil && w.ClientID != "" {
			m.mu.Lock()
			m.identity = w.ClientID
			m.mu.Unlock()
		}
	}
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(env)
	}
}

func (m *Manager) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.ServerURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return m.cfg.HTTPClient.Do(req)
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectInitial
	bo.MaxInterval = m.cfg.ReconnectMax
	bo.MaxElapsedTime = 0 // attempts are bounded by count, not wall clock
	return bo
}

func (m *Manager) transitionTo(ev fsmEvent) {
	m.mu.Lock()
	m.state = transition(m.state, ev)
	m.mu.Unlock()
}

func (m *Manager) takeFlip() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flips >= m.cfg.MaxTransportFlips {
		return false
	}
	m.flips++
	return true
}

func (m *Manager) fail() {
	m.mu.Lock()
	m.state = transition(m.state, evBudgetExhausted)
	m.failedAt = time.Now()
	m.mu.Unlock()
	m.logger.Error("connectivity budget exhausted")
}

func mustEnvelope(eventType string, payload any) proto.Envelope {
	env, _ := proto.NewEnvelope(eventType, payload)
	return env
}
