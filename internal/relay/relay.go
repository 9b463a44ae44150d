// Package relay implements the server-side fallback mailboxes used while a
// client cannot hold the bidirectional channel open. Each registered identity
// owns an ordered queue of pending messages and at most one blocked poll; an
// enqueue resolves the blocked poll immediately instead of waiting out the
// timeout cycle.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gamelink/backend/pkg/proto"
)

var ErrUnknownClient = errors.New("unknown client")

// PollResult is what a blocked poll resolves to.
type PollResult struct {
	Status   string
	Messages []proto.Delivery
}

type session struct {
	id       string
	mailbox  []proto.Delivery
	waiter   chan PollResult // nil unless a poll is blocked; buffered(1), written at most once
	lastSeen time.Time
}

type Config struct {
	PollTimeout time.Duration // ceiling for a single blocked poll
	StaleAfter  time.Duration // idle sessions beyond this are reclaimed
	SweepEvery  time.Duration
}

type Relay struct {
	mu       sync.Mutex
	sessions map[string]*session

	cfg    Config
	logger *zap.Logger
	done   chan struct{}
	once   sync.Once
}

func New(cfg Config, logger *zap.Logger) *Relay {
	r := &Relay{
		sessions: make(map[string]*session),
		cfg:      cfg,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Register creates a session and mailbox for a fresh identity, or touches an
// existing one when the client presents an id it already holds.
func (r *Relay) Register(clientID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if clientID != "" {
		if s, ok := r.sessions[clientID]; ok {
			s.lastSeen = time.Now()
			return s.id
		}
	}
	id := clientID
	if id == "" {
		id = uuid.NewString()
	}
	r.sessions[id] = &session{id: id, lastSeen: time.Now()}
	r.logger.Info("fallback client registered", zap.String("client_id", id))
	return id
}

// Registered reports whether an identity currently holds a mailbox.
func (r *Relay) Registered(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[clientID]
	return ok
}

// Poll blocks until the mailbox is non-empty, the timeout elapses, or the
// session is reclaimed. A second concurrent poll for the same identity
// supersedes the first: the earlier request resolves with an empty timeout.
// No entity lock is held while blocked.
func (r *Relay) Poll(ctx context.Context, clientID string, timeout time.Duration) (PollResult, error) {
	if timeout <= 0 || timeout > r.cfg.PollTimeout {
		timeout = r.cfg.PollTimeout
	}

	r.mu.Lock()
	s, ok := r.sessions[clientID]
	if !ok {
		r.mu.Unlock()
		return PollResult{}, ErrUnknownClient
	}
	s.lastSeen = time.Now()

	if len(s.mailbox) > 0 {
		msgs := s.mailbox
		s.mailbox = nil
		r.mu.Unlock()
		return PollResult{Status: proto.StatusMessages, Messages: msgs}, nil
	}

	if old := s.waiter; old != nil {
		s.waiter = nil
		old <- PollResult{Status: proto.StatusTimeout}
	}
	w := make(chan PollResult, 1)
	s.waiter = w
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w:
		return res, nil
	case <-timer.C:
		if r.clearWaiter(clientID, w) {
			return PollResult{Status: proto.StatusTimeout}, nil
		}
		// An enqueue claimed the waiter on the timer edge; its result is
		// already committed to the buffered channel and must not be dropped.
		return <-w, nil
	case <-ctx.Done():
		if r.clearWaiter(clientID, w) {
			return PollResult{Status: proto.StatusTimeout}, ctx.Err()
		}
		return <-w, ctx.Err()
	case <-r.done:
		return PollResult{Status: proto.StatusDisconnected}, nil
	}
}

// clearWaiter detaches w if it is still the registered waiter. A false
// return means a concurrent resolver already claimed w under the lock and
// will (or did) write the result into it.
func (r *Relay) clearWaiter(clientID string, w chan PollResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[clientID]; ok && s.waiter == w {
		s.waiter = nil
		return true
	}
	return false
}

// Send enqueues one message for clientID, resolving a blocked poll with the
// full drained mailbox if one is waiting. Returns the assigned message id.
func (r *Relay) Send(clientID, eventType string, payload any) (string, error) {
	env, err := proto.NewEnvelope(eventType, payload)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	s, ok := r.sessions[clientID]
	if !ok {
		r.mu.Unlock()
		return "", ErrUnknownClient
	}

	d := proto.Delivery{ID: uuid.NewString(), Type: env.Type, Payload: env.Payload}
	s.mailbox = append(s.mailbox, d)

	if w := s.waiter; w != nil {
		msgs := s.mailbox
		s.mailbox = nil
		s.waiter = nil
		r.mu.Unlock()
		w <- PollResult{Status: proto.StatusMessages, Messages: msgs}
		return d.ID, nil
	}
	r.mu.Unlock()
	return d.ID, nil
}

// Heartbeat refreshes last-seen for clientID.
func (r *Relay) Heartbeat(clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[clientID]
	if !ok {
		return ErrUnknownClient
	}
	s.lastSeen = time.Now()
	return nil
}

// Shutdown resolves every blocked poll as disconnected and drops all
// sessions. Safe to call more than once.
func (r *Relay) Shutdown() {
	r.once.Do(func() { close(r.done) })

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if w := s.waiter; w != nil {
			s.waiter = nil
			w <- PollResult{Status: proto.StatusDisconnected}
		}
		delete(r.sessions, id)
	}
}

func (r *Relay) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Relay) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if now.Sub(s.lastSeen) <= r.cfg.StaleAfter {
			continue
		}
		if w := s.waiter; w != nil {
			s.waiter = nil
			w <- PollResult{Status: proto.StatusDisconnected}
		}
		delete(r.sessions, id)
		r.logger.Debug("reclaimed stale fallback session", zap.String("client_id", id))
	}
}
