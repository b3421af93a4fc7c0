// Package session tracks logical client sessions across transports.
//
// A Session is created Pending, becomes Active on its first successful
// exchange and ends Closed. State changes go through a Manager, which
// serializes them per session and mirrors each session to a Store so other
// Manager instances can resume it.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/mcp-transport-go/pkg/auth"
	"github.com/ajitpratap0/mcp-transport-go/pkg/protocol"
)

// State is the lifecycle state of a session.
type State int

const (
	StatePending State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrSubscriptionClosed is returned by Subscription.Next once the
// subscription or its session has been closed.
var ErrSubscriptionClosed = errors.New("session: subscription closed")

// DefaultEventBacklog bounds each subscriber's undelivered event queue.
const DefaultEventBacklog = 256

// Session is one logical client session. All methods are safe for concurrent
// use; state is only changed through the Manager.
type Session struct {
	id        string
	createdAt time.Time

	mu           sync.Mutex
	lastActiveAt time.Time
	state        State
	authInfo     *auth.Info

	inFlight atomic.Int64

	subMu   sync.Mutex
	subs    map[*Subscription]struct{}
	backlog []*protocol.Message
	maxLog  int
}

func newSession(id string, createdAt time.Time, backlog int) *Session {
	if backlog <= 0 {
		backlog = DefaultEventBacklog
	}
	return &Session{
		id:           id,
		createdAt:    createdAt,
		lastActiveAt: createdAt,
		state:        StatePending,
		subs:         make(map[*Subscription]struct{}),
		maxLog:       backlog,
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AuthInfo returns the identity attached by the last successful
// authentication, or nil.
func (s *Session) AuthInfo() *auth.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authInfo
}

// StartRequest records an accepted request. Every call must be paired with
// EndRequest.
func (s *Session) StartRequest() { s.inFlight.Add(1) }

// EndRequest records that a request finished, whatever the outcome.
func (s *Session) EndRequest() { s.inFlight.Add(-1) }

// InFlight returns the number of requests currently being processed.
func (s *Session) InFlight() int64 { return s.inFlight.Load() }

func (s *Session) record() Record {
	return Record{
		ID:           s.id,
		State:        s.state,
		CreatedAt:    s.createdAt,
		LastActiveAt: s.lastActiveAt,
		Auth:         s.authInfo,
	}
}

// Publish appends msg to every subscriber's queue in call order. With no
// subscriber attached the message is held until the first one arrives.
// Messages published after Close are dropped.
func (s *Session) Publish(msg *protocol.Message) bool {
	if s.State() == StateClosed {
		return false
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	if len(s.subs) == 0 {
		s.backlog = appendBounded(s.backlog, msg, s.maxLog)
		return true
	}
	for sub := range s.subs {
		sub.push(msg)
	}
	return true
}

// Subscribe attaches a new event subscriber. The first subscriber receives
// anything published while nobody was listening.
func (s *Session) Subscribe() (*Subscription, error) {
	if s.State() == StateClosed {
		return nil, ErrSubscriptionClosed
	}

	sub := &Subscription{
		session: s,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		max:     s.maxLog,
	}

	s.subMu.Lock()
	sub.queue = append(sub.queue, s.backlog...)
	s.backlog = nil
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()

	if len(sub.queue) > 0 {
		sub.signal()
	}
	return sub, nil
}

// Subscribers returns the number of attached subscribers.
func (s *Session) Subscribers() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

func (s *Session) unsubscribe(sub *Subscription) {
	s.subMu.Lock()
	delete(s.subs, sub)
	s.subMu.Unlock()
}

func (s *Session) closeSubscriptions() {
	s.subMu.Lock()
	subs := s.subs
	s.subs = make(map[*Subscription]struct{})
	s.backlog = nil
	s.subMu.Unlock()

	for sub := range subs {
		sub.closeOnce()
	}
}

// Subscription is one ordered stream of a session's outbound messages.
type Subscription struct {
	session *Session

	mu      sync.Mutex
	queue   []*protocol.Message
	dropped int
	max     int

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (sub *Subscription) push(msg *protocol.Message) {
	sub.mu.Lock()
	before := len(sub.queue)
	sub.queue = appendBounded(sub.queue, msg, sub.max)
	if len(sub.queue) == before {
		sub.dropped++
	}
	sub.mu.Unlock()
	sub.signal()
}

func (sub *Subscription) signal() {
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a message is available, ctx is done or the
// subscription is closed. Messages are returned in publish order.
func (sub *Subscription) Next(ctx context.Context) (*protocol.Message, error) {
	for {
		sub.mu.Lock()
		if len(sub.queue) > 0 {
			msg := sub.queue[0]
			sub.queue[0] = nil
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()
			return msg, nil
		}
		sub.mu.Unlock()

		select {
		case <-sub.notify:
		case <-sub.done:
			return nil, ErrSubscriptionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Dropped returns how many messages were discarded because the queue was
// full.
func (sub *Subscription) Dropped() int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.dropped
}

// Close detaches the subscription. The session and its other subscribers
// are unaffected.
func (sub *Subscription) Close() {
	sub.session.unsubscribe(sub)
	sub.closeOnce()
}

func (sub *Subscription) closeOnce() {
	sub.once.Do(func() { close(sub.done) })
}

// Done is closed when the subscription ends.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }

// appendBounded appends msg, dropping the oldest entry when q is full.
func appendBounded(q []*protocol.Message, msg *protocol.Message, max int) []*protocol.Message {
	if max > 0 && len(q) >= max {
		copy(q, q[1:])
		q[len(q)-1] = msg
		return q
	}
	return append(q, msg)
}
