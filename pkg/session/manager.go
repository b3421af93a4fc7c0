package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/mcp-transport-go/pkg/auth"
	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
	"github.com/ajitpratap0/mcp-transport-go/pkg/logging"
)

// CloseReason says why a session ended.
type CloseReason string

const (
	ReasonClosed  CloseReason = "closed"
	ReasonExpired CloseReason = "expired"
)

// DefaultIdleTimeout is used when no idle timeout is configured.
const DefaultIdleTimeout = 30 * time.Minute

// Manager owns the live session table and its backing Store.
type Manager struct {
	store        Store
	idleTimeout  time.Duration
	eventBacklog int
	logger       logging.Logger
	now          func() time.Time
	newID        func() string

	onCreate func(*Session)
	onClose  func(*Session, CloseReason)

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore sets the backing store. The default is a MemoryStore.
func WithStore(store Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithIdleTimeout sets how long a session may stay untouched. Zero disables
// expiry.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithEventBacklog bounds each subscriber's pending event queue.
func WithEventBacklog(n int) Option {
	return func(m *Manager) { m.eventBacklog = n }
}

func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the uuid session id generator.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// WithHooks registers callbacks run after a session is created or closed.
func WithHooks(onCreate func(*Session), onClose func(*Session, CloseReason)) Option {
	return func(m *Manager) {
		m.onCreate = onCreate
		m.onClose = onClose
	}
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		idleTimeout:  DefaultIdleTimeout,
		eventBacklog: DefaultEventBacklog,
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
		sessions:     make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.logger == nil {
		m.logger = logging.NewNop()
	}
	m.logger = m.logger.WithFields(logging.String("component", "session_manager"))
	return m
}

// IdleTimeout returns the configured idle timeout.
func (m *Manager) IdleTimeout() time.Duration { return m.idleTimeout }

// Len returns the number of live sessions held by this manager.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) notFound(id string) mcperrors.MCPError {
	return mcperrors.SessionNotFound(id).WithContext(&mcperrors.Context{
		SessionID: id,
		Component: "session_manager",
	})
}

// expiredLocked reports whether s has been idle too long. A session with
// requests in flight is in use and never expires. s.mu must be held.
func (m *Manager) expiredLocked(s *Session) bool {
	return m.idleTimeout > 0 && s.inFlight.Load() == 0 && m.now().Sub(s.lastActiveAt) > m.idleTimeout
}

// Create starts a new Pending session.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	s := newSession(m.newID(), m.now(), m.eventBacklog)

	if err := m.store.Save(ctx, s.record(), m.idleTimeout); err != nil {
		return nil, mcperrors.InternalError(err).WithDetail("save session")
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.logger.Debug("session created", logging.String("session_id", s.id))
	if m.onCreate != nil {
		m.onCreate(s)
	}
	return s, nil
}

// Get returns a live session. Unknown, closed and expired sessions all yield
// a Session Not Found error. A session persisted by another Manager sharing
// the store is resumed.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || m.expiredLocked(s) {
		return nil, m.notFound(id)
	}
	return s, nil
}

// lookup finds id in the live table or the store and reconciles a cached
// copy with the store. Expiry is left to the caller.
func (m *Manager) lookup(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, m.notFound(id)
	}

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return m.resume(ctx, id)
	}
	if err := m.sync(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) resume(ctx context.Context, id string) (*Session, error) {
	revoked, err := m.store.IsRevoked(ctx, id)
	if err != nil {
		return nil, mcperrors.InternalError(err).WithDetail("check revocation")
	}
	if revoked {
		return nil, m.notFound(id)
	}

	rec, err := m.store.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, m.notFound(id)
	}
	if err != nil {
		return nil, mcperrors.InternalError(err).WithDetail("load session")
	}
	if rec.State == StateClosed {
		return nil, m.notFound(id)
	}

	s := newSession(rec.ID, rec.CreatedAt, m.eventBacklog)
	s.lastActiveAt = rec.LastActiveAt
	s.state = rec.State
	s.authInfo = rec.Auth

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		return existing, nil
	}
	m.sessions[id] = s
	m.logger.Debug("session resumed from store", logging.String("session_id", id))
	return s, nil
}

// sync merges the stored record into the cached session s. Other Managers
// sharing the store may have touched, activated, authenticated or closed it.
// A revocation or a vanished record drops s from this Manager.
func (m *Manager) sync(ctx context.Context, s *Session) error {
	revoked, err := m.store.IsRevoked(ctx, s.id)
	if err != nil {
		return mcperrors.InternalError(err).WithDetail("check revocation")
	}
	if revoked {
		m.drop(s, ReasonClosed)
		return m.notFound(s.id)
	}

	rec, err := m.store.Load(ctx, s.id)
	if errors.Is(err, ErrNotFound) {
		if s.InFlight() > 0 {
			// A long request outlived the record's TTL; the revocation check
			// above rules out a Close elsewhere.
			return m.persist(ctx, s)
		}
		m.drop(s, ReasonExpired)
		return m.notFound(s.id)
	}
	if err != nil {
		return mcperrors.InternalError(err).WithDetail("load session")
	}
	if rec.State == StateClosed {
		m.drop(s, ReasonClosed)
		return m.notFound(s.id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.LastActiveAt.After(s.lastActiveAt) {
		s.lastActiveAt = rec.LastActiveAt
	}
	if s.state == StatePending && rec.State == StateActive {
		s.state = StateActive
	}
	if rec.Auth != nil && (s.authInfo == nil || rec.Auth.AuthenticatedAt.After(s.authInfo.AuthenticatedAt)) {
		s.authInfo = rec.Auth
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return m.notFound(s.id)
	}
	if err := m.store.Save(ctx, s.record(), m.idleTimeout); err != nil {
		return mcperrors.InternalError(err).WithDetail("save session")
	}
	return nil
}

// update runs fn under the session lock after checking the session is still
// live, then persists the result. A Close racing in from another Manager
// wins: its revocation marker is checked after the write.
func (m *Manager) update(ctx context.Context, id string, fn func(s *Session)) (*Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, m.notFound(id)
	}
	fn(s)
	err = m.store.Save(ctx, s.record(), m.idleTimeout)
	s.mu.Unlock()
	if err != nil {
		return nil, mcperrors.InternalError(err).WithDetail("save session")
	}

	revoked, err := m.store.IsRevoked(ctx, id)
	if err != nil {
		return nil, mcperrors.InternalError(err).WithDetail("check revocation")
	}
	if revoked {
		if err := m.store.Delete(context.WithoutCancel(ctx), id); err != nil {
			m.logger.WithError(err).Warn("failed to delete session record", logging.String("session_id", id))
		}
		m.drop(s, ReasonClosed)
		return nil, m.notFound(id)
	}
	return s, nil
}

// Touch refreshes the session's last activity time.
func (m *Manager) Touch(ctx context.Context, id string) error {
	_, err := m.update(ctx, id, func(s *Session) {
		s.lastActiveAt = m.now()
	})
	return err
}

// Activate moves a Pending session to Active. Activating an Active session
// only refreshes it.
func (m *Manager) Activate(ctx context.Context, id string) error {
	_, err := m.update(ctx, id, func(s *Session) {
		s.state = StateActive
		s.lastActiveAt = m.now()
	})
	return err
}

// Attach records the identity established by authentication, replacing any
// earlier one.
func (m *Manager) Attach(ctx context.Context, id string, info *auth.Info) error {
	_, err := m.update(ctx, id, func(s *Session) {
		s.authInfo = info
		s.lastActiveAt = m.now()
	})
	return err
}

// Close ends a session. Closing an unknown, expired or already closed
// session returns Session Not Found; an expired one is reaped on the way.
func (m *Manager) Close(ctx context.Context, id string) error {
	s, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	expired := s.state != StateClosed && m.expiredLocked(s)
	s.mu.Unlock()
	if expired {
		_ = m.close(ctx, s, ReasonExpired)
		return m.notFound(id)
	}
	return m.close(ctx, s, ReasonClosed)
}

func (m *Manager) close(ctx context.Context, s *Session, reason CloseReason) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return m.notFound(s.id)
	}
	s.state = StateClosed

	// The marker must land before the record disappears so a concurrent
	// resume in another Manager cannot bring the session back.
	storeCtx := context.WithoutCancel(ctx)
	if err := m.store.Revoke(storeCtx, s.id, m.revocationTTL()); err != nil {
		m.logger.WithError(err).Warn("failed to revoke session", logging.String("session_id", s.id))
	}
	if err := m.store.Delete(storeCtx, s.id); err != nil {
		m.logger.WithError(err).Warn("failed to delete session record", logging.String("session_id", s.id))
	}
	s.mu.Unlock()

	m.forget(s, reason)
	return nil
}

// drop closes the local copy of a session another Manager already ended.
// The store is left alone.
func (m *Manager) drop(s *Session, reason CloseReason) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()
	m.forget(s, reason)
}

func (m *Manager) forget(s *Session, reason CloseReason) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()

	s.closeSubscriptions()

	m.logger.Debug("session closed",
		logging.String("session_id", s.id),
		logging.String("reason", string(reason)),
	)
	if m.onClose != nil {
		m.onClose(s, reason)
	}
}

func (m *Manager) revocationTTL() time.Duration {
	if m.idleTimeout <= 0 {
		return 0
	}
	// Outlive any record that could still be sitting in the store.
	return 2 * m.idleTimeout
}

// Sweep closes every session idle for longer than the idle timeout and
// returns how many were reaped.
func (m *Manager) Sweep(ctx context.Context) int {
	if m.idleTimeout <= 0 {
		return 0
	}

	m.mu.RLock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	idle := func(s *Session) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.state != StateClosed && m.expiredLocked(s)
	}

	reaped := 0
	for _, s := range candidates {
		if !idle(s) {
			continue
		}
		// Another Manager may have kept it alive or ended it already.
		if err := m.sync(ctx, s); err != nil {
			if mcperrors.IsCode(err, mcperrors.CodeSessionNotFound) {
				reaped++
			}
			continue
		}
		if !idle(s) {
			continue
		}
		if err := m.close(ctx, s, ReasonExpired); err == nil {
			reaped++
		}
	}
	if reaped > 0 {
		m.logger.Info("reaped idle sessions", logging.Int("count", reaped))
	}
	return reaped
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Shutdown drops every live session from this Manager without revoking it,
// so the sessions stay resumable from the store, and closes the store.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.closeSubscriptions()
	}
	return m.store.Close()
}
