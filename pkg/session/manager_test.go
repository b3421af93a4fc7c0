package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-transport-go/pkg/auth"
	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
	"github.com/ajitpratap0/mcp-transport-go/pkg/session"
	"github.com/ajitpratap0/mcp-transport-go/pkg/session/sessiontest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStore(t *testing.T) {
	sessiontest.RunStoreTests(t, func(t *testing.T) session.Store {
		return session.NewMemoryStore()
	})
}

func TestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := session.NewManager()

	s, err := m.Create(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, session.StatePending, s.State())

	require.NoError(t, m.Activate(ctx, s.ID()))
	assert.Equal(t, session.StateActive, s.State())

	info := auth.NewInfo("alice", "apikey", []string{"tools:call"}, time.Now())
	require.NoError(t, m.Attach(ctx, s.ID(), info))
	assert.Same(t, info, s.AuthInfo())

	got, err := m.Get(ctx, s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	require.NoError(t, m.Close(ctx, s.ID()))
	assert.Equal(t, session.StateClosed, s.State())
	assert.Equal(t, 0, m.Len())

	_, err = m.Get(ctx, s.ID())
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeSessionNotFound))

	err = m.Close(ctx, s.ID())
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeSessionNotFound))
}

func TestManager_UnknownSession(t *testing.T) {
	ctx := context.Background()
	m := session.NewManager()

	for _, op := range []func() error{
		func() error { _, err := m.Get(ctx, "nope"); return err },
		func() error { return m.Touch(ctx, "nope") },
		func() error { return m.Activate(ctx, "nope") },
		func() error { return m.Attach(ctx, "nope", nil) },
		func() error { return m.Close(ctx, "nope") },
		func() error { _, err := m.Get(ctx, ""); return err },
	} {
		err := op()
		require.Error(t, err)
		assert.True(t, mcperrors.IsCode(err, mcperrors.CodeSessionNotFound))
	}
}

func TestManager_ExpiryAndSweep(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	var closed []session.CloseReason
	var mu sync.Mutex
	m := session.NewManager(
		session.WithIdleTimeout(time.Minute),
		session.WithClock(clock.Now),
		session.WithHooks(nil, func(_ *session.Session, r session.CloseReason) {
			mu.Lock()
			closed = append(closed, r)
			mu.Unlock()
		}),
	)

	idle, err := m.Create(ctx)
	require.NoError(t, err)
	busy, err := m.Create(ctx)
	require.NoError(t, err)

	clock.Advance(45 * time.Second)
	require.NoError(t, m.Touch(ctx, busy.ID()))
	clock.Advance(30 * time.Second)

	// Expired but not yet reaped is already invisible.
	_, err = m.Get(ctx, idle.ID())
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeSessionNotFound))
	assert.Equal(t, 2, m.Len())

	assert.Equal(t, 1, m.Sweep(ctx))
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, session.StateClosed, idle.State())

	_, err = m.Get(ctx, busy.ID())
	assert.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []session.CloseReason{session.ReasonExpired}, closed)
	mu.Unlock()
}

func TestManager_SweepSkipsSessionsWithInFlightRequests(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := session.NewManager(session.WithIdleTimeout(time.Second), session.WithClock(clock.Now))

	s, err := m.Create(ctx)
	require.NoError(t, err)
	s.StartRequest()
	clock.Advance(time.Minute)

	assert.Equal(t, 0, m.Sweep(ctx))
	s.EndRequest()
	assert.Equal(t, 1, m.Sweep(ctx))
}

func TestManager_CloseWinsOverConcurrentTouch(t *testing.T) {
	ctx := context.Background()
	m := session.NewManager()

	for i := 0; i < 50; i++ {
		s, err := m.Create(ctx)
		require.NoError(t, err)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_ = m.Touch(ctx, s.ID())
				_ = m.Activate(ctx, s.ID())
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, m.Close(ctx, s.ID()))
		}()
		close(start)
		wg.Wait()

		_, err = m.Get(ctx, s.ID())
		assert.True(t, mcperrors.IsCode(err, mcperrors.CodeSessionNotFound), "session %d resurrected", i)
		assert.Equal(t, session.StateClosed, s.State())
	}
}

func TestManager_ConcurrentSessionsIndependent(t *testing.T) {
	ctx := context.Background()
	m := session.NewManager()

	var created atomic.Int64
	var wg sync.WaitGroup
	ids := make(chan string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Create(ctx)
			if assert.NoError(t, err) {
				created.Add(1)
				ids <- s.ID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, int64(100), created.Load())
	assert.Equal(t, 100, m.Len())
}

func TestManager_ShutdownKeepsSessionsResumable(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	a := session.NewManager(session.WithStore(store))

	s, err := a.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Activate(ctx, s.ID()))

	require.NoError(t, a.Shutdown())

	b := session.NewManager(session.WithStore(store))
	resumed, err := b.Get(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, resumed.State())
}

func TestManager_CloseSeenBySharedStoreManagers(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()

	var reasons []session.CloseReason
	a := session.NewManager(session.WithStore(store))
	b := session.NewManager(session.WithStore(store), session.WithHooks(nil, func(_ *session.Session, r session.CloseReason) {
		reasons = append(reasons, r)
	}))

	s, err := a.Create(ctx)
	require.NoError(t, err)

	cached, err := b.Get(ctx, s.ID())
	require.NoError(t, err)
	sub, err := cached.Subscribe()
	require.NoError(t, err)

	require.NoError(t, a.Close(ctx, s.ID()))

	_, err = b.Get(ctx, s.ID())
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeSessionNotFound))
	err = b.Touch(ctx, s.ID())
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeSessionNotFound))
	err = b.Close(ctx, s.ID())
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeSessionNotFound))

	assert.Equal(t, session.StateClosed, cached.State())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, []session.CloseReason{session.ReasonClosed}, reasons)
	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription left open after close by another manager")
	}

	_, err = store.Load(ctx, s.ID())
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestManager_ActivitySharedAcrossManagers(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	opts := []session.Option{
		session.WithStore(store),
		session.WithIdleTimeout(time.Minute),
		session.WithClock(clock.Now),
	}
	a := session.NewManager(opts...)
	b := session.NewManager(opts...)

	s, err := a.Create(ctx)
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	require.NoError(t, b.Touch(ctx, s.ID()))
	require.NoError(t, b.Activate(ctx, s.ID()))
	info := auth.NewInfo("alice", "apikey", []string{"tools:*"}, clock.Now())
	require.NoError(t, b.Attach(ctx, s.ID(), info))

	// Idle for 100s on a, but only 50s since b last saw it.
	clock.Advance(50 * time.Second)
	got, err := a.Get(ctx, s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, session.StateActive, got.State())
	require.NotNil(t, got.AuthInfo())
	assert.Equal(t, "alice", got.AuthInfo().Principal)

	assert.Equal(t, 0, a.Sweep(ctx))
	assert.Equal(t, 1, a.Len())
}

func TestManager_CloseExpiredSession(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	var reasons []session.CloseReason
	m := session.NewManager(
		session.WithIdleTimeout(time.Minute),
		session.WithClock(clock.Now),
		session.WithHooks(nil, func(_ *session.Session, r session.CloseReason) {
			reasons = append(reasons, r)
		}),
	)

	s, err := m.Create(ctx)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	err = m.Close(ctx, s.ID())
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeSessionNotFound))
	assert.Equal(t, session.StateClosed, s.State())
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, []session.CloseReason{session.ReasonExpired}, reasons)

	_, err = m.Get(ctx, s.ID())
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeSessionNotFound))
}

func TestManager_Run(t *testing.T) {
	m := session.NewManager(session.WithIdleTimeout(10 * time.Millisecond))
	s, err := m.Create(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 5*time.Millisecond) }()

	assert.Eventually(t, func() bool { return s.State() == session.StateClosed }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
