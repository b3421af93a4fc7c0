// Package sessiontest provides a conformance suite for session.Store
// implementations.
package sessiontest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-transport-go/pkg/auth"
	"github.com/ajitpratap0/mcp-transport-go/pkg/session"
)

// StoreFactory creates a fresh Store for one subtest.
type StoreFactory func(t *testing.T) session.Store

// RunStoreTests runs the complete Store suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("SaveAndLoad", func(t *testing.T) { testSaveAndLoad(t, factory) })
	t.Run("LoadMissing", func(t *testing.T) { testLoadMissing(t, factory) })
	t.Run("SaveReplaces", func(t *testing.T) { testSaveReplaces(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("TTLExpiry", func(t *testing.T) { testTTLExpiry(t, factory) })
	t.Run("RevokeOutlivesRecord", func(t *testing.T) { testRevoke(t, factory) })
	t.Run("ConcurrentSaves", func(t *testing.T) { testConcurrentSaves(t, factory) })
	t.Run("ManagerResume", func(t *testing.T) { testManagerResume(t, factory) })
}

func uniqueID(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func testSaveAndLoad(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := session.Record{
		ID:           uniqueID(t),
		State:        session.StateActive,
		CreatedAt:    now,
		LastActiveAt: now,
		Auth:         auth.NewInfo("alice", "apikey", []string{"tools:call"}, now),
	}
	require.NoError(t, s.Save(ctx, rec, time.Minute))

	got, err := s.Load(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, session.StateActive, got.State)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	require.NotNil(t, got.Auth)
	assert.Equal(t, "alice", got.Auth.Principal)
	assert.Equal(t, []string{"tools:call"}, got.Auth.Scopes)
}

func testLoadMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()

	_, err := s.Load(context.Background(), uniqueID(t))
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func testSaveReplaces(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	rec := session.Record{ID: uniqueID(t), State: session.StatePending, CreatedAt: time.Now()}
	require.NoError(t, s.Save(ctx, rec, time.Minute))
	rec.State = session.StateActive
	require.NoError(t, s.Save(ctx, rec, time.Minute))

	got, err := s.Load(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, got.State)
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	rec := session.Record{ID: uniqueID(t), CreatedAt: time.Now()}
	require.NoError(t, s.Save(ctx, rec, time.Minute))
	require.NoError(t, s.Delete(ctx, rec.ID))
	_, err := s.Load(ctx, rec.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	assert.NoError(t, s.Delete(ctx, rec.ID))
}

func testTTLExpiry(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	rec := session.Record{ID: uniqueID(t), CreatedAt: time.Now()}
	require.NoError(t, s.Save(ctx, rec, 50*time.Millisecond))

	assert.Eventually(t, func() bool {
		_, err := s.Load(ctx, rec.ID)
		return err == session.ErrNotFound
	}, 2*time.Second, 20*time.Millisecond)
}

func testRevoke(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	id := uniqueID(t)
	revoked, err := s.IsRevoked(ctx, id)
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, s.Save(ctx, session.Record{ID: id, CreatedAt: time.Now()}, time.Minute))
	require.NoError(t, s.Revoke(ctx, id, time.Minute))
	require.NoError(t, s.Delete(ctx, id))

	revoked, err = s.IsRevoked(ctx, id)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func testConcurrentSaves(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	base := uniqueID(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := session.Record{ID: fmt.Sprintf("%s-%d", base, i), CreatedAt: time.Now()}
			assert.NoError(t, s.Save(ctx, rec, time.Minute))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		_, err := s.Load(ctx, fmt.Sprintf("%s-%d", base, i))
		assert.NoError(t, err)
	}
}

// testManagerResume checks that two managers sharing a store see each
// other's sessions and that a close in one is final for both.
func testManagerResume(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	a := session.NewManager(session.WithStore(s), session.WithIdleTimeout(time.Minute))
	b := session.NewManager(session.WithStore(s), session.WithIdleTimeout(time.Minute))

	sess, err := a.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Attach(ctx, sess.ID(), auth.NewInfo("alice", "jwt", nil, time.Now())))

	resumed, err := b.Get(ctx, sess.ID())
	require.NoError(t, err)
	require.NotNil(t, resumed.AuthInfo())
	assert.Equal(t, "alice", resumed.AuthInfo().Principal)

	require.NoError(t, a.Close(ctx, sess.ID()))

	// b still holds a stale copy in memory; the record is gone from the store
	// and the revocation marker keeps a third manager from resuming it.
	c := session.NewManager(session.WithStore(s), session.WithIdleTimeout(time.Minute))
	_, err = c.Get(ctx, sess.ID())
	assert.Error(t, err)
}
