package session_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-transport-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-transport-go/pkg/session"
)

func note(t *testing.T, i int) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewNotification(protocol.NotificationMessage, map[string]int{"seq": i})
	require.NoError(t, err)
	return msg
}

func seq(t *testing.T, msg *protocol.Message) int {
	t.Helper()
	var p struct {
		Seq int `json:"seq"`
	}
	require.NoError(t, json.Unmarshal(msg.Params, &p))
	return p.Seq
}

func TestSubscription_PreservesOrder(t *testing.T) {
	m := session.NewManager()
	s, err := m.Create(context.Background())
	require.NoError(t, err)

	sub, err := s.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	msgs := make([]*protocol.Message, 100)
	for i := range msgs {
		msgs[i] = note(t, i)
	}
	go func() {
		for _, msg := range msgs {
			s.Publish(msg)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 100; i++ {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, seq(t, msg))
	}
}

func TestSubscription_BacklogDeliveredToFirstSubscriber(t *testing.T) {
	m := session.NewManager()
	s, err := m.Create(context.Background())
	require.NoError(t, err)

	s.Publish(note(t, 1))
	s.Publish(note(t, 2))

	sub, err := s.Subscribe()
	require.NoError(t, err)

	ctx := context.Background()
	first, err := sub.Next(ctx)
	require.NoError(t, err)
	second, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, seq(t, first))
	assert.Equal(t, 2, seq(t, second))
}

func TestSubscription_BoundedDropsOldest(t *testing.T) {
	m := session.NewManager(session.WithEventBacklog(3))
	s, err := m.Create(context.Background())
	require.NoError(t, err)

	sub, err := s.Subscribe()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		s.Publish(note(t, i))
	}
	assert.Equal(t, 2, sub.Dropped())

	msg, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, seq(t, msg))
}

func TestSubscription_CloseOnlyAffectsItself(t *testing.T) {
	ctx := context.Background()
	m := session.NewManager()
	s, err := m.Create(ctx)
	require.NoError(t, err)

	a, err := s.Subscribe()
	require.NoError(t, err)
	b, err := s.Subscribe()
	require.NoError(t, err)

	a.Close()
	_, err = a.Next(ctx)
	assert.ErrorIs(t, err, session.ErrSubscriptionClosed)

	s.Publish(note(t, 7))
	msg, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, seq(t, msg))
	assert.Equal(t, 1, s.Subscribers())

	_, err = m.Get(ctx, s.ID())
	assert.NoError(t, err)
}

func TestSubscription_EndsWhenSessionCloses(t *testing.T) {
	ctx := context.Background()
	m := session.NewManager()
	s, err := m.Create(ctx)
	require.NoError(t, err)

	sub, err := s.Subscribe()
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx, s.ID()))
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed with session")
	}
	assert.False(t, s.Publish(note(t, 1)))

	_, err = s.Subscribe()
	assert.ErrorIs(t, err, session.ErrSubscriptionClosed)
}

func TestSession_InFlightCounter(t *testing.T) {
	m := session.NewManager()
	s, err := m.Create(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			s.StartRequest()
			defer s.EndRequest()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.Eventually(t, func() bool { return s.InFlight() == 0 }, time.Second, time.Millisecond)
}

func TestState_String(t *testing.T) {
	for state, want := range map[session.State]string{
		session.StatePending: "pending",
		session.StateActive:  "active",
		session.StateClosed:  "closed",
		session.State(9):     "unknown",
	} {
		assert.Equal(t, want, state.String(), fmt.Sprint(int(state)))
	}
}
