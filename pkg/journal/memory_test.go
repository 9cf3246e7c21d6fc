package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(eventType string) Event {
	return Event{Type: eventType, Payload: []byte(`{}`)}
}

func TestMemoryAppendAssignsContiguousSequences(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	v, err := s.Append(ctx, "source:s1", 0, []Event{event("a"), event("b")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	v, err = s.Append(ctx, "source:s1", 2, []Event{event("c")})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)

	events, err := s.Read(ctx, "source:s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Sequence)
		assert.Equal(t, "source:s1", e.StreamID)
		assert.False(t, e.OccurredAt.IsZero())
	}
}

func TestMemoryAppendConcurrencyConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, "source:s1", 0, []Event{event("a")})
	require.NoError(t, err)

	_, err = s.Append(ctx, "source:s1", 0, []Event{event("b")})
	assert.ErrorIs(t, err, ErrConcurrency)

	// Stale-future version is also a conflict.
	_, err = s.Append(ctx, "source:s1", 5, []Event{event("b")})
	assert.ErrorIs(t, err, ErrConcurrency)
}

func TestMemoryReadMissingStreamIsEmpty(t *testing.T) {
	s := NewMemoryStore()
	events, err := s.Read(context.Background(), "source:nope", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryReadFromOffset(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.Append(ctx, "group:g1", 0, []Event{event("a"), event("b"), event("c")})
	require.NoError(t, err)

	events, err := s.Read(ctx, "group:g1", 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(3), events[0].Sequence)
}

func TestMemoryGlobalOrderInterleavesStreams(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _ = s.Append(ctx, "a", 0, []Event{event("a1")})
	_, _ = s.Append(ctx, "b", 0, []Event{event("b1")})
	_, _ = s.Append(ctx, "a", 1, []Event{event("a2")})

	envs, err := s.ReadGlobal(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, envs, 3)
	assert.Equal(t, []string{"a1", "b1", "a2"}, []string{envs[0].Type, envs[1].Type, envs[2].Type})
	for i, env := range envs {
		assert.Equal(t, uint64(i+1), env.Checkpoint)
	}
}

func TestMemorySubscribeReplaysThenStreams(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	_, _ = s.Append(ctx, "a", 0, []Event{event("a1"), event("a2")})

	ch, cancel := s.Subscribe(ctx, 1)
	defer cancel()

	env := <-ch
	assert.Equal(t, "a2", env.Type)
	assert.Equal(t, uint64(2), env.Checkpoint)

	_, _ = s.Append(ctx, "a", 2, []Event{event("a3")})
	env = <-ch
	assert.Equal(t, "a3", env.Type)
	assert.Equal(t, uint64(3), env.Checkpoint)
}

func TestMemorySubscribeCancelClosesChannel(t *testing.T) {
	s := NewMemoryStore()
	ch, cancel := s.Subscribe(context.Background(), 0)
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
