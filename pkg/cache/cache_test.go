package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	defer func() { _ = m.Close() }()
	ctx := t.Context()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, m.Delete(ctx, "k"))
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	defer func() { _ = m.Close() }()
	now := time.Now()
	m.clock = func() time.Time { return now }
	ctx := t.Context()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	_, err := m.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryValueIsolation(t *testing.T) {
	m := NewMemory()
	defer func() { _ = m.Close() }()
	ctx := t.Context()

	value := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", value, 0))
	value[0] = 'x'

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
	got[0] = 'y'

	again, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestNewDispatch(t *testing.T) {
	c, err := New("mem://")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, c)
	_ = c.Close()

	c, err = New("")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, c)
	_ = c.Close()

	c, err = New("redis://localhost:6379/0")
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, c)
	_ = c.Close()

	_, err = New("bolt://nope")
	assert.Error(t, err)
}
