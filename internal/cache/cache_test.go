package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, cfg *Config) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Addr = mr.Addr()
	r, err := NewRedis(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestRedis_GetSet(t *testing.T) {
	t.Parallel()
	r, mr := newTestRedis(t, &Config{KeyPrefix: "test:"})
	ctx := context.Background()

	_, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Set(ctx, "k", []byte("v"), time.Minute))
	got, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	assert.True(t, mr.Exists("test:k"), "key must carry the prefix")
	assert.Equal(t, time.Minute, mr.TTL("test:k"))
}

func TestRedis_TTLExpiry(t *testing.T) {
	t.Parallel()
	r, mr := newTestRedis(t, &Config{TTL: 10 * time.Second})
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", []byte("v"), 0))
	assert.Equal(t, 10*time.Second, mr.TTL("ragpipe:query:k"))

	mr.FastForward(11 * time.Second)
	_, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_Clear(t *testing.T) {
	t.Parallel()
	r, mr := newTestRedis(t, nil)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, r.Set(ctx, k, []byte(k), 0))
	}
	require.NoError(t, mr.Set("unrelated", "x"))

	n, err := r.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, mr.Exists("unrelated"))
}

func TestRedis_ErrorsWhenDown(t *testing.T) {
	t.Parallel()
	r, mr := newTestRedis(t, nil)
	ctx := context.Background()

	require.NoError(t, r.Ping(ctx))
	mr.Close()

	assert.Error(t, r.Ping(ctx))
	_, _, err := r.Get(ctx, "k")
	assert.Error(t, err)
}

func TestNewRedis_RequiresAddr(t *testing.T) {
	t.Parallel()
	_, err := NewRedis(&Config{})
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	t.Parallel()
	var c Noop
	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), time.Hour))
	_, ok, err := c.Get(context.Background(), "k")
	assert.NoError(t, err)
	assert.False(t, ok)
}
