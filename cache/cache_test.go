package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, time.Hour), mr
}

func TestRedisRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)

	_, ok := c.Get(ctx, "@bob@remote.example")
	assert.False(t, ok)

	c.Set(ctx, "@Bob@Remote.Example", "https://remote.example/users/bob")
	iri, ok := c.Get(ctx, "bob@remote.example")
	require.True(t, ok, "keys are case and prefix insensitive")
	assert.Equal(t, "https://remote.example/users/bob", iri)

	assert.Equal(t, time.Hour, mr.TTL("webfinger:bob@remote.example"))

	mr.FastForward(2 * time.Hour)
	_, ok = c.Get(ctx, "@bob@remote.example")
	assert.False(t, ok)
}

func TestRedisUnavailable(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)
	mr.Close()

	c.Set(ctx, "@bob@remote.example", "x")
	_, ok := c.Get(ctx, "@bob@remote.example")
	assert.False(t, ok)
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	client, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	client.Close()

	mr.Close()
	_, err = Dial(context.Background(), addr)
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	var c HandleCache = Nop{}
	c.Set(context.Background(), "@bob@remote.example", "x")
	_, ok := c.Get(context.Background(), "@bob@remote.example")
	assert.False(t, ok)
}
