package redisclient

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("s3cret")

	rdb, err := NewRedisClient(context.Background(), "redis://:s3cret@"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer rdb.Close()
	assert.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())

	_, err = NewRedisClient(context.Background(), "redis://:wrong@"+mr.Addr()+"/0")
	assert.Error(t, err)

	_, err = NewRedisClient(context.Background(), "http://nope")
	assert.Error(t, err)
}

func TestAsynqClientOpt(t *testing.T) {
	opt, err := AsynqClientOpt("redis://worker:pw@cache.internal:6380/2")
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opt.Addr)
	assert.Equal(t, "worker", opt.Username)
	assert.Equal(t, "pw", opt.Password)
	assert.Equal(t, 2, opt.DB)
	assert.Nil(t, opt.TLSConfig)

	opt, err = AsynqClientOpt("rediss://cache.internal:6380")
	require.NoError(t, err)
	assert.NotNil(t, opt.TLSConfig)
}
