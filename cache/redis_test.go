package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("REDIS_PASSWORD", "")
	t.Setenv("REDIS_DB", "")
	t.Setenv("REDIS_POOL_SIZE", "")
	opts := OptionsFromEnv()
	assert.Equal(t, defaultAddr, opts.Addr)
	assert.Equal(t, 0, opts.DB)
	assert.Equal(t, 0, opts.PoolSize)

	t.Setenv("REDIS_ADDR", " redis:6380 ")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_POOL_SIZE", "20")
	opts = OptionsFromEnv()
	assert.Equal(t, "redis:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, 20, opts.PoolSize)

	t.Setenv("REDIS_DB", "-1")
	t.Setenv("REDIS_POOL_SIZE", "many")
	opts = OptionsFromEnv()
	assert.Equal(t, 0, opts.DB)
	assert.Equal(t, 0, opts.PoolSize)
}

func TestConnectUnreachable(t *testing.T) {
	opts := OptionsFromEnv()
	opts.Addr = "127.0.0.1:1"
	client, err := connect(opts)
	assert.Error(t, err)
	assert.Nil(t, client)
}
