package cache

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultAddr = "localhost:6379"

var (
	redisOnce   sync.Once
	redisClient *redis.Client
	redisErr    error
)

// OptionsFromEnv 读取 REDIS_ADDR、REDIS_PASSWORD、REDIS_DB 与 REDIS_POOL_SIZE。
func OptionsFromEnv() *redis.Options {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		addr = defaultAddr
	}
	opts := &redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	}
	if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			opts.DB = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("REDIS_POOL_SIZE")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.PoolSize = parsed
		}
	}
	return opts
}

// Client 返回进程内共享的 Redis 客户端，首次调用时连接并 PING。
// 房间补丁与在线状态的 Redis 传输层共用这一个连接池。
func Client() (*redis.Client, error) {
	redisOnce.Do(func() {
		redisClient, redisErr = connect(OptionsFromEnv())
	})
	return redisClient, redisErr
}

func connect(opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping redis %s failed: %w", opts.Addr, err)
	}
	return client, nil
}

// Enabled 报告 Redis 是否可用。
func Enabled() bool {
	client, err := Client()
	return err == nil && client != nil
}

// Close 在进程退出时释放共享连接。
func Close() error {
	if redisClient == nil {
		return nil
	}
	return redisClient.Close()
}
