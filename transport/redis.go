package transport

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix   = "composer"
	defaultPresenceTTL = 30 * time.Second
	redisOpTimeout     = 2 * time.Second
)

// RedisConfig 描述 Redis 传输层的键前缀与在线状态过期时间。
type RedisConfig struct {
	Prefix      string
	PresenceTTL time.Duration
	Origin      string
}

// RedisConfigFromEnv 从环境变量读取 Redis 传输配置，缺省值见常量定义。
func RedisConfigFromEnv() RedisConfig {
	cfg := RedisConfig{Prefix: defaultKeyPrefix, PresenceTTL: defaultPresenceTTL}
	if prefix := strings.TrimSpace(os.Getenv("REDIS_KEY_PREFIX")); prefix != "" {
		cfg.Prefix = prefix
	}
	if raw := strings.TrimSpace(os.Getenv("PRESENCE_TTL")); raw != "" {
		if ttl, err := time.ParseDuration(raw); err == nil && ttl > 0 {
			cfg.PresenceTTL = ttl
		} else if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			cfg.PresenceTTL = time.Duration(secs) * time.Second
		} else {
			log.Printf("transport: invalid PRESENCE_TTL %q, using %s", raw, defaultPresenceTTL)
		}
	}
	return cfg
}

// Redis 基于 PUBLISH/SUBSCRIBE 实现房间广播，在线成员保存在哈希表中，
// 并通过心跳有序集合回收超时成员。
type Redis struct {
	client *redis.Client
	cfg    RedisConfig

	mu     sync.Mutex
	closed bool
	subs   map[*redis.PubSub]context.CancelFunc
}

// NewRedis 使用已建立的客户端创建传输层。
func NewRedis(client *redis.Client, cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultKeyPrefix
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = defaultPresenceTTL
	}
	if cfg.Origin == "" {
		cfg.Origin = uuid.NewString()
	}
	return &Redis{client: client, cfg: cfg, subs: make(map[*redis.PubSub]context.CancelFunc)}
}

func (r *Redis) streamChannel(room Room) string {
	return fmt.Sprintf("%s:room:%s:patches", r.cfg.Prefix, room.Key())
}

func (r *Redis) presenceChannel(room Room) string {
	return fmt.Sprintf("%s:room:%s:presence", r.cfg.Prefix, room.Key())
}

func (r *Redis) membersKey(room Room) string {
	return fmt.Sprintf("%s:room:%s:members", r.cfg.Prefix, room.Key())
}

func (r *Redis) heartbeatKey(room Room) string {
	return fmt.Sprintf("%s:room:%s:heartbeat", r.cfg.Prefix, room.Key())
}

// opContext 为单次 Redis 调用设置超时上下文。
func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), redisOpTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= redisOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, redisOpTimeout)
}

func (r *Redis) publish(ctx context.Context, channel string, kind envelopeKind, body []byte) error {
	payload, err := encodeEnvelope(envelope{
		Origin: r.cfg.Origin,
		Kind:   kind,
		Body:   body,
		SentAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("transport: publish %s: %w", channel, err)
	}
	return nil
}

// Publish 向房间的补丁频道广播一条消息。
func (r *Redis) Publish(ctx context.Context, room Room, data []byte) error {
	if r.isClosed() {
		return ErrClosed
	}
	return r.publish(ctx, r.streamChannel(room), kindStream, data)
}

// Subscribe 订阅房间的补丁频道，消息在后台协程中回调 h。
func (r *Redis) Subscribe(ctx context.Context, room Room, h Handler) (func(), error) {
	if err := room.Validate(); err != nil {
		return nil, err
	}
	return r.listen(ctx, r.streamChannel(room), func(env envelope) {
		if env.Kind == kindStream {
			h(env.Body)
		}
	}, nil)
}

// Track 写入成员状态并刷新心跳，然后通知房间重新同步。
func (r *Redis) Track(ctx context.Context, room Room, memberID string, state []byte) error {
	if r.isClosed() {
		return ErrClosed
	}
	opCtx, cancel := opContext(ctx)
	defer cancel()

	now := time.Now()
	pipe := r.client.TxPipeline()
	pipe.HSet(opCtx, r.membersKey(room), memberID, state)
	pipe.ZAdd(opCtx, r.heartbeatKey(room), redis.Z{Score: float64(now.UnixMilli()), Member: memberID})
	pipe.Expire(opCtx, r.membersKey(room), 2*r.cfg.PresenceTTL)
	pipe.Expire(opCtx, r.heartbeatKey(room), 2*r.cfg.PresenceTTL)
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("transport: track %s in %s: %w", memberID, room, err)
	}
	return r.publish(ctx, r.presenceChannel(room), kindPresence, nil)
}

// Untrack 删除成员并通知房间。
func (r *Redis) Untrack(ctx context.Context, room Room, memberID string) error {
	opCtx, cancel := opContext(ctx)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.HDel(opCtx, r.membersKey(room), memberID)
	pipe.ZRem(opCtx, r.heartbeatKey(room), memberID)
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("transport: untrack %s in %s: %w", memberID, room, err)
	}
	if r.isClosed() {
		return nil
	}
	return r.publish(ctx, r.presenceChannel(room), kindPresence, nil)
}

// SubscribePresence 订阅成员变化；每次变化及每半个 TTL 都会回收过期成员并推送完整快照。
func (r *Redis) SubscribePresence(ctx context.Context, room Room, h PresenceHandler) (func(), error) {
	if err := room.Validate(); err != nil {
		return nil, err
	}
	resync := func(ctx context.Context) {
		members, err := r.members(ctx, room)
		if err != nil {
			log.Printf("transport: presence resync for %s failed: %v", room, err)
			return
		}
		h(members)
	}
	return r.listen(ctx, r.presenceChannel(room), func(envelope) {
		resync(context.Background())
	}, resync)
}

// members 清理心跳过期的成员后读取完整成员表。
func (r *Redis) members(ctx context.Context, room Room) (map[string][]byte, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	cutoff := time.Now().Add(-r.cfg.PresenceTTL).UnixMilli()
	stale, err := r.client.ZRangeByScore(ctx, r.heartbeatKey(room), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("transport: read heartbeats: %w", err)
	}
	if len(stale) > 0 {
		members := make([]any, len(stale))
		for i, id := range stale {
			members[i] = id
		}
		pipe := r.client.TxPipeline()
		pipe.HDel(ctx, r.membersKey(room), stale...)
		pipe.ZRem(ctx, r.heartbeatKey(room), members...)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("transport: expire members: %w", err)
		}
	}

	raw, err := r.client.HGetAll(ctx, r.membersKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("transport: read members: %w", err)
	}
	out := make(map[string][]byte, len(raw))
	for id, state := range raw {
		out[id] = []byte(state)
	}
	return out, nil
}

// listen 建立订阅并在后台分发消息；periodic 非空时会立即执行一次并按半个 TTL 周期重复。
func (r *Redis) listen(ctx context.Context, channel string, onMessage func(envelope), periodic func(context.Context)) (func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	subCtx, cancel := context.WithCancel(context.Background())
	ps := r.client.Subscribe(subCtx, channel)

	recvCtx, recvCancel := opContext(ctx)
	_, err := ps.Receive(recvCtx)
	recvCancel()
	if err != nil {
		cancel()
		_ = ps.Close()
		return nil, fmt.Errorf("transport: subscribe %s: %w", channel, err)
	}

	r.mu.Lock()
	r.subs[ps] = cancel
	r.mu.Unlock()

	if periodic != nil {
		periodic(subCtx)
	}

	go func() {
		var tick <-chan time.Time
		if periodic != nil {
			ticker := time.NewTicker(r.cfg.PresenceTTL / 2)
			defer ticker.Stop()
			tick = ticker.C
		}
		messages := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-tick:
				periodic(subCtx)
			case msg, ok := <-messages:
				if !ok {
					return
				}
				env, err := decodeEnvelope([]byte(msg.Payload))
				if err != nil {
					log.Printf("transport: drop message on %s: %v", channel, err)
					continue
				}
				onMessage(env)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ps)
			r.mu.Unlock()
			cancel()
			_ = ps.Close()
		})
	}, nil
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close 关闭所有订阅。客户端本身由 cache 包管理，不在此关闭。
func (r *Redis) Close() error {
	r.mu.Lock()
	r.closed = true
	subs := r.subs
	r.subs = make(map[*redis.PubSub]context.CancelFunc)
	r.mu.Unlock()

	for ps, cancel := range subs {
		cancel()
		_ = ps.Close()
	}
	return nil
}
