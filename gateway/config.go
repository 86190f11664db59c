package gateway

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"composer_back/patch"
)

const (
	defaultAutosaveInterval = 5 * time.Second
	defaultReadLimit        = 4 << 20
	defaultSendBuffer       = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Config 控制房间副本与 WebSocket 连接的行为。
type Config struct {
	AutosaveInterval time.Duration
	TransformRate    float64
	PresenceRefresh  time.Duration
	RequiredRoles    []string
	AllowedOrigins   []string
	ReadLimit        int64
	SendBuffer       int
}

// ConfigFromEnv 从环境变量读取网关配置，未设置的项使用默认值。
func ConfigFromEnv() Config {
	cfg := Config{
		AutosaveInterval: parseDuration("AUTOSAVE_INTERVAL", defaultAutosaveInterval),
		TransformRate:    patch.DefaultTransformRate,
		PresenceRefresh:  parseDuration("PRESENCE_TTL", 30*time.Second) / 3,
		ReadLimit:        defaultReadLimit,
		SendBuffer:       defaultSendBuffer,
	}
	if raw := strings.TrimSpace(os.Getenv("TRANSFORM_RATE")); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			cfg.TransformRate = parsed
		} else {
			log.Printf("gateway: invalid TRANSFORM_RATE %q, using %v", raw, cfg.TransformRate)
		}
	}
	if raw := strings.TrimSpace(os.Getenv("WS_READ_LIMIT")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			cfg.ReadLimit = parsed
		}
	}
	cfg.RequiredRoles = SplitList(os.Getenv("ROOM_REQUIRED_ROLES"))
	cfg.AllowedOrigins = SplitList(os.Getenv("CORS_ALLOWED_ORIGINS"))
	return cfg
}

func (c Config) withDefaults() Config {
	if c.AutosaveInterval <= 0 {
		c.AutosaveInterval = defaultAutosaveInterval
	}
	if c.TransformRate <= 0 {
		c.TransformRate = patch.DefaultTransformRate
	}
	if c.PresenceRefresh <= 0 {
		c.PresenceRefresh = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	return c
}

// parseDuration 接受 Go 时长写法或整数秒。
func parseDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
		return parsed
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	log.Printf("gateway: invalid %s %q, using %s", key, raw, def)
	return def
}

// SplitList 拆分逗号分隔的配置项并去掉空白。
func SplitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
