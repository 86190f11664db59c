package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"composer_back/authorization"
	"composer_back/cache"
	"composer_back/gateway"
	"composer_back/persistence"
	"composer_back/storage"
	"composer_back/transport"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

// openTransport 按 SYNC_TRANSPORT 选择房间传输层，默认使用进程内实现。
func openTransport() (transport.Transport, error) {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("SYNC_TRANSPORT")))
	switch mode {
	case "", "memory":
		return transport.NewHub(), nil
	case "redis":
		client, err := cache.Client()
		if err != nil {
			return nil, err
		}
		return transport.NewRedis(client, transport.RedisConfigFromEnv()), nil
	default:
		return nil, errors.New("SYNC_TRANSPORT must be memory or redis")
	}
}

// openStore 在配置了 DATABASE_DSN 时启用快照与补丁日志。
func openStore() (*persistence.Store, error) {
	if strings.TrimSpace(os.Getenv("DATABASE_DSN")) == "" {
		log.Printf("persistence disabled: DATABASE_DSN not set")
		return nil, nil
	}
	db, err := persistence.OpenFromEnv()
	if err != nil {
		return nil, err
	}
	store := persistence.NewStore(db)
	if err := store.AutoMigrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization")
	cfg.AllowCredentials = true
	origins := gateway.SplitList(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func main() {
	mustLoadEnv()

	tr, err := openTransport()
	if err != nil {
		log.Fatalf("open transport: %v", err)
	}
	store, err := openStore()
	if err != nil {
		log.Fatalf("open persistence: %v", err)
	}
	assets, err := storage.NewAssetStoreFromEnv()
	if err != nil {
		log.Fatalf("open asset storage: %v", err)
	}
	guard, err := authorization.NewGuardFromEnv()
	if err != nil {
		log.Fatalf("init auth guard: %v", err)
	}
	if guard == nil {
		log.Printf("authentication disabled: JWT_SECRET not set")
	}

	gw, err := gateway.New(gateway.ConfigFromEnv(), gateway.Deps{
		Transport: tr,
		Store:     store,
		Assets:    assets,
		Guard:     guard,
	})
	if err != nil {
		log.Fatalf("init gateway: %v", err)
	}

	r := gin.Default()
	r.Use(cors.New(corsConfig()))
	gw.Register(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{Addr: ":" + port, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("start server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown server: %v", err)
	}
	gw.Close(ctx)
	if err := tr.Close(); err != nil {
		log.Printf("close transport: %v", err)
	}
	if err := cache.Close(); err != nil {
		log.Printf("close redis: %v", err)
	}
}
