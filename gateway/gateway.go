package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"composer_back/authorization"
	"composer_back/persistence"
	"composer_back/presence"
	"composer_back/storage"
	"composer_back/transport"
)

var ErrClosed = errors.New("gateway: closed")

// Deps 是网关依赖的外部组件，Store、Assets 与 Guard 可以为空。
type Deps struct {
	Transport transport.Transport
	Store     *persistence.Store
	Assets    *storage.AssetStore
	Guard     *authorization.Guard
}

type roomEntry struct {
	room  *room
	refs  int
	ready chan struct{}
	err   error
}

// Gateway 把浏览器连接接入房间，并为每个活跃房间维护一个服务端副本。
type Gateway struct {
	cfg      Config
	deps     Deps
	upgrader websocket.Upgrader

	mu     sync.Mutex
	rooms  map[string]*roomEntry
	closed bool
}

// New 创建网关。
func New(cfg Config, deps Deps) (*Gateway, error) {
	if deps.Transport == nil {
		return nil, errors.New("gateway: transport is required")
	}
	cfg = cfg.withDefaults()
	g := &Gateway{
		cfg:   cfg,
		deps:  deps,
		rooms: make(map[string]*roomEntry),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g, nil
}

// Register 挂载房间与素材路由。
func (g *Gateway) Register(router gin.IRouter) {
	protected := []gin.HandlerFunc{}
	if g.deps.Guard != nil {
		protected = append(protected, g.deps.Guard.RequireAuthenticated())
		if len(g.cfg.RequiredRoles) > 0 {
			protected = append(protected, g.deps.Guard.RequireAnyRole(g.cfg.RequiredRoles...))
		}
	}

	rooms := router.Group("/rooms/:project/:page", protected...)
	rooms.GET("/ws", g.handleJoin)
	rooms.GET("/snapshot", g.handleSnapshot)
	rooms.GET("/patches", g.handlePatches)

	assets := router.Group("/assets", protected...)
	assets.GET("/:id/url", g.handleAssetURL)
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// acquire 返回房间副本并增加引用计数，首次进入时恢复并订阅房间。
func (g *Gateway) acquire(ctx context.Context, key transport.Room) (*room, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	if entry, ok := g.rooms[key.Key()]; ok {
		entry.refs++
		g.mu.Unlock()
		<-entry.ready
		if entry.err != nil {
			return nil, entry.err
		}
		return entry.room, nil
	}
	entry := &roomEntry{refs: 1, ready: make(chan struct{})}
	g.rooms[key.Key()] = entry
	g.mu.Unlock()

	r, err := newRoom(key, g.cfg, g.deps.Transport, g.deps.Store)
	if err == nil {
		err = r.open(ctx)
	}
	entry.room, entry.err = r, err
	close(entry.ready)
	if err != nil {
		g.mu.Lock()
		delete(g.rooms, key.Key())
		g.mu.Unlock()
		return nil, err
	}
	return r, nil
}

// release 减少引用计数，最后一个连接离开时保存并关闭副本。
func (g *Gateway) release(key transport.Room) {
	g.mu.Lock()
	entry, ok := g.rooms[key.Key()]
	if !ok || entry.room == nil {
		g.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		g.mu.Unlock()
		return
	}
	delete(g.rooms, key.Key())
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	entry.room.close(ctx)
}

// lookup 返回已就绪的活跃房间。
func (g *Gateway) lookup(key transport.Room) *room {
	g.mu.Lock()
	entry, ok := g.rooms[key.Key()]
	g.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-entry.ready:
		if entry.err != nil {
			return nil
		}
		return entry.room
	default:
		return nil
	}
}

// Rooms 返回活跃房间数。
func (g *Gateway) Rooms() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Close 保存并关闭全部房间。
func (g *Gateway) Close(ctx context.Context) {
	g.mu.Lock()
	g.closed = true
	entries := make([]*roomEntry, 0, len(g.rooms))
	for key, entry := range g.rooms {
		entries = append(entries, entry)
		delete(g.rooms, key)
	}
	g.mu.Unlock()

	for _, entry := range entries {
		<-entry.ready
		if entry.err == nil && entry.room != nil {
			entry.room.close(ctx)
		}
	}
}

func roomFromParams(c *gin.Context) (transport.Room, bool) {
	key := transport.Room{
		ProjectID: strings.TrimSpace(c.Param("project")),
		PageID:    strings.TrimSpace(c.Param("page")),
	}
	if err := key.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return transport.Room{}, false
	}
	return key, true
}

// resolveIdentity 优先使用令牌中的身份，未启用鉴权时读取查询参数。
func (g *Gateway) resolveIdentity(c *gin.Context, connID string) identity {
	if who, ok := authorization.IdentityFrom(c); ok {
		username := who.Username
		if username == "" {
			username = who.UserID
		}
		return identity{UserID: who.UserID, Username: username}
	}
	who := identity{
		UserID:   strings.TrimSpace(c.Query("user_id")),
		Username: strings.TrimSpace(c.Query("username")),
	}
	if who.UserID == "" {
		who.UserID = "guest-" + connID[:8]
	}
	if who.Username == "" {
		who.Username = who.UserID
	}
	return who
}

// handleJoin godoc
// @Summary 加入协作房间
// @Description 升级为 WebSocket 连接，推送房间快照、补丁流与在线成员
// @Tags Rooms
// @Param project path string true "项目 ID"
// @Param page path string true "页面 ID"
// @Param token query string false "JWT 令牌"
// @Success 101 {string} string "Switching Protocols"
// @Failure 400 {object} map[string]string "请求参数错误"
// @Failure 401 {object} map[string]string "未授权"
// @Failure 503 {object} map[string]string "房间不可用"
// @Router /rooms/{project}/{page}/ws [get]
// handleJoin 处理房间连接的完整生命周期。
func (g *Gateway) handleJoin(c *gin.Context) {
	key, ok := roomFromParams(c)
	if !ok {
		return
	}
	connID := uuid.NewString()
	who := g.resolveIdentity(c, connID)

	ctx := c.Request.Context()
	r, err := g.acquire(ctx, key)
	if err != nil {
		log.Printf("gateway: open room %s failed: %v", key, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room unavailable"})
		return
	}
	defer g.release(key)

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("gateway: upgrade failed: %v", err)
		return
	}

	cl := newClient(connID, r, conn, who, g.cfg)
	st, err := r.join(ctx, cl)
	if err != nil {
		log.Printf("gateway: join %s failed: %v", key, err)
		_ = conn.Close()
		return
	}
	defer r.leave(cl)

	cl.enqueueFrame(outboundFrame{
		Type:          frameTypeWelcome,
		MemberID:      connID,
		UserID:        who.UserID,
		TransformRate: g.cfg.TransformRate,
	})
	cl.enqueueFrame(outboundFrame{
		Type:       frameTypeSnapshot,
		Scene:      st.Scene,
		Clips:      st.Clips,
		Animations: st.Animations,
		LastPatch:  st.LastPatch,
	})
	cl.enqueueFrame(r.presenceFrame())

	if err := cl.presence.Track(ctx, presence.State{UserID: who.UserID, Username: who.Username}); err != nil {
		log.Printf("gateway: track %s in %s failed: %v", connID, key, err)
	}
	if err := cl.serve(ctx); err != nil {
		log.Printf("gateway: connection %s closed: %v", connID, err)
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cl.presence.Leave(leaveCtx); err != nil {
		log.Printf("gateway: untrack %s failed: %v", connID, err)
	}
}

// handleSnapshot godoc
// @Summary 获取房间快照
// @Description 活跃房间返回副本的实时状态，否则返回最近一次保存的快照
// @Tags Rooms
// @Produce json
// @Param project path string true "项目 ID"
// @Param page path string true "页面 ID"
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /rooms/{project}/{page}/snapshot [get]
func (g *Gateway) handleSnapshot(c *gin.Context) {
	key, ok := roomFromParams(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if r := g.lookup(key); r != nil {
		st, _, err := r.state(ctx, false)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"snapshot": persistence.Snapshot{
				Room:       key,
				Scene:      st.Scene,
				Clips:      st.Clips,
				Animations: st.Animations,
				LastPatch:  st.LastPatch,
				UpdatedAt:  time.Now().UTC(),
			}, "live": true})
			return
		}
		log.Printf("gateway: live snapshot %s failed: %v", key, err)
	}

	if g.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence not configured"})
		return
	}
	snap, err := g.deps.Store.LoadSnapshot(ctx, key)
	if errors.Is(err, persistence.ErrSnapshotNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		return
	}
	if err != nil {
		log.Printf("gateway: load snapshot %s failed: %v", key, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load snapshot"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap, "live": false})
}

// handlePatches godoc
// @Summary 读取补丁日志
// @Description 返回 after 之后的补丁，after 为空时从头读取
// @Tags Rooms
// @Produce json
// @Param project path string true "项目 ID"
// @Param page path string true "页面 ID"
// @Param after query string false "起始补丁 ID（不含）"
// @Param limit query int false "条数上限，默认 500"
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /rooms/{project}/{page}/patches [get]
func (g *Gateway) handlePatches(c *gin.Context) {
	key, ok := roomFromParams(c)
	if !ok {
		return
	}
	if g.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence not configured"})
		return
	}

	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	patches, err := g.deps.Store.PatchesAfter(c.Request.Context(), key, strings.TrimSpace(c.Query("after")), limit)
	if errors.Is(err, persistence.ErrPatchNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "patch not found"})
		return
	}
	if err != nil {
		log.Printf("gateway: list patches %s failed: %v", key, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list patches"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"patches": patches})
}

// handleAssetURL godoc
// @Summary 获取素材播放地址
// @Description 将剪辑引用的素材 ID 解析为临时签名 URL
// @Tags Assets
// @Produce json
// @Param id path string true "素材 ID"
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /assets/{id}/url [get]
func (g *Gateway) handleAssetURL(c *gin.Context) {
	url, err := g.deps.Assets.ResolveURL(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"url": url})
	case errors.Is(err, storage.ErrInvalidAsset):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrAssetNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "asset not found"})
	case errors.Is(err, storage.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "asset storage not configured"})
	default:
		log.Printf("gateway: resolve asset %s failed: %v", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to resolve asset %s", c.Param("id"))})
	}
}
