package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"composer_back/animation"
	"composer_back/patch"
	"composer_back/presence"
	"composer_back/timeline"
)

const (
	frameTypeWelcome  = "welcome"
	frameTypeSnapshot = "snapshot"
	frameTypePatch    = "patch"
	frameTypePresence = "presence"
	frameTypeError    = "error"
)

// inboundFrame 是客户端发来的消息。
type inboundFrame struct {
	Type  string          `json:"type"`
	Patch json.RawMessage `json:"patch,omitempty"`
	State *presenceUpdate `json:"state,omitempty"`
}

type presenceUpdate struct {
	Cursor *presence.Cursor `json:"cursor"`
	Tool   string           `json:"tool"`
}

// outboundFrame 是服务端推送的消息，字段按 type 取用。
type outboundFrame struct {
	Type          string             `json:"type"`
	MemberID      string             `json:"member_id,omitempty"`
	UserID        string             `json:"user_id,omitempty"`
	TransformRate float64            `json:"transform_rate,omitempty"`
	Patch         json.RawMessage    `json:"patch,omitempty"`
	Members       []presence.State   `json:"members,omitempty"`
	Scene         json.RawMessage    `json:"scene,omitempty"`
	Clips         []timeline.Clip    `json:"clips,omitempty"`
	Animations    []animation.Record `json:"animations,omitempty"`
	LastPatch     string             `json:"last_patch,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// client 是一条 WebSocket 连接。读写各占一个 goroutine，写入只经过 send。
type client struct {
	id       string
	room     *room
	conn     *websocket.Conn
	identity identity
	presence *presence.Layer
	cfg      Config

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

type identity struct {
	UserID   string
	Username string
}

func newClient(id string, r *room, conn *websocket.Conn, who identity, cfg Config) *client {
	return &client{
		id:       id,
		room:     r,
		conn:     conn,
		identity: who,
		presence: presence.NewLayer(r.key, r.tr, id),
		cfg:      cfg,
		send:     make(chan []byte, cfg.SendBuffer),
		closed:   make(chan struct{}),
	}
}

// enqueue 非阻塞地排队一帧，缓冲区满时断开这条慢连接。
func (c *client) enqueue(msg []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		log.Printf("gateway: drop slow client %s in %s", c.id, c.room.key)
		c.shutdown()
	}
}

func (c *client) enqueueFrame(f outboundFrame) {
	msg, err := json.Marshal(f)
	if err != nil {
		log.Printf("gateway: encode %s frame failed: %v", f.Type, err)
		return
	}
	c.enqueue(msg)
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// serve 运行读写循环直到任一方结束。
func (c *client) serve(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer c.shutdown()
		return c.readPump(gctx)
	})
	group.Go(func() error {
		defer c.shutdown()
		return c.writePump(gctx)
	})
	err := group.Wait()
	_ = c.conn.Close()
	return err
}

func (c *client) readPump(ctx context.Context) error {
	c.conn.SetReadLimit(c.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return fmt.Errorf("gateway: read from %s failed: %w", c.id, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			c.enqueueFrame(outboundFrame{Type: frameTypeError, Error: "invalid frame"})
			continue
		}
		switch in.Type {
		case frameTypePatch:
			c.handlePatch(ctx, in.Patch)
		case frameTypePresence:
			c.handlePresence(ctx, in.State)
		default:
			c.enqueueFrame(outboundFrame{Type: frameTypeError, Error: fmt.Sprintf("unknown frame type %q", in.Type)})
		}
	}
}

// handlePatch 以路由与身份覆盖补丁的房间和作者字段后提交。
func (c *client) handlePatch(ctx context.Context, raw json.RawMessage) {
	var pt patch.Patch
	if len(raw) == 0 || json.Unmarshal(raw, &pt) != nil {
		c.enqueueFrame(outboundFrame{Type: frameTypeError, Error: "invalid patch"})
		return
	}
	if pt.ID == "" {
		pt.ID = ulid.Make().String()
	}
	pt.ProjectID = c.room.key.ProjectID
	pt.PageID = c.room.key.PageID
	pt.UserID = c.identity.UserID
	pt.Username = c.identity.Username
	if pt.ClientID == "" {
		pt.ClientID = c.id
	}

	if err := c.room.submit(ctx, pt); err != nil {
		c.enqueueFrame(outboundFrame{Type: frameTypeError, Patch: raw, Error: err.Error()})
	}
}

func (c *client) handlePresence(ctx context.Context, update *presenceUpdate) {
	if update == nil {
		return
	}
	err := c.presence.Track(ctx, presence.State{
		UserID:   c.identity.UserID,
		Username: c.identity.Username,
		Cursor:   update.Cursor,
		Tool:     update.Tool,
	})
	if err != nil {
		c.enqueueFrame(outboundFrame{Type: frameTypeError, Error: "presence update failed"})
	}
}

func (c *client) writePump(ctx context.Context) error {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	heartbeat := time.NewTicker(c.cfg.PresenceRefresh)
	defer heartbeat.Stop()
	defer func() {
		c.shutdown()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return c.writeClose(websocket.CloseGoingAway)
		case <-c.closed:
			return c.writeClose(websocket.CloseNormalClosure)
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return fmt.Errorf("gateway: write to %s failed: %w", c.id, err)
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("gateway: ping %s failed: %w", c.id, err)
			}
		case <-heartbeat.C:
			if err := c.presence.Refresh(ctx); err != nil && !errors.Is(err, presence.ErrNotTracked) {
				log.Printf("gateway: presence heartbeat for %s failed: %v", c.id, err)
			}
		}
	}
}

func (c *client) writeClose(code int) error {
	msg := websocket.FormatCloseMessage(code, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return nil
}
