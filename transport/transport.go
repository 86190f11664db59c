package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClosed      = errors.New("transport: closed")
	ErrInvalidRoom = errors.New("transport: project and page ids are required")
)

// Room 把补丁与在线状态限定在某个项目的某一页。
type Room struct {
	ProjectID string `json:"project_id"`
	PageID    string `json:"page_id"`
}

func (r Room) Validate() error {
	if strings.TrimSpace(r.ProjectID) == "" || strings.TrimSpace(r.PageID) == "" {
		return ErrInvalidRoom
	}
	return nil
}

// Key 是频道与 map 使用的规范字符串。
func (r Room) Key() string {
	return fmt.Sprintf("%s:%s", r.ProjectID, r.PageID)
}

func (r Room) String() string { return r.Key() }

// Handler 接收一条流消息，至少投递一次，房间内大致有序。
type Handler func(data []byte)

// PresenceHandler 接收房间的完整成员视图，以成员 id 为键。
type PresenceHandler func(members map[string][]byte)

// Transport 是按房间划分的发布订阅，补丁走流模式，
// 在线状态总是下发完整成员快照。
type Transport interface {
	Publish(ctx context.Context, room Room, data []byte) error
	Subscribe(ctx context.Context, room Room, h Handler) (unsubscribe func(), err error)

	Track(ctx context.Context, room Room, memberID string, state []byte) error
	Untrack(ctx context.Context, room Room, memberID string) error
	SubscribePresence(ctx context.Context, room Room, h PresenceHandler) (unsubscribe func(), err error)

	Close() error
}

func copyMembers(in map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(in))
	for id, state := range in {
		out[id] = append([]byte(nil), state...)
	}
	return out
}
