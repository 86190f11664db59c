package persistence

import (
	"time"

	"gorm.io/datatypes"
)

// SceneSnapshot 保存一个页面最近一次自动保存的场景、剪辑与动画列表。
type SceneSnapshot struct {
	ID         uint64         `gorm:"primaryKey" json:"id"`
	ProjectID  string         `gorm:"size:64;not null;uniqueIndex:idx_scene_snapshots_room,priority:1" json:"project_id"`
	PageID     string         `gorm:"size:64;not null;uniqueIndex:idx_scene_snapshots_room,priority:2" json:"page_id"`
	Scene      datatypes.JSON `gorm:"type:json" json:"scene"`
	Clips      datatypes.JSON `gorm:"type:json" json:"clips,omitempty"`
	Animations datatypes.JSON `gorm:"type:json" json:"animations,omitempty"`
	LastPatch  string         `gorm:"size:64" json:"last_patch,omitempty"`
	Version    uint64         `gorm:"not null;default:1" json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (SceneSnapshot) TableName() string {
	return "scene_snapshots"
}

// PatchRecord 是补丁日志中的一行，只追加不修改。
type PatchRecord struct {
	Seq        uint64         `gorm:"primaryKey;autoIncrement" json:"seq"`
	PatchID    string         `gorm:"size:64;not null;uniqueIndex" json:"patch_id"`
	ProjectID  string         `gorm:"size:64;not null;index:idx_patch_records_room,priority:1" json:"project_id"`
	PageID     string         `gorm:"size:64;not null;index:idx_patch_records_room,priority:2" json:"page_id"`
	UserID     string         `gorm:"size:64" json:"user_id"`
	Username   string         `gorm:"size:100" json:"username"`
	OpType     string         `gorm:"size:16;not null" json:"op_type"`
	ObjectID   string         `gorm:"size:64" json:"object_id,omitempty"`
	ClientID   string         `gorm:"size:64" json:"client_id,omitempty"`
	Payload    datatypes.JSON `gorm:"type:json" json:"payload"`
	ServerTime int64          `gorm:"not null" json:"server_time"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (PatchRecord) TableName() string {
	return "patch_records"
}
