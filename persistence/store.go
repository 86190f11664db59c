package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"composer_back/animation"
	"composer_back/patch"
	"composer_back/timeline"
	"composer_back/transport"
)

const defaultPatchPage = 500

var (
	ErrSnapshotNotFound = errors.New("persistence: snapshot not found")
	ErrPatchNotFound    = errors.New("persistence: patch not found")
	ErrNotInitialized   = errors.New("persistence: database not initialized")
)

// Snapshot 是一个房间可恢复的完整状态。
type Snapshot struct {
	Room       transport.Room     `json:"room"`
	Scene      json.RawMessage    `json:"scene"`
	Clips      []timeline.Clip    `json:"clips"`
	Animations []animation.Record `json:"animations"`
	LastPatch  string             `json:"last_patch,omitempty"`
	Version    uint64             `json:"version"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Store 负责场景快照与补丁日志的读写。
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate 创建或更新快照与补丁日志表。
func (s *Store) AutoMigrate() error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	if err := s.db.AutoMigrate(&SceneSnapshot{}, &PatchRecord{}); err != nil {
		return fmt.Errorf("persistence: migrate: %w", err)
	}
	return nil
}

// SaveSnapshot 按房间覆盖写入快照，每次写入版本号加一。
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	if err := snap.Room.Validate(); err != nil {
		return err
	}
	clips, err := json.Marshal(nonNilClips(snap.Clips))
	if err != nil {
		return fmt.Errorf("persistence: encode clips: %w", err)
	}
	anims, err := json.Marshal(nonNilRecords(snap.Animations))
	if err != nil {
		return fmt.Errorf("persistence: encode animations: %w", err)
	}
	scene := snap.Scene
	if len(scene) == 0 {
		scene = json.RawMessage(`{"objects":[]}`)
	}

	now := time.Now().UTC()
	row := SceneSnapshot{
		ProjectID:  snap.Room.ProjectID,
		PageID:     snap.Room.PageID,
		Scene:      datatypes.JSON(scene),
		Clips:      datatypes.JSON(clips),
		Animations: datatypes.JSON(anims),
		LastPatch:  snap.LastPatch,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}, {Name: "page_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"scene":      datatypes.JSON(scene),
			"clips":      datatypes.JSON(clips),
			"animations": datatypes.JSON(anims),
			"last_patch": snap.LastPatch,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		}),
	}).Create(&row).Error
}

// LoadSnapshot 读取房间最近保存的快照。
func (s *Store) LoadSnapshot(ctx context.Context, room transport.Room) (Snapshot, error) {
	if s == nil || s.db == nil {
		return Snapshot{}, ErrNotInitialized
	}
	var row SceneSnapshot
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND page_id = ?", room.ProjectID, room.PageID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Room:      room,
		Scene:     json.RawMessage(row.Scene),
		LastPatch: row.LastPatch,
		Version:   row.Version,
		UpdatedAt: row.UpdatedAt,
	}
	if len(row.Clips) > 0 {
		if err := json.Unmarshal(row.Clips, &snap.Clips); err != nil {
			return Snapshot{}, fmt.Errorf("persistence: decode clips: %w", err)
		}
	}
	if len(row.Animations) > 0 {
		if err := json.Unmarshal(row.Animations, &snap.Animations); err != nil {
			return Snapshot{}, fmt.Errorf("persistence: decode animations: %w", err)
		}
	}
	return snap, nil
}

// AppendPatch 追加一条补丁，重复的补丁 id 会被忽略。
func (s *Store) AppendPatch(ctx context.Context, p patch.Patch) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	if p.ID == "" {
		return fmt.Errorf("%w: patch without id", patch.ErrMalformed)
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	row := PatchRecord{
		PatchID:    p.ID,
		ProjectID:  p.ProjectID,
		PageID:     p.PageID,
		UserID:     p.UserID,
		Username:   p.Username,
		OpType:     string(p.OpType),
		ObjectID:   p.ObjectID,
		ClientID:   p.ClientID,
		Payload:    datatypes.JSON(payload),
		ServerTime: p.ServerTime,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "patch_id"}},
		DoNothing: true,
	}).Create(&row).Error
}

// PatchesAfter 返回房间内排在 afterID 之后的补丁，afterID 为空时从头读取。
func (s *Store) PatchesAfter(ctx context.Context, room transport.Room, afterID string, limit int) ([]patch.Patch, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 || limit > defaultPatchPage {
		limit = defaultPatchPage
	}

	var after uint64
	if afterID != "" {
		var cursor PatchRecord
		err := s.db.WithContext(ctx).
			Where("patch_id = ? AND project_id = ? AND page_id = ?", afterID, room.ProjectID, room.PageID).
			Take(&cursor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPatchNotFound
		}
		if err != nil {
			return nil, err
		}
		after = cursor.Seq
	}

	var rows []PatchRecord
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND page_id = ? AND seq > ?", room.ProjectID, room.PageID, after).
		Order("seq ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]patch.Patch, 0, len(rows))
	for _, row := range rows {
		var payload json.RawMessage
		if string(row.Payload) != "null" {
			payload = json.RawMessage(row.Payload)
		}
		out = append(out, patch.Patch{
			ID:         row.PatchID,
			ProjectID:  row.ProjectID,
			PageID:     row.PageID,
			UserID:     row.UserID,
			Username:   row.Username,
			OpType:     patch.OpType(row.OpType),
			ObjectID:   row.ObjectID,
			Payload:    payload,
			ServerTime: row.ServerTime,
			ClientID:   row.ClientID,
		})
	}
	return out, nil
}

func nonNilClips(clips []timeline.Clip) []timeline.Clip {
	if clips == nil {
		return []timeline.Clip{}
	}
	return clips
}

func nonNilRecords(records []animation.Record) []animation.Record {
	if records == nil {
		return []animation.Record{}
	}
	return records
}
