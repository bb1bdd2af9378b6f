package mongostore

import (
	"context"
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"app-builder/internal/shared/model"
	"app-builder/internal/shared/storage"
)

var newestFirst = bson.D{{Key: "created_at", Value: -1}}

// ============================================================================
// ProjectStore
// ============================================================================

// CreateProjectWithSandbox 先插入沙箱再插入项目
//
// 单机 MongoDB 不支持多文档事务，项目插入失败时删除已插入的沙箱记录。
func (s *Store) CreateProjectWithSandbox(ctx context.Context, in model.CreateProjectWithSandboxInput) (*model.ProjectWithSandbox, error) {
	ts := storage.Now()
	sb := &model.Sandbox{
		ID:          newID(),
		SandboxID:   in.SandboxExternalID,
		URL:         in.SandboxURL,
		AgentCoding: model.AgentCodingStarted,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if !in.SandboxExpiryDate.IsZero() {
		expiry := in.SandboxExpiryDate.UTC()
		sb.ExpiryDate = &expiry
	}
	if err := insertOne(ctx, s.col(ColSandboxes), sb); err != nil {
		return nil, err
	}

	p := &model.Project{
		ID:          newID(),
		Title:       in.Title,
		Description: in.Description,
		SandboxID:   sb.ID,
		CreatedAt:   ts,
	}
	if err := insertOne(ctx, s.col(ColProjects), p); err != nil {
		_ = deleteByID(context.WithoutCancel(ctx), s.col(ColSandboxes), sb.ID)
		return nil, err
	}
	return &model.ProjectWithSandbox{SandboxID: sb.ID, ProjectID: p.ID}, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	return findOne[model.Project](ctx, s.col(ColProjects), bson.D{{Key: "_id", Value: id}})
}

func (s *Store) ListProjects(ctx context.Context) ([]*model.Project, error) {
	return findMany[model.Project](ctx, s.col(ColProjects), bson.D{}, options.Find().SetSort(newestFirst))
}

func (s *Store) ListProjectsBySandbox(ctx context.Context, sandboxID string) ([]*model.Project, error) {
	return findMany[model.Project](ctx, s.col(ColProjects),
		bson.D{{Key: "sandbox_id", Value: sandboxID}}, options.Find().SetSort(newestFirst))
}

func (s *Store) UpdateProject(ctx context.Context, id string, upd model.ProjectUpdate) error {
	if upd.SandboxID != nil {
		if _, err := s.GetSandbox(ctx, *upd.SandboxID); err != nil {
			return fmt.Errorf("sandbox %s: %w", *upd.SandboxID, err)
		}
	}

	var set bson.D
	add := func(key string, v *string) {
		if v != nil {
			set = append(set, bson.E{Key: key, Value: *v})
		}
	}
	add("title", upd.Title)
	add("description", upd.Description)
	add("sandbox_id", upd.SandboxID)
	add("image", upd.Image)

	if len(set) == 0 {
		_, err := s.GetProject(ctx, id)
		return err
	}
	return updateFields(ctx, s.col(ColProjects), id, set)
}

func (s *Store) SaveProjectImage(ctx context.Context, projectID, imageKey string) error {
	return s.UpdateProject(ctx, projectID, model.ProjectUpdate{Image: &imageKey})
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return deleteByID(ctx, s.col(ColProjects), id)
}

// ============================================================================
// SandboxStore
// ============================================================================

// UpdateSandboxStatus 以当前状态为过滤条件更新，并发修改时返回 ErrConflict
func (s *Store) UpdateSandboxStatus(ctx context.Context, id string, status model.AgentCodingStatus) error {
	current, err := s.GetSandbox(ctx, id)
	if err != nil {
		return err
	}
	if !current.AgentCoding.CanTransitionTo(status) {
		return &model.ErrInvalidTransition{From: current.AgentCoding, To: status}
	}
	if current.AgentCoding == status {
		return nil
	}
	filter := bson.D{{Key: "_id", Value: id}, {Key: "agent_coding", Value: current.AgentCoding}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "agent_coding", Value: status},
		{Key: "updated_at", Value: storage.Now()},
	}}}
	res, err := s.col(ColSandboxes).UpdateOne(ctx, filter, update)
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (s *Store) GetSandbox(ctx context.Context, id string) (*model.Sandbox, error) {
	return findOne[model.Sandbox](ctx, s.col(ColSandboxes), bson.D{{Key: "_id", Value: id}})
}

func (s *Store) GetSandboxByExternalID(ctx context.Context, sandboxID string) (*model.Sandbox, error) {
	return findOne[model.Sandbox](ctx, s.col(ColSandboxes),
		bson.D{{Key: "sandbox_id", Value: sandboxID}}, options.FindOne().SetSort(newestFirst))
}

func (s *Store) ListSandboxes(ctx context.Context) ([]*model.Sandbox, error) {
	return findMany[model.Sandbox](ctx, s.col(ColSandboxes), bson.D{}, options.Find().SetSort(newestFirst))
}

func (s *Store) ListSandboxesByStatus(ctx context.Context, status model.AgentCodingStatus) ([]*model.Sandbox, error) {
	return findMany[model.Sandbox](ctx, s.col(ColSandboxes),
		bson.D{{Key: "agent_coding", Value: status}}, options.Find().SetSort(newestFirst))
}

// DeleteSandbox 删除沙箱记录及其关联项目
func (s *Store) DeleteSandbox(ctx context.Context, id string) error {
	if _, err := s.GetSandbox(ctx, id); err != nil {
		return err
	}
	if _, err := s.col(ColProjects).DeleteMany(ctx, bson.D{{Key: "sandbox_id", Value: id}}); err != nil {
		return wrapError(err)
	}
	return deleteByID(ctx, s.col(ColSandboxes), id)
}

// ============================================================================
// ChatStore
// ============================================================================

func (s *Store) CreateChat(ctx context.Context, name, sandboxID string) (*model.Chat, error) {
	ts := storage.Now()
	chat := &model.Chat{ID: newID(), Name: name, SandboxID: sandboxID, CreatedAt: ts, UpdatedAt: ts}
	if err := insertOne(ctx, s.col(ColChats), chat); err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *Store) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	return findOne[model.Chat](ctx, s.col(ColChats), bson.D{{Key: "_id", Value: id}})
}

func (s *Store) ListChatsBySandbox(ctx context.Context, sandboxID string) ([]*model.Chat, error) {
	return findMany[model.Chat](ctx, s.col(ColChats),
		bson.D{{Key: "sandbox_id", Value: sandboxID}}, options.Find().SetSort(newestFirst))
}

// CreateChatMessage 刷新会话 updated_at 后写入消息，会话不存在时返回 ErrNotFound
func (s *Store) CreateChatMessage(ctx context.Context, chatID string, msg model.UIMessage) (*model.Message, error) {
	if !msg.Role.Valid() {
		return nil, fmt.Errorf("invalid message role %q", msg.Role)
	}
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return nil, fmt.Errorf("marshal parts: %w", err)
	}

	ts := storage.Now()
	if err := updateFields(ctx, s.col(ColChats), chatID, bson.D{{Key: "updated_at", Value: ts}}); err != nil {
		return nil, fmt.Errorf("chat %s: %w", chatID, err)
	}

	m := &model.Message{
		ID:          newID(),
		ChatID:      chatID,
		UIMessageID: msg.ID,
		Role:        msg.Role,
		Parts:       parts,
		Metadata:    msg.Metadata,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := insertOne(ctx, s.col(ColMessages), m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) ListMessagesByChat(ctx context.Context, chatID string) ([]*model.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	return findMany[model.Message](ctx, s.col(ColMessages), bson.D{{Key: "chat_id", Value: chatID}}, opts)
}
