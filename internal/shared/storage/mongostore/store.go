// Package mongostore 实现基于 MongoDB 的 PersistentStore
//
// 使用 mongo-go-driver v2，通过 bson tag 实现 model 结构体的序列化/反序列化。
// 所有 Collection 名称和索引在 ensureIndexes 中统一管理。
//
// 唯一索引承担 SQL 实现中主键的职责：
//   - workflow_steps (run_id, step_index)：步骤记录只写一次
//   - stream_chunks (run_id, seq)：重放时的重复追加被忽略
package mongostore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"app-builder/internal/shared/storage"
)

// Collection 名称常量
const (
	ColRuns      = "workflow_runs"
	ColSteps     = "workflow_steps"
	ColChunks    = "stream_chunks"
	ColSandboxes = "sandboxes"
	ColProjects  = "projects"
	ColChats     = "chats"
	ColMessages  = "messages"
)

// Store 实现 storage.PersistentStore 接口的 MongoDB 驱动
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ storage.PersistentStore = (*Store)(nil)

// NewStore 创建 MongoDB 存储实例
//
// uri: MongoDB 连接 URI，如 "mongodb://localhost:27017"
// dbName: 数据库名称，如 "app_builder"
func NewStore(uri, dbName string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect failed: %w", err)
	}

	// 验证连接
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}

	s := &Store{client: client, db: client.Database(dbName)}

	// 唯一索引是幂等写入的前提，失败即返回
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ensure indexes failed: %w", err)
	}
	slog.Info("mongostore connected", "database", dbName)

	return s, nil
}

// Close 关闭 MongoDB 连接
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// col 获取指定 Collection
func (s *Store) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// ensureIndexes 创建所有必要的索引
func (s *Store) ensureIndexes(ctx context.Context) error {
	type idx struct {
		col    string
		keys   bson.D
		unique bool
	}

	indexes := []idx{
		// workflow_runs
		{ColRuns, bson.D{{Key: "status", Value: 1}}, false},
		{ColRuns, bson.D{{Key: "created_at", Value: -1}}, false},

		// workflow_steps
		{ColSteps, bson.D{{Key: "run_id", Value: 1}, {Key: "step_index", Value: 1}}, true},

		// stream_chunks
		{ColChunks, bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}}, true},

		// sandboxes
		{ColSandboxes, bson.D{{Key: "sandbox_id", Value: 1}}, false},
		{ColSandboxes, bson.D{{Key: "agent_coding", Value: 1}}, false},

		// projects
		{ColProjects, bson.D{{Key: "sandbox_id", Value: 1}}, false},

		// chats
		{ColChats, bson.D{{Key: "sandbox_id", Value: 1}}, false},

		// messages
		{ColMessages, bson.D{{Key: "chat_id", Value: 1}, {Key: "created_at", Value: 1}}, false},
	}

	for _, i := range indexes {
		model := mongo.IndexModel{Keys: i.keys}
		if i.unique {
			model.Options = options.Index().SetUnique(true)
		}
		if _, err := s.col(i.col).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("create index on %s: %w", i.col, err)
		}
	}

	return nil
}
