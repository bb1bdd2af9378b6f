// Package repository 数据库无关的业务逻辑存储层
//
// 通过 dbutil.Dialect 接口屏蔽不同数据库的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
//
// 文件组织：
//   - run.go / step.go / chunk.go: 工作流日志（RunStore / StepStore / ChunkStore）
//   - sandbox.go / project.go / chat.go: 记录存储（RecordStore）
package repository

import (
	"database/sql"
	"encoding/json"
	"errors"

	"app-builder/internal/shared/storage"
	"app-builder/internal/shared/storage/dbutil"

	"github.com/google/uuid"
)

// Store 通用存储实现
// 实现了 storage.PersistentStore 接口
type Store struct {
	db      *sql.DB
	dialect dbutil.Dialect
}

var _ storage.PersistentStore = (*Store)(nil)

// NewStore 创建通用存储
func NewStore(db *sql.DB, dialect dbutil.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect 返回当前方言
func (s *Store) Dialect() dbutil.Dialect {
	return s.dialect
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// wrapError 将底层错误转换为存储层领域错误
func (s *Store) wrapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return storage.ErrNotFound
	case s.dialect.IsUniqueViolation(err):
		return storage.ErrDuplicate
	default:
		return err
	}
}

// newID 生成记录 ID
func newID() string {
	return uuid.NewString()
}

// rowScanner sql.Row 与 sql.Rows 的公共扫描接口
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nullableJSON 将 JSON 写入可空 TEXT 列
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// rawJSON 将可空 TEXT 列还原为 json.RawMessage
func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// affectedOrNotFound 更新/删除语句未影响任何行时返回 ErrNotFound
func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
