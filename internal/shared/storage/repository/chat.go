package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"app-builder/internal/shared/model"
	"app-builder/internal/shared/storage"
)

const chatColumns = `id, name, sandbox_id, created_at, updated_at`

const messageColumns = `id, chat_id, ui_message_id, role, parts, attachments, metadata, created_at, updated_at`

// CreateChat 创建会话
func (s *Store) CreateChat(ctx context.Context, name, sandboxID string) (*model.Chat, error) {
	ts := storage.Now()
	chat := &model.Chat{ID: newID(), Name: name, SandboxID: sandboxID, CreatedAt: ts, UpdatedAt: ts}
	query := s.rebind(`INSERT INTO chats (` + chatColumns + `) VALUES ($1, $2, $3, $4, $5)`)
	if _, err := s.db.ExecContext(ctx, query, chat.ID, chat.Name, chat.SandboxID, chat.CreatedAt, chat.UpdatedAt); err != nil {
		return nil, s.wrapError(err)
	}
	return chat, nil
}

// GetChat 获取会话
func (s *Store) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	query := s.rebind(`SELECT ` + chatColumns + ` FROM chats WHERE id = $1`)
	c := &model.Chat{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Name, &c.SandboxID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return c, nil
}

// ListChatsBySandbox 列出沙箱下的会话（新的在前）
func (s *Store) ListChatsBySandbox(ctx context.Context, sandboxID string) ([]*model.Chat, error) {
	query := s.rebind(`SELECT ` + chatColumns + ` FROM chats WHERE sandbox_id = $1 ORDER BY created_at DESC`)
	rows, err := s.db.QueryContext(ctx, query, sandboxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Chat
	for rows.Next() {
		c := &model.Chat{}
		if err := rows.Scan(&c.ID, &c.Name, &c.SandboxID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateChatMessage 保存一条 UI 消息并刷新会话的 updated_at
func (s *Store) CreateChatMessage(ctx context.Context, chatID string, msg model.UIMessage) (*model.Message, error) {
	if !msg.Role.Valid() {
		return nil, fmt.Errorf("invalid message role %q", msg.Role)
	}
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return nil, fmt.Errorf("marshal parts: %w", err)
	}

	ts := storage.Now()
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE chats SET updated_at = $1 WHERE id = $2`), ts, chatID)
	if err != nil {
		return nil, err
	}
	if err := affectedOrNotFound(res); err != nil {
		return nil, fmt.Errorf("chat %s: %w", chatID, err)
	}

	var uiID interface{}
	if m.UIMessageID != "" {
		uiID = m.UIMessageID
	}
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`),
		m.ID, m.ChatID, uiID, m.Role, string(m.Parts), nullableJSON(m.Attachments), nullableJSON(m.Metadata), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, s.wrapError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessagesByChat 按写入顺序列出会话消息
func (s *Store) ListMessagesByChat(ctx context.Context, chatID string) ([]*model.Message, error) {
	query := s.rebind(`SELECT ` + messageColumns + ` FROM messages WHERE chat_id = $1 ORDER BY created_at ASC, id ASC`)
	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m := &model.Message{}
		var uiID, attachments, metadata sql.NullString
		var parts string
		if err := rows.Scan(&m.ID, &m.ChatID, &uiID, &m.Role, &parts, &attachments, &metadata, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.UIMessageID = uiID.String
		m.Parts = json.RawMessage(parts)
		m.Attachments = rawJSON(attachments)
		m.Metadata = rawJSON(metadata)
		out = append(out, m)
	}
	return out, rows.Err()
}
