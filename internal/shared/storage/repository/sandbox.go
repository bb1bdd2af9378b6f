package repository

import (
	"context"
	"database/sql"

	"app-builder/internal/shared/model"
	"app-builder/internal/shared/storage"
)

const sandboxColumns = `id, sandbox_id, url, expiry_date, agent_coding, created_at, updated_at`

// UpdateSandboxStatus 更新沙箱编码状态
//
// 先校验迁移合法性，再以当前状态为条件更新（比较并交换），
// 并发写入导致条件不满足时返回 ErrConflict。
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
	query := s.rebind(`UPDATE sandboxes SET agent_coding = $1, updated_at = $2 WHERE id = $3 AND agent_coding = $4`)
	res, err := s.db.ExecContext(ctx, query, status, storage.Now(), id, current.AgentCoding)
	if err != nil {
		return err
	}
	if err := affectedOrNotFound(res); err != nil {
		return storage.ErrConflict
	}
	return nil
}

// GetSandbox 按内部 ID 获取沙箱记录
func (s *Store) GetSandbox(ctx context.Context, id string) (*model.Sandbox, error) {
	query := s.rebind(`SELECT ` + sandboxColumns + ` FROM sandboxes WHERE id = $1`)
	sb, err := scanSandbox(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, s.wrapError(err)
	}
	return sb, nil
}

// GetSandboxByExternalID 按计算提供方的沙箱 ID 获取最新的沙箱记录
func (s *Store) GetSandboxByExternalID(ctx context.Context, sandboxID string) (*model.Sandbox, error) {
	query := s.rebind(`SELECT ` + sandboxColumns + ` FROM sandboxes WHERE sandbox_id = $1 ORDER BY created_at DESC LIMIT 1`)
	sb, err := scanSandbox(s.db.QueryRowContext(ctx, query, sandboxID))
	if err != nil {
		return nil, s.wrapError(err)
	}
	return sb, nil
}

// ListSandboxes 列出全部沙箱记录（新的在前）
func (s *Store) ListSandboxes(ctx context.Context) ([]*model.Sandbox, error) {
	return s.querySandboxes(ctx, `SELECT `+sandboxColumns+` FROM sandboxes ORDER BY created_at DESC`)
}

// ListSandboxesByStatus 按编码状态列出沙箱记录
func (s *Store) ListSandboxesByStatus(ctx context.Context, status model.AgentCodingStatus) ([]*model.Sandbox, error) {
	return s.querySandboxes(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE agent_coding = $1 ORDER BY created_at DESC`, status)
}

// DeleteSandbox 删除沙箱记录及其关联项目
func (s *Store) DeleteSandbox(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM projects WHERE sandbox_id = $1`), id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM sandboxes WHERE id = $1`), id)
	if err != nil {
		return err
	}
	if err := affectedOrNotFound(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) querySandboxes(ctx context.Context, query string, args ...interface{}) ([]*model.Sandbox, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

func scanSandbox(scanner rowScanner) (*model.Sandbox, error) {
	sb := &model.Sandbox{}
	var expiry sql.NullTime
	if err := scanner.Scan(&sb.ID, &sb.SandboxID, &sb.URL, &expiry, &sb.AgentCoding, &sb.CreatedAt, &sb.UpdatedAt); err != nil {
		return nil, err
	}
	if expiry.Valid {
		t := expiry.Time
		sb.ExpiryDate = &t
	}
	return sb, nil
}
