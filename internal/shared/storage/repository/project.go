package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"app-builder/internal/shared/model"
	"app-builder/internal/shared/storage"
)

const projectColumns = `id, title, description, sandbox_id, image, created_at`

// CreateProjectWithSandbox 在同一事务内插入沙箱记录（状态 started）与项目记录
func (s *Store) CreateProjectWithSandbox(ctx context.Context, in model.CreateProjectWithSandboxInput) (*model.ProjectWithSandbox, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ts := storage.Now()
	var expiry interface{}
	if !in.SandboxExpiryDate.IsZero() {
		expiry = in.SandboxExpiryDate.UTC()
	}

	out := &model.ProjectWithSandbox{SandboxID: newID(), ProjectID: newID()}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO sandboxes (`+sandboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`), out.SandboxID, in.SandboxExternalID, in.SandboxURL, expiry, model.AgentCodingStarted, ts, ts)
	if err != nil {
		return nil, s.wrapError(err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO projects (`+projectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
	`), out.ProjectID, in.Title, in.Description, out.SandboxID, nil, ts)
	if err != nil {
		return nil, s.wrapError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetProject 获取项目
func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	query := s.rebind(`SELECT ` + projectColumns + ` FROM projects WHERE id = $1`)
	p, err := scanProject(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, s.wrapError(err)
	}
	return p, nil
}

// ListProjects 列出全部项目（新的在前）
func (s *Store) ListProjects(ctx context.Context) ([]*model.Project, error) {
	return s.queryProjects(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
}

// ListProjectsBySandbox 列出沙箱下的项目
func (s *Store) ListProjectsBySandbox(ctx context.Context, sandboxID string) ([]*model.Project, error) {
	return s.queryProjects(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE sandbox_id = $1 ORDER BY created_at DESC`, sandboxID)
}

// UpdateProject 部分更新项目
func (s *Store) UpdateProject(ctx context.Context, id string, upd model.ProjectUpdate) error {
	if upd.SandboxID != nil {
		if _, err := s.GetSandbox(ctx, *upd.SandboxID); err != nil {
			return fmt.Errorf("sandbox %s: %w", *upd.SandboxID, err)
		}
	}

	var sets []string
	var args []interface{}
	add := func(col string, v *string) {
		if v == nil {
			return
		}
		args = append(args, *v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("title", upd.Title)
	add("description", upd.Description)
	add("sandbox_id", upd.SandboxID)
	add("image", upd.Image)

	if len(sets) == 0 {
		_, err := s.GetProject(ctx, id)
		return err
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE projects SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return s.wrapError(err)
	}
	return affectedOrNotFound(res)
}

// SaveProjectImage 记录项目缩略图的对象键
func (s *Store) SaveProjectImage(ctx context.Context, projectID, imageKey string) error {
	return s.UpdateProject(ctx, projectID, model.ProjectUpdate{Image: &imageKey})
}

// DeleteProject 删除项目
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM projects WHERE id = $1`), id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *Store) queryProjects(ctx context.Context, query string, args ...interface{}) ([]*model.Project, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProject(scanner rowScanner) (*model.Project, error) {
	p := &model.Project{}
	var image sql.NullString
	if err := scanner.Scan(&p.ID, &p.Title, &p.Description, &p.SandboxID, &image, &p.CreatedAt); err != nil {
		return nil, err
	}
	if image.Valid {
		p.Image = &image.String
	}
	return p, nil
}
