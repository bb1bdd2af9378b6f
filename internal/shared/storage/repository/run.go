package repository

import (
	"context"
	"database/sql"

	"app-builder/internal/shared/model"
	"app-builder/internal/shared/storage"
)

const runColumns = `id, workflow, status, input, output, error, created_at, updated_at, finished_at`

// CreateRun 创建工作流执行
func (s *Store) CreateRun(ctx context.Context, run *model.WorkflowRun) error {
	query := s.rebind(`
		INSERT INTO workflow_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Workflow, run.Status, nullableJSON(run.Input), nullableJSON(run.Output),
		run.Error, run.CreatedAt, run.UpdatedAt, run.FinishedAt)
	return s.wrapError(err)
}

// GetRun 获取工作流执行
func (s *Store) GetRun(ctx context.Context, id string) (*model.WorkflowRun, error) {
	query := s.rebind(`SELECT ` + runColumns + ` FROM workflow_runs WHERE id = $1`)
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, s.wrapError(err)
	}
	return run, nil
}

// FinishRun 将执行置为终态
//
// 仅当当前状态为 running 时更新，否则返回 ErrConflict（终态不可改写）。
func (s *Store) FinishRun(ctx context.Context, id string, status model.RunStatus, output []byte, errMsg *string) error {
	ts := storage.Now()
	query := s.rebind(`
		UPDATE workflow_runs SET status = $1, output = $2, error = $3, updated_at = $4, finished_at = $5
		WHERE id = $6 AND status = $7
	`)
	res, err := s.db.ExecContext(ctx, query, status, nullableJSON(output), errMsg, ts, ts, id, model.RunStatusRunning)
	if err != nil {
		return s.wrapError(err)
	}
	if err := affectedOrNotFound(res); err != nil {
		if _, getErr := s.GetRun(ctx, id); getErr != nil {
			return getErr
		}
		return storage.ErrConflict
	}
	return nil
}

// ListRunsByStatus 按状态列出执行（按创建时间升序）
func (s *Store) ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]*model.WorkflowRun, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT ` + runColumns + ` FROM workflow_runs WHERE status = $1 ORDER BY created_at ASC LIMIT $2`)
	rows, err := s.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// scanRun 辅助函数
func scanRun(scanner rowScanner) (*model.WorkflowRun, error) {
	run := &model.WorkflowRun{}
	var input, output, errMsg sql.NullString
	var finishedAt sql.NullTime
	err := scanner.Scan(&run.ID, &run.Workflow, &run.Status, &input, &output, &errMsg,
		&run.CreatedAt, &run.UpdatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	run.Input = rawJSON(input)
	run.Output = rawJSON(output)
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return run, nil
}
