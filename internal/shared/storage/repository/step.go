package repository

import (
	"context"
	"database/sql"

	"app-builder/internal/shared/model"
)

const stepColumns = `run_id, step_index, step_name, input_hash, result, error_kind, error_message, chunk_cursor, completed_at`

// SaveStep 写入步骤记录
//
// 主键 (run_id, step_index) 保证同一步骤只记录一次，重复写入返回 ErrDuplicate。
func (s *Store) SaveStep(ctx context.Context, rec *model.StepRecord) error {
	var errKind, errMsg interface{}
	if rec.Error != nil {
		errKind, errMsg = rec.Error.Kind, rec.Error.Message
	}
	query := s.rebind(`
		INSERT INTO workflow_steps (` + stepColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	_, err := s.db.ExecContext(ctx, query,
		rec.RunID, rec.StepIndex, rec.StepName, rec.InputHash, nullableJSON(rec.Result),
		errKind, errMsg, rec.ChunkCursor, rec.CompletedAt)
	return s.wrapError(err)
}

// GetStep 获取步骤记录
func (s *Store) GetStep(ctx context.Context, runID string, stepIndex int) (*model.StepRecord, error) {
	query := s.rebind(`SELECT ` + stepColumns + ` FROM workflow_steps WHERE run_id = $1 AND step_index = $2`)
	rec, err := scanStep(s.db.QueryRowContext(ctx, query, runID, stepIndex))
	if err != nil {
		return nil, s.wrapError(err)
	}
	return rec, nil
}

// ListSteps 列出执行的全部步骤记录（按 step_index 升序）
func (s *Store) ListSteps(ctx context.Context, runID string) ([]*model.StepRecord, error) {
	query := s.rebind(`SELECT ` + stepColumns + ` FROM workflow_steps WHERE run_id = $1 ORDER BY step_index ASC`)
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*model.StepRecord
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanStep(scanner rowScanner) (*model.StepRecord, error) {
	rec := &model.StepRecord{}
	var result, errKind, errMsg sql.NullString
	err := scanner.Scan(&rec.RunID, &rec.StepIndex, &rec.StepName, &rec.InputHash, &result,
		&errKind, &errMsg, &rec.ChunkCursor, &rec.CompletedAt)
	if err != nil {
		return nil, err
	}
	rec.Result = rawJSON(result)
	if errKind.Valid {
		rec.Error = &model.StepError{Kind: errKind.String, Message: errMsg.String}
	}
	return rec, nil
}
