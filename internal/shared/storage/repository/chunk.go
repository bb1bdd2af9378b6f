package repository

import (
	"context"

	"app-builder/internal/shared/model"
)

// AppendChunk 追加输出流分片
//
// 重放的生产者会以相同序号再次写入，ON CONFLICT DO NOTHING 使其成为空操作。
func (s *Store) AppendChunk(ctx context.Context, chunk *model.StreamChunk) (bool, error) {
	query := s.rebind(`
		INSERT INTO stream_chunks (run_id, seq, payload, is_final, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, seq) DO NOTHING
	`)
	res, err := s.db.ExecContext(ctx, query, chunk.RunID, chunk.Seq, string(chunk.Payload), chunk.Final, chunk.CreatedAt)
	if err != nil {
		return false, s.wrapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListChunks 获取 seq >= fromSeq 的分片
func (s *Store) ListChunks(ctx context.Context, runID string, fromSeq int64, limit int) ([]*model.StreamChunk, error) {
	q := `SELECT run_id, seq, payload, is_final, created_at
		  FROM stream_chunks WHERE run_id = $1 AND seq >= $2 ORDER BY seq ASC`
	args := []interface{}{runID, fromSeq}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*model.StreamChunk
	for rows.Next() {
		c := &model.StreamChunk{}
		var payload string
		if err := rows.Scan(&c.RunID, &c.Seq, &payload, &c.Final, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Payload = []byte(payload)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountChunks 统计执行的分片数量
func (s *Store) CountChunks(ctx context.Context, runID string) (int64, error) {
	query := s.rebind(`SELECT COUNT(1) FROM stream_chunks WHERE run_id = $1`)
	var cnt int64
	if err := s.db.QueryRowContext(ctx, query, runID).Scan(&cnt); err != nil {
		return 0, err
	}
	return cnt, nil
}
