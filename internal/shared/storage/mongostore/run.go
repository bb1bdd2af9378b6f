package mongostore

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"app-builder/internal/shared/model"
	"app-builder/internal/shared/storage"
)

// ============================================================================
// RunStore
// ============================================================================

func (s *Store) CreateRun(ctx context.Context, run *model.WorkflowRun) error {
	return insertOne(ctx, s.col(ColRuns), run)
}

func (s *Store) GetRun(ctx context.Context, id string) (*model.WorkflowRun, error) {
	return findOne[model.WorkflowRun](ctx, s.col(ColRuns), bson.D{{Key: "_id", Value: id}})
}

// FinishRun 仅当执行仍为 running 时写入终态
func (s *Store) FinishRun(ctx context.Context, id string, status model.RunStatus, output []byte, errMsg *string) error {
	ts := storage.Now()
	set := bson.D{
		{Key: "status", Value: status},
		{Key: "updated_at", Value: ts},
		{Key: "finished_at", Value: ts},
	}
	if len(output) > 0 {
		set = append(set, bson.E{Key: "output", Value: output})
	}
	if errMsg != nil {
		set = append(set, bson.E{Key: "error", Value: *errMsg})
	}

	filter := bson.D{{Key: "_id", Value: id}, {Key: "status", Value: model.RunStatusRunning}}
	res, err := s.col(ColRuns).UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return storage.ErrConflict
	}
	return nil
}

func (s *Store) ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]*model.WorkflowRun, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return findMany[model.WorkflowRun](ctx, s.col(ColRuns), bson.D{{Key: "status", Value: status}}, opts)
}

// ============================================================================
// StepStore
// ============================================================================

func (s *Store) SaveStep(ctx context.Context, rec *model.StepRecord) error {
	return insertOne(ctx, s.col(ColSteps), rec)
}

func (s *Store) GetStep(ctx context.Context, runID string, stepIndex int) (*model.StepRecord, error) {
	filter := bson.D{{Key: "run_id", Value: runID}, {Key: "step_index", Value: stepIndex}}
	return findOne[model.StepRecord](ctx, s.col(ColSteps), filter)
}

func (s *Store) ListSteps(ctx context.Context, runID string) ([]*model.StepRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "step_index", Value: 1}})
	return findMany[model.StepRecord](ctx, s.col(ColSteps), bson.D{{Key: "run_id", Value: runID}}, opts)
}

// ============================================================================
// ChunkStore
// ============================================================================

// AppendChunk 依赖 (run_id, seq) 唯一索引，重复写入返回 false
func (s *Store) AppendChunk(ctx context.Context, chunk *model.StreamChunk) (bool, error) {
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = storage.Now()
	}
	err := insertOne(ctx, s.col(ColChunks), chunk)
	if errors.Is(err, storage.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListChunks(ctx context.Context, runID string, fromSeq int64, limit int) ([]*model.StreamChunk, error) {
	filter := bson.D{
		{Key: "run_id", Value: runID},
		{Key: "seq", Value: bson.D{{Key: "$gte", Value: fromSeq}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return findMany[model.StreamChunk](ctx, s.col(ColChunks), filter, opts)
}

func (s *Store) CountChunks(ctx context.Context, runID string) (int64, error) {
	n, err := s.col(ColChunks).CountDocuments(ctx, bson.D{{Key: "run_id", Value: runID}})
	return n, wrapError(err)
}
