package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"app-builder/internal/shared/errkind"
	"app-builder/internal/shared/model"
	"app-builder/internal/shared/storage"
	"app-builder/pkg/logging"
)

// Context 工作流函数的执行上下文
//
// 分配步骤序号与分片序号；写分片在执行内串行，保证日志按序号顺序追加。
type Context struct {
	context.Context

	engine *Engine
	run    *model.WorkflowRun
	logger *logging.Logger

	mu       sync.Mutex
	nextStep int

	writeMu sync.Mutex
	seq     int64
	// resumed 恢复的执行在第一个未记录步骤前与日志对齐分片序号
	resumed bool
}

func newContext(ctx context.Context, e *Engine, run *model.WorkflowRun, resumed bool) *Context {
	ctx = context.WithValue(ctx, logging.RunIDKey, run.ID)
	return &Context{
		Context: ctx,
		engine:  e,
		run:     run,
		logger:  e.logger.WithRunID(run.ID),
		resumed: resumed,
	}
}

// RunID 执行 ID
func (c *Context) RunID() string { return c.run.ID }

// Workflow 工作流名称
func (c *Context) Workflow() string { return c.run.Workflow }

// Logger 带 run_id 的日志器
func (c *Context) Logger() *logging.Logger { return c.logger }

// Write 向输出流追加一个分片
func (c *Context) Write(payload any) error {
	return c.write(payload, false)
}

func (c *Context) writeFinal(payload any) error {
	return c.write(payload, true)
}

func (c *Context) write(payload any, final bool) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	chunk := &model.StreamChunk{
		RunID:     c.run.ID,
		Seq:       c.seq,
		Payload:   raw,
		Final:     final,
		CreatedAt: storage.Now(),
	}
	ctx := c.Context
	if final {
		ctx = context.WithoutCancel(ctx)
	}
	if err := c.engine.appendChunk(ctx, chunk); err != nil {
		return err
	}
	c.seq++
	return nil
}

// reserve 按调用顺序分配 n 个连续步骤序号
func (c *Context) reserve(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	first := c.nextStep
	c.nextStep += n
	return first
}

// cursor 当前分片序号
func (c *Context) cursor() int64 {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.seq
}

// advanceCursor 重放步骤后将序号推进到记录的游标
func (c *Context) advanceCursor(to int64) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if to > c.seq {
		c.seq = to
	}
}

// alignCursor 恢复的执行执行第一个新步骤前，跳过上次中断时已写入的分片
func (c *Context) alignCursor() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.resumed {
		return nil
	}
	n, err := c.engine.store.CountChunks(c.Context, c.run.ID)
	if err != nil {
		return fmt.Errorf("count chunks: %w", err)
	}
	if n > c.seq {
		c.logger.Info("Skipping chunks of interrupted step", "from", c.seq, "to", n)
		c.seq = n
	}
	c.resumed = false
	return nil
}

// ============================================================================
// StepContext
// ============================================================================

// StepContext 步骤体的执行上下文
type StepContext struct {
	context.Context

	wc       *Context
	index    int
	name     string
	parallel bool
	logger   *logging.Logger
}

// RunID 执行 ID
func (s *StepContext) RunID() string { return s.wc.run.ID }

// Index 步骤序号
func (s *StepContext) Index() int { return s.index }

// Name 步骤名称
func (s *StepContext) Name() string { return s.name }

// Logger 带 run_id / step 的日志器
func (s *StepContext) Logger() *logging.Logger { return s.logger }

// Write 向输出流追加一个分片，并行步骤内返回 ErrWriteInParallelStep
func (s *StepContext) Write(payload any) error {
	if s.parallel {
		return ErrWriteInParallelStep
	}
	return s.wc.Write(payload)
}

// ============================================================================
// Step
// ============================================================================

// Step 执行一个记忆化步骤
//
// 已有记录时直接返回记录的结果或还原的错误，不调用 fn。
// input 参与内容哈希，重放时名称或输入不一致返回 ErrNonDeterministic。
func Step[T any](wc *Context, name string, input any, fn func(sc *StepContext) (T, error)) (T, error) {
	var zero T
	idx := wc.reserve(1)
	raw, err := runStep(wc, idx, name, input, false, func(sc *StepContext) (any, error) {
		return fn(sc)
	})
	if err != nil {
		return zero, err
	}
	return decodeResult[T](raw, name)
}

// Task 并行步骤描述
type Task[T any] struct {
	Name  string
	Input any
	Fn    func(sc *StepContext) (T, error)
}

// All 并发执行一组步骤
//
// 步骤序号按 tasks 顺序连续分配，与实际完成顺序无关；已记录的步骤直接重放。
// 返回与 tasks 一一对应的结果与错误。
func All[T any](wc *Context, tasks []Task[T]) ([]T, []error) {
	results := make([]T, len(tasks))
	errs := make([]error, len(tasks))
	if len(tasks) == 0 {
		return results, errs
	}
	first := wc.reserve(len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task Task[T]) {
			defer wg.Done()
			raw, err := runStep(wc, first+i, task.Name, task.Input, true, func(sc *StepContext) (any, error) {
				return task.Fn(sc)
			})
			if err != nil {
				errs[i] = err
				return
			}
			results[i], errs[i] = decodeResult[T](raw, task.Name)
		}(i, task)
	}
	wg.Wait()
	return results, errs
}

func decodeResult[T any](raw json.RawMessage, name string) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode result of step %q: %w", name, err)
	}
	return v, nil
}

// runStep 步骤记忆化的核心流程
func runStep(wc *Context, idx int, name string, input any, parallel bool, fn func(sc *StepContext) (any, error)) (json.RawMessage, error) {
	log := wc.logger.WithStep(idx, name)
	label := stepLabel(name)

	hash, err := inputHash(name, input)
	if err != nil {
		return nil, err
	}

	rec, err := wc.engine.store.GetStep(wc, wc.run.ID, idx)
	switch {
	case err == nil:
		return replay(wc, rec, name, hash, label)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("load step %d: %w", idx, err)
	}

	if err := wc.alignCursor(); err != nil {
		return nil, err
	}

	sc := &StepContext{
		Context:  context.WithValue(wc.Context, logging.StepKey, name),
		wc:       wc,
		index:    idx,
		name:     name,
		parallel: parallel,
		logger:   log,
	}

	started := time.Now()
	result, stepErr := invokeStep(fn, sc)
	if stepErr != nil && wc.Err() != nil {
		// 执行被挂起（关闭或租约丢失），不记录，恢复后重新执行
		return nil, stepErr
	}
	stepDuration.WithLabelValues(label).Observe(time.Since(started).Seconds())

	rec = &model.StepRecord{
		RunID:       wc.run.ID,
		StepIndex:   idx,
		StepName:    name,
		InputHash:   hash,
		ChunkCursor: wc.cursor(),
		CompletedAt: storage.Now(),
	}
	if stepErr != nil {
		rec.Error = &model.StepError{Kind: errkind.Of(stepErr), Message: stepErr.Error()}
		stepsTotal.WithLabelValues(label, "failed").Inc()
		log.WithError(stepErr).Warn("Step failed")
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode result of step %q: %w", name, err)
		}
		rec.Result = raw
		stepsTotal.WithLabelValues(label, "executed").Inc()
		log.Debug("Step completed")
	}

	if err := wc.engine.store.SaveStep(context.WithoutCancel(wc), rec); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			existing, getErr := wc.engine.store.GetStep(wc, wc.run.ID, idx)
			if getErr != nil {
				return nil, fmt.Errorf("load step %d: %w", idx, getErr)
			}
			return replay(wc, existing, name, hash, label)
		}
		return nil, fmt.Errorf("save step %d: %w", idx, err)
	}

	if stepErr != nil {
		return nil, stepErr
	}
	return rec.Result, nil
}

func replay(wc *Context, rec *model.StepRecord, name, hash, label string) (json.RawMessage, error) {
	if rec.StepName != name {
		return nil, nonDeterministic(rec.StepIndex, rec.StepName, name)
	}
	if rec.InputHash != hash {
		return nil, fmt.Errorf("%w: step %d %q input changed", ErrNonDeterministic, rec.StepIndex, name)
	}
	wc.advanceCursor(rec.ChunkCursor)
	stepsTotal.WithLabelValues(label, "replayed").Inc()
	if rec.Failed() {
		return nil, errkind.Rebuild(rec.Error.Kind, rec.Error.Message)
	}
	return rec.Result, nil
}

func invokeStep(fn func(sc *StepContext) (any, error), sc *StepContext) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn(sc)
}
