// Package workflow 持久化工作流引擎
//
// 核心概念：
//   - Run：一次工作流执行，由注册名 + JSON 参数启动
//   - Step：记忆化的工作单元，以 (runID, stepIndex) 为键记录结果或错误；
//     重放时直接返回记录，不再执行步骤体
//   - Chunk：输出流分片，序号在执行内单调递增、只追加；重放产生的相同序号分片被忽略
//
// 执行模型：
//   - Start 创建执行记录后立即返回可读流，工作流函数在后台 goroutine 中执行
//   - 同一执行同一时刻只由一个执行体推进（lease 保证单写者）
//   - 步骤不自动重试；未捕获的步骤错误使执行进入 failed 并以 error 分片结束输出流
//   - 进程重启后 Recover 重新进入 running 状态的执行，已记录步骤重放，从第一个未记录步骤继续
//   - RecoverLoop 周期性执行 Recover，接管租约丢失或其他副本退出后无人推进的执行
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"app-builder/internal/shared/eventbus"
	"app-builder/internal/shared/lease"
	"app-builder/internal/shared/model"
	"app-builder/internal/shared/storage"
	"app-builder/pkg/logging"
)

// Func 工作流函数
//
// 函数体必须是确定性的：相同输入、相同步骤结果下发起相同顺序的步骤调用。
// 副作用只能放在步骤内。
type Func func(wc *Context, input json.RawMessage) (any, error)

// Options 引擎配置
type Options struct {
	Store  storage.WorkflowStore
	Bus    eventbus.ChunkBus // 为 nil 时使用进程内总线
	Leases lease.Manager     // 为 nil 时使用进程内租约
	Owner  string            // 执行体标识
	Logger *logging.Logger

	// PollInterval 读取方轮询日志的间隔，补齐总线丢失的分片
	PollInterval time.Duration
}

// Engine 工作流引擎
type Engine struct {
	store        storage.WorkflowStore
	bus          eventbus.ChunkBus
	leases       lease.Manager
	owner        string
	logger       *logging.Logger
	pollInterval time.Duration

	mu        sync.RWMutex
	workflows map[string]Func

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RunHandle Start 的返回值
type RunHandle struct {
	RunID    string
	Readable *Stream
}

// NewEngine 创建引擎
func NewEngine(opts Options) *Engine {
	if opts.Bus == nil {
		opts.Bus = eventbus.NewMemoryBus()
	}
	if opts.Leases == nil {
		opts.Leases = lease.NewLocal()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default("workflow")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Owner == "" {
		opts.Owner = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:        opts.Store,
		bus:          opts.Bus,
		leases:       opts.Leases,
		owner:        opts.Owner,
		logger:       opts.Logger,
		pollInterval: opts.PollInterval,
		workflows:    make(map[string]Func),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Register 注册工作流函数
func (e *Engine) Register(name string, fn Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[name] = fn
}

func (e *Engine) lookup(name string) (Func, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.workflows[name]
	return fn, ok
}

// Start 启动一次执行
//
// 返回的 Readable 从序号 0 开始读取，生命周期绑定 ctx；执行本身不受 ctx 取消影响。
func (e *Engine) Start(ctx context.Context, name string, args any) (*RunHandle, error) {
	if e.ctx.Err() != nil {
		return nil, ErrEngineClosed
	}
	if _, ok := e.lookup(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode workflow input: %w", err)
	}

	now := storage.Now()
	run := &model.WorkflowRun{
		ID:        uuid.NewString(),
		Workflow:  name,
		Status:    model.RunStatusRunning,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	ls, err := e.leases.Acquire(ctx, run.ID, e.owner)
	if err != nil {
		return nil, fmt.Errorf("acquire run lease: %w", err)
	}

	readable := e.openStream(ctx, run.ID, 0)
	runsStarted.WithLabelValues(name, "start").Inc()
	e.launch(run, ls, false)

	e.logger.WithRunID(run.ID).Info("Workflow run started", "workflow", name)
	return &RunHandle{RunID: run.ID, Readable: readable}, nil
}

// GetRun 查询执行，不存在时返回 ErrRunNotFound
func (e *Engine) GetRun(ctx context.Context, runID string) (*Run, error) {
	rec, err := e.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	return &Run{WorkflowRun: rec, engine: e}, nil
}

// Recover 重新进入所有 running 状态且未被其他执行体持有的执行，返回恢复数量
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.ctx.Err() != nil {
		return 0, ErrEngineClosed
	}
	runs, err := e.store.ListRunsByStatus(ctx, model.RunStatusRunning, 0)
	if err != nil {
		return 0, fmt.Errorf("list running runs: %w", err)
	}

	recovered := 0
	for _, run := range runs {
		log := e.logger.WithRunID(run.ID)
		if _, ok := e.lookup(run.Workflow); !ok {
			log.Warn("Skipping run of unregistered workflow", "workflow", run.Workflow)
			continue
		}
		ls, err := e.leases.Acquire(ctx, run.ID, e.owner)
		if err != nil {
			if errors.Is(err, lease.ErrHeld) {
				log.Debug("Run owned by another executor")
				continue
			}
			return recovered, fmt.Errorf("acquire lease for %s: %w", run.ID, err)
		}

		// 列表与获取租约之间执行可能已结束
		current, err := e.store.GetRun(ctx, run.ID)
		if err != nil || current.Status.IsTerminal() {
			if relErr := ls.Release(context.WithoutCancel(ctx)); relErr != nil {
				log.WithError(relErr).Warn("Failed to release run lease")
			}
			if err != nil {
				return recovered, fmt.Errorf("reload run %s: %w", run.ID, err)
			}
			continue
		}

		runsStarted.WithLabelValues(current.Workflow, "recover").Inc()
		e.launch(current, ls, true)
		recovered++
		log.Info("Workflow run recovered", "workflow", current.Workflow)
	}
	return recovered, nil
}

// RecoverLoop 按 interval 周期执行 Recover，直到 ctx 取消或引擎关闭
//
// interval <= 0 时直接返回。
func (e *Engine) RecoverLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			n, err := e.Recover(ctx)
			switch {
			case errors.Is(err, ErrEngineClosed):
				return
			case err != nil:
				e.logger.WithError(err).Warn("Periodic run recovery failed")
			case n > 0:
				e.logger.Info("Recovered orphaned runs", "count", n)
			}
		}
	}
}

// Shutdown 停止推进执行并等待后台 goroutine 退出
//
// 被中断的执行保持 running，下次 Recover 时继续。
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait 等待所有执行结束（测试使用）
func (e *Engine) Wait() {
	e.wg.Wait()
}

// ============================================================================
// 执行
// ============================================================================

func (e *Engine) launch(run *model.WorkflowRun, ls lease.Lease, resumed bool) {
	e.wg.Add(1)
	runsActive.Inc()
	go func() {
		defer e.wg.Done()
		defer runsActive.Dec()
		e.execute(run, ls, resumed)
	}()
}

func (e *Engine) execute(run *model.WorkflowRun, ls lease.Lease, resumed bool) {
	log := e.logger.WithRunID(run.ID)
	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()
	defer func() {
		if err := ls.Release(context.Background()); err != nil {
			log.WithError(err).Warn("Failed to release run lease")
		}
	}()
	go func() {
		select {
		case <-ls.Lost():
			log.Warn("Run lease lost, suspending execution")
			cancel()
		case <-ctx.Done():
		}
	}()

	fn, _ := e.lookup(run.Workflow)
	wc := newContext(ctx, e, run, resumed)

	started := time.Now()
	out, err := invoke(fn, wc, run.Input)
	if ctx.Err() != nil {
		log.Info("Workflow run suspended", "reason", context.Cause(ctx))
		return
	}

	if err != nil {
		e.fail(wc, err)
		log.WithError(err).WithDuration(time.Since(started)).Warn("Workflow run failed")
		return
	}
	e.complete(wc, out)
	log.WithDuration(time.Since(started)).Info("Workflow run completed")
}

func invoke(fn Func, wc *Context, input json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn(wc, input)
}

func (e *Engine) complete(wc *Context, out any) {
	output, err := json.Marshal(out)
	if err != nil {
		e.fail(wc, fmt.Errorf("encode workflow output: %w", err))
		return
	}
	if err := wc.writeFinal(model.UIChunk{Type: model.ChunkFinish}); err != nil {
		wc.logger.WithError(err).Warn("Failed to append finish chunk")
	}
	e.finish(wc, model.RunStatusCompleted, output, nil)
}

func (e *Engine) fail(wc *Context, cause error) {
	msg := cause.Error()
	if err := wc.writeFinal(model.UIChunk{Type: model.ChunkError, ErrorText: msg}); err != nil {
		wc.logger.WithError(err).Warn("Failed to append error chunk")
	}
	e.finish(wc, model.RunStatusFailed, nil, &msg)
}

func (e *Engine) finish(wc *Context, status model.RunStatus, output []byte, errMsg *string) {
	err := e.store.FinishRun(context.WithoutCancel(wc), wc.run.ID, status, output, errMsg)
	switch {
	case err == nil:
		runsFinished.WithLabelValues(wc.run.Workflow, string(status)).Inc()
	case errors.Is(err, storage.ErrConflict):
		wc.logger.Warn("Run already finished")
	default:
		wc.logger.WithError(err).Error("Failed to record run status", "status", status)
	}
}

// ============================================================================
// 分片写入
// ============================================================================

// appendChunk 写入日志并在首次写入时发布到总线
func (e *Engine) appendChunk(ctx context.Context, chunk *model.StreamChunk) error {
	inserted, err := e.store.AppendChunk(ctx, chunk)
	if err != nil {
		return fmt.Errorf("append chunk %d: %w", chunk.Seq, err)
	}
	if !inserted {
		return nil
	}
	chunksAppended.Inc()
	if err := e.bus.PublishChunk(ctx, chunk); err != nil {
		e.logger.WithRunID(chunk.RunID).WithError(err).Warn("Failed to publish chunk", "seq", chunk.Seq)
	}
	return nil
}

// ============================================================================
// Run
// ============================================================================

// Run 已存在的执行
type Run struct {
	*model.WorkflowRun
	engine *Engine
}

// Readable 从 startIndex 开始读取输出流
//
// startIndex 超过当前分片数时先返回空，再继续接收之后的实时分片。
func (r *Run) Readable(ctx context.Context, startIndex int64) *Stream {
	if startIndex < 0 {
		startIndex = 0
	}
	return r.engine.openStream(ctx, r.ID, startIndex)
}

// Steps 已记录的步骤
func (r *Run) Steps(ctx context.Context) ([]*model.StepRecord, error) {
	return r.engine.store.ListSteps(ctx, r.ID)
}

// ChunkCount 已追加的分片数量
func (r *Run) ChunkCount(ctx context.Context) (int64, error) {
	return r.engine.store.CountChunks(ctx, r.ID)
}
