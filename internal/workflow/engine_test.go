package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"app-builder/internal/shared/errkind"
	"app-builder/internal/shared/lease"
	"app-builder/internal/shared/model"
	"app-builder/internal/shared/storage"
	sqlitedriver "app-builder/internal/shared/storage/driver/sqlite"
	"app-builder/internal/shared/storage/repository"
	"app-builder/pkg/logging"
)

type kindTestError struct{ msg string }

func (e *kindTestError) Error() string { return e.msg }
func (e *kindTestError) Kind() string  { return "KindTestError" }

func init() {
	errkind.Register("KindTestError", func(m string) error { return &kindTestError{msg: m} })
}

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	s := repository.NewStore(db, dialect)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T) (*Engine, *repository.Store) {
	t.Helper()
	store := newTestStore(t)
	e := NewEngine(Options{
		Store:        store,
		Owner:        "test",
		Logger:       logging.Discard(),
		PollInterval: 20 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e, store
}

func chunkTypes(t *testing.T, chunks []*model.StreamChunk) []string {
	t.Helper()
	var out []string
	for _, c := range chunks {
		var p model.UIChunk
		require.NoError(t, json.Unmarshal(c.Payload, &p))
		out = append(out, p.Type)
	}
	return out
}

func seqs(chunks []*model.StreamChunk) []int64 {
	var out []int64
	for _, c := range chunks {
		out = append(out, c.Seq)
	}
	return out
}

func waitRun(t *testing.T, e *Engine, runID string) *Run {
	t.Helper()
	var run *Run
	require.Eventually(t, func() bool {
		r, err := e.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

// ============================================================================
// 基本生命周期
// ============================================================================

func TestStart_CompletesAndStreams(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Register("greet", func(wc *Context, input json.RawMessage) (any, error) {
		var args struct{ Name string }
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, err
		}
		msg, err := Step(wc, "compose", args.Name, func(sc *StepContext) (string, error) {
			if err := sc.Write(model.UIChunk{Type: model.ChunkTextDelta, Delta: "hi "}); err != nil {
				return "", err
			}
			return "hello " + args.Name, nil
		})
		if err != nil {
			return nil, err
		}
		if err := wc.Write(model.UIChunk{Type: model.ChunkTextDelta, Delta: msg}); err != nil {
			return nil, err
		}
		return msg, nil
	})

	h, err := e.Start(context.Background(), "greet", map[string]string{"Name": "ada"})
	require.NoError(t, err)
	require.NotEmpty(t, h.RunID)

	chunks, err := h.Readable.Collect()
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2}, seqs(chunks))
	assert.Equal(t, []string{model.ChunkTextDelta, model.ChunkTextDelta, model.ChunkFinish}, chunkTypes(t, chunks))
	assert.True(t, chunks[2].Final)

	run := waitRun(t, e, h.RunID)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.JSONEq(t, `"hello ada"`, string(run.Output))

	steps, err := run.Steps(context.Background())
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "compose", steps[0].StepName)
	assert.Equal(t, int64(1), steps[0].ChunkCursor)
}

func TestStart_UnknownWorkflow(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Start(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestGetRun_NotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.GetRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

// ============================================================================
// 失败语义
// ============================================================================

func TestStepFailure_FailsRunWithErrorChunk(t *testing.T) {
	e, _ := newTestEngine(t)
	var calls atomic.Int32
	e.Register("boom", func(wc *Context, _ json.RawMessage) (any, error) {
		_, err := Step(wc, "explode", nil, func(sc *StepContext) (int, error) {
			calls.Add(1)
			return 0, &kindTestError{msg: "kaboom"}
		})
		return nil, err
	})

	h, err := e.Start(context.Background(), "boom", nil)
	require.NoError(t, err)
	chunks, err := h.Readable.Collect()
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	var p model.UIChunk
	require.NoError(t, json.Unmarshal(chunks[0].Payload, &p))
	assert.Equal(t, model.ChunkError, p.Type)
	assert.Equal(t, "kaboom", p.ErrorText)
	assert.True(t, chunks[0].Final)

	run := waitRun(t, e, h.RunID)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "kaboom", *run.Error)

	steps, err := run.Steps(context.Background())
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.NotNil(t, steps[0].Error)
	assert.Equal(t, "KindTestError", steps[0].Error.Kind)

	// 重放返回记录的错误，不再调用步骤体
	wc := newContext(context.Background(), e, run.WorkflowRun, true)
	_, err = Step(wc, "explode", nil, func(sc *StepContext) (int, error) {
		calls.Add(1)
		return 1, nil
	})
	var kerr *kindTestError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, "kaboom", kerr.msg)
	assert.Equal(t, int32(1), calls.Load())

	// 结束后重连：收到完整历史后关闭
	again, err := run.Readable(context.Background(), 0).Collect()
	require.NoError(t, err)
	assert.Equal(t, seqs(chunks), seqs(again))
}

func TestPanicFailsRun(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Register("panics", func(wc *Context, _ json.RawMessage) (any, error) {
		panic("bad state")
	})
	h, err := e.Start(context.Background(), "panics", nil)
	require.NoError(t, err)
	_, err = h.Readable.Collect()
	require.NoError(t, err)
	run := waitRun(t, e, h.RunID)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, *run.Error, "bad state")
}

// ============================================================================
// 记忆化
// ============================================================================

func TestStepMemoization_ReplayDoesNotReexecute(t *testing.T) {
	e, store := newTestEngine(t)
	var counter atomic.Int32
	fn := func(wc *Context, _ json.RawMessage) (any, error) {
		n, err := Step(wc, "increment", nil, func(sc *StepContext) (int32, error) {
			return counter.Add(1), nil
		})
		if err != nil {
			return nil, err
		}
		if err := wc.Write(model.UIChunk{Type: model.ChunkTextDelta, Delta: "counted"}); err != nil {
			return nil, err
		}
		return n, nil
	}
	e.Register("count", fn)

	h, err := e.Start(context.Background(), "count", nil)
	require.NoError(t, err)
	_, err = h.Readable.Collect()
	require.NoError(t, err)
	run := waitRun(t, e, h.RunID)
	before, err := store.CountChunks(context.Background(), h.RunID)
	require.NoError(t, err)

	// 模拟重启后从第 0 步重放
	wc := newContext(context.Background(), e, run.WorkflowRun, true)
	out, err := invoke(fn, wc, run.Input)
	require.NoError(t, err)
	assert.Equal(t, int32(1), out)
	assert.Equal(t, int32(1), counter.Load())

	after, err := store.CountChunks(context.Background(), h.RunID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestReplay_NonDeterministic(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	run := &model.WorkflowRun{ID: "run-nd", Workflow: "x", Status: model.RunStatusRunning, CreatedAt: storage.Now(), UpdatedAt: storage.Now()}
	require.NoError(t, store.CreateRun(ctx, run))
	hash, err := inputHash("first", 1)
	require.NoError(t, err)
	require.NoError(t, store.SaveStep(ctx, &model.StepRecord{
		RunID: run.ID, StepIndex: 0, StepName: "first", InputHash: hash, Result: json.RawMessage(`1`), CompletedAt: storage.Now(),
	}))

	wc := newContext(ctx, e, run, true)
	_, err = Step(wc, "other", 1, func(sc *StepContext) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrNonDeterministic)

	wc = newContext(ctx, e, run, true)
	_, err = Step(wc, "first", 2, func(sc *StepContext) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrNonDeterministic)

	wc = newContext(ctx, e, run, true)
	v, err := Step(wc, "first", 1, func(sc *StepContext) (int, error) { return 0, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestInputHash(t *testing.T) {
	a, err := inputHash("step", map[string]int{"a": 1})
	require.NoError(t, err)
	b, err := inputHash("step", map[string]int{"a": 1})
	require.NoError(t, err)
	c, err := inputHash("step", map[string]int{"a": 2})
	require.NoError(t, err)
	d, err := inputHash("ste", "p")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 64)
}

// ============================================================================
// 并行步骤
// ============================================================================

func TestAll_OrderedResultsAndIndexes(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Register("fanout", func(wc *Context, _ json.RawMessage) (any, error) {
		var tasks []Task[int]
		for i := 0; i < 3; i++ {
			i := i
			tasks = append(tasks, Task[int]{
				Name:  "task:" + string(rune('a'+i)),
				Input: i,
				Fn: func(sc *StepContext) (int, error) {
					time.Sleep(time.Duration(3-i) * 10 * time.Millisecond)
					if i == 1 {
						return 0, sc.Write("not allowed")
					}
					return i * 10, nil
				},
			})
		}
		results, errs := All(wc, tasks)
		assert.ErrorIs(t, errs[1], ErrWriteInParallelStep)
		return results, errs[0]
	})

	h, err := e.Start(context.Background(), "fanout", nil)
	require.NoError(t, err)
	h.Readable.Close()
	run := waitRun(t, e, h.RunID)
	require.Equal(t, model.RunStatusCompleted, run.Status)
	assert.JSONEq(t, `[0,0,20]`, string(run.Output))

	steps, err := run.Steps(context.Background())
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, s := range steps {
		assert.Equal(t, i, s.StepIndex)
		assert.Equal(t, "task:"+string(rune('a'+i)), s.StepName)
	}
	assert.NotNil(t, steps[1].Error)
}

// ============================================================================
// 输出流
// ============================================================================

func TestReadable_ConcurrentReadersSeeSameOrder(t *testing.T) {
	e, _ := newTestEngine(t)
	gate := make(chan struct{})
	e.Register("chatty", func(wc *Context, _ json.RawMessage) (any, error) {
		<-gate
		for i := 0; i < 50; i++ {
			if err := wc.Write(model.UIChunk{Type: model.ChunkTextDelta, Delta: "x"}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	h, err := e.Start(context.Background(), "chatty", nil)
	require.NoError(t, err)
	h.Readable.Close()
	run, err := e.GetRun(context.Background(), h.RunID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]int64, 2)
	for i := range results {
		s := run.Readable(context.Background(), 0)
		wg.Add(1)
		go func(i int, s *Stream) {
			defer wg.Done()
			chunks, err := s.Collect()
			assert.NoError(t, err)
			results[i] = seqs(chunks)
		}(i, s)
	}
	close(gate)
	wg.Wait()

	require.Len(t, results[0], 51)
	assert.Equal(t, results[0], results[1])
	for i, s := range results[0] {
		assert.Equal(t, int64(i), s)
	}
}

func TestReadable_ResumeAtCurrentCount(t *testing.T) {
	e, store := newTestEngine(t)
	gate := make(chan struct{})
	e.Register("gated", func(wc *Context, _ json.RawMessage) (any, error) {
		for i := 0; i < 2; i++ {
			if err := wc.Write(model.UIChunk{Type: model.ChunkTextDelta, Delta: "before"}); err != nil {
				return nil, err
			}
		}
		<-gate
		for i := 0; i < 2; i++ {
			if err := wc.Write(model.UIChunk{Type: model.ChunkTextDelta, Delta: "after"}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	h, err := e.Start(context.Background(), "gated", nil)
	require.NoError(t, err)
	h.Readable.Close()

	require.Eventually(t, func() bool {
		n, err := store.CountChunks(context.Background(), h.RunID)
		return err == nil && n == 2
	}, 5*time.Second, 10*time.Millisecond)

	run, err := e.GetRun(context.Background(), h.RunID)
	require.NoError(t, err)
	s := run.Readable(context.Background(), 2)

	select {
	case c := <-s.Chunks():
		t.Fatalf("unexpected chunk before release: %d", c.Seq)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	chunks, err := s.Collect()
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4}, seqs(chunks))
	assert.Equal(t, []string{model.ChunkTextDelta, model.ChunkTextDelta, model.ChunkFinish}, chunkTypes(t, chunks))
}

func TestReadable_StartBeyondEndOfFinishedRun(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Register("noop", func(wc *Context, _ json.RawMessage) (any, error) { return nil, nil })
	h, err := e.Start(context.Background(), "noop", nil)
	require.NoError(t, err)
	_, err = h.Readable.Collect()
	require.NoError(t, err)
	run := waitRun(t, e, h.RunID)

	chunks, err := run.Readable(context.Background(), 10).Collect()
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestReadable_CloseStopsReader(t *testing.T) {
	e, _ := newTestEngine(t)
	block := make(chan struct{})
	defer close(block)
	e.Register("blocked", func(wc *Context, _ json.RawMessage) (any, error) {
		<-block
		return nil, nil
	})
	h, err := e.Start(context.Background(), "blocked", nil)
	require.NoError(t, err)
	h.Readable.Close()
	assert.ErrorIs(t, h.Readable.Err(), context.Canceled)
}

// ============================================================================
// 恢复与挂起
// ============================================================================

func TestRecover_ReplaysRecordedSteps(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	var first, second atomic.Int32
	e.Register("two-steps", func(wc *Context, _ json.RawMessage) (any, error) {
		a, err := Step(wc, "first", nil, func(sc *StepContext) (int, error) {
			first.Add(1)
			return 1, nil
		})
		if err != nil {
			return nil, err
		}
		b, err := Step(wc, "second", a, func(sc *StepContext) (int, error) {
			second.Add(1)
			if err := sc.Write(model.UIChunk{Type: model.ChunkTextDelta, Delta: "second"}); err != nil {
				return 0, err
			}
			return a + 1, nil
		})
		return b, err
	})

	// 上一个进程：第一步已记录，第二步执行中写入一个分片后崩溃
	run := &model.WorkflowRun{ID: "run-recover", Workflow: "two-steps", Status: model.RunStatusRunning, Input: json.RawMessage(`null`), CreatedAt: storage.Now(), UpdatedAt: storage.Now()}
	require.NoError(t, store.CreateRun(ctx, run))
	hash, err := inputHash("first", nil)
	require.NoError(t, err)
	require.NoError(t, store.SaveStep(ctx, &model.StepRecord{
		RunID: run.ID, StepIndex: 0, StepName: "first", InputHash: hash, Result: json.RawMessage(`1`), CompletedAt: storage.Now(),
	}))
	_, err = store.AppendChunk(ctx, &model.StreamChunk{RunID: run.ID, Seq: 0, Payload: json.RawMessage(`{"type":"text-delta","delta":"partial"}`), CreatedAt: storage.Now()})
	require.NoError(t, err)

	n, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	e.Wait()

	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())

	rec, err := e.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, rec.Status)
	assert.JSONEq(t, `2`, string(rec.Output))

	chunks, err := rec.Readable(ctx, 0).Collect()
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2}, seqs(chunks))
	assert.Equal(t, []string{model.ChunkTextDelta, model.ChunkTextDelta, model.ChunkFinish}, chunkTypes(t, chunks))
}

func TestRecover_SkipsHeldRuns(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	e.Register("held", func(wc *Context, _ json.RawMessage) (any, error) { return nil, nil })
	run := &model.WorkflowRun{ID: "run-held", Workflow: "held", Status: model.RunStatusRunning, CreatedAt: storage.Now(), UpdatedAt: storage.Now()}
	require.NoError(t, store.CreateRun(ctx, run))

	ls, err := e.leases.Acquire(ctx, run.ID, "other-executor")
	require.NoError(t, err)
	defer ls.Release(ctx)

	n, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// losableLeases 在本地租约之上允许测试主动让租约丢失
type losableLeases struct {
	*lease.Local
	mu     sync.Mutex
	issued []*losableLease
}

type losableLease struct {
	lease.Lease
	lost chan struct{}
	once sync.Once
}

func (l *losableLease) Lost() <-chan struct{} { return l.lost }

func (l *losableLeases) Acquire(ctx context.Context, key, owner string) (lease.Lease, error) {
	ls, err := l.Local.Acquire(ctx, key, owner)
	if err != nil {
		return nil, err
	}
	wrapped := &losableLease{Lease: ls, lost: make(chan struct{})}
	l.mu.Lock()
	l.issued = append(l.issued, wrapped)
	l.mu.Unlock()
	return wrapped, nil
}

func (l *losableLeases) loseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ls := range l.issued {
		ls.once.Do(func() { close(ls.lost) })
	}
}

func TestRecoverLoop_ResumesRunAfterLeaseLost(t *testing.T) {
	store := newTestStore(t)
	leases := &losableLeases{Local: lease.NewLocal()}
	e := NewEngine(Options{
		Store:        store,
		Leases:       leases,
		Owner:        "test",
		Logger:       logging.Discard(),
		PollInterval: 20 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})

	entered := make(chan struct{})
	var attempts atomic.Int32
	e.Register("lossy", func(wc *Context, _ json.RawMessage) (any, error) {
		return Step(wc, "wait", nil, func(sc *StepContext) (int, error) {
			if attempts.Add(1) == 1 {
				close(entered)
				<-sc.Done()
				return 0, sc.Err()
			}
			return 7, nil
		})
	})

	h, err := e.Start(context.Background(), "lossy", nil)
	require.NoError(t, err)
	defer h.Readable.Close()
	<-entered
	leases.loseAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.RecoverLoop(ctx, 20*time.Millisecond)

	type result struct {
		chunks []*model.StreamChunk
		err    error
	}
	done := make(chan result, 1)
	go func() {
		chunks, err := h.Readable.Collect()
		done <- result{chunks, err}
	}()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		types := chunkTypes(t, res.chunks)
		require.NotEmpty(t, types)
		assert.Equal(t, model.ChunkFinish, types[len(types)-1])
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after lease loss")
	}

	run := waitRun(t, e, h.RunID)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.JSONEq(t, `7`, string(run.Output))
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRecoverLoop_StopsOnShutdown(t *testing.T) {
	e, _ := newTestEngine(t)
	stopped := make(chan struct{})
	go func() {
		e.RecoverLoop(context.Background(), 10*time.Millisecond)
		close(stopped)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("recover loop kept running after shutdown")
	}
	_, err := e.Recover(context.Background())
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestShutdown_SuspendsWithoutRecording(t *testing.T) {
	e, store := newTestEngine(t)
	started := make(chan struct{})
	e.Register("long", func(wc *Context, _ json.RawMessage) (any, error) {
		return Step(wc, "wait", nil, func(sc *StepContext) (int, error) {
			close(started)
			<-sc.Done()
			return 0, sc.Err()
		})
	})

	h, err := e.Start(context.Background(), "long", nil)
	require.NoError(t, err)
	h.Readable.Close()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	run, err := store.GetRun(context.Background(), h.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	steps, err := store.ListSteps(context.Background(), h.RunID)
	require.NoError(t, err)
	assert.Empty(t, steps)

	_, err = e.Start(context.Background(), "long", nil)
	assert.True(t, errors.Is(err, ErrEngineClosed))
}
