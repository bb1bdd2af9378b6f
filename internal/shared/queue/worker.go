package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrClosed 队列已关闭
var ErrClosed = errors.New("queue closed")

// Handler 处理一条消息
type Handler func(ctx context.Context, job *Job) error

// Worker 后台任务消费者
//
// 按 Kind 分发消息，处理失败只记录日志并确认，不重试。
type Worker struct {
	queue      JobQueue
	consumerID string
	handlers   map[string]Handler
	block      time.Duration
	logger     *slog.Logger
}

// NewWorker 创建 Worker
func NewWorker(q JobQueue, consumerID string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:      q,
		consumerID: consumerID,
		handlers:   make(map[string]Handler),
		block:      2 * time.Second,
		logger:     logger,
	}
}

// Handle 注册消息处理函数
func (w *Worker) Handle(kind string, h Handler) {
	w.handlers[kind] = h
}

// Run 循环消费直到 ctx 取消或队列关闭
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		jobs, err := w.queue.Consume(ctx, w.consumerID, 10, w.block)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
			w.logger.Warn("consume jobs failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, job := range jobs {
			w.dispatch(ctx, job)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, job *Job) {
	defer func() {
		if err := w.queue.Ack(context.WithoutCancel(ctx), job.ID); err != nil {
			w.logger.Warn("ack job failed", "job_id", job.ID, "error", err)
		}
	}()

	h, ok := w.handlers[job.Kind]
	if !ok {
		w.logger.Warn("no handler for job", "kind", job.Kind, "job_id", job.ID)
		return
	}
	start := time.Now()
	if err := h(ctx, job); err != nil {
		w.logger.Warn("job failed", "kind", job.Kind, "job_id", job.ID, "error", err)
		return
	}
	w.logger.Debug("job done", "kind", job.Kind, "job_id", job.ID, "duration_ms", time.Since(start).Milliseconds())
}
