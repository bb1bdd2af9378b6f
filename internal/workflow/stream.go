package workflow

import (
	"context"
	"time"

	"app-builder/internal/shared/model"
)

// readBatch 单次从日志读取的分片数
const readBatch = 500

// Stream 执行输出流的一个读取方
//
// 从 startIndex 起按序号顺序投递分片，不重复、不跳号；
// 读到 Final 分片或执行进入终态且日志读尽时关闭。
type Stream struct {
	ch     chan *model.StreamChunk
	cancel context.CancelFunc
	err    error
	done   chan struct{}
}

// Chunks 分片通道，流结束时关闭
func (s *Stream) Chunks() <-chan *model.StreamChunk {
	return s.ch
}

// Err 通道关闭后返回结束原因：正常结束为 nil
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Close 提前结束读取
func (s *Stream) Close() {
	s.cancel()
}

// Collect 读取全部分片直到流结束（测试与同步调用使用）
func (s *Stream) Collect() ([]*model.StreamChunk, error) {
	var out []*model.StreamChunk
	for c := range s.ch {
		out = append(out, c)
	}
	return out, s.Err()
}

// openStream 先订阅总线再读日志，读日志期间到达的实时分片不会丢失
func (e *Engine) openStream(parent context.Context, runID string, start int64) *Stream {
	ctx, cancel := context.WithCancel(parent)
	s := &Stream{
		ch:     make(chan *model.StreamChunk),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	live, err := e.bus.SubscribeChunks(ctx, runID)
	if err != nil {
		e.logger.WithRunID(runID).WithError(err).Warn("Chunk subscription failed, falling back to polling")
		live = nil
	}

	streamReaders.Inc()
	go func() {
		defer streamReaders.Dec()
		defer close(s.done)
		defer close(s.ch)
		defer cancel()
		r := &reader{engine: e, runID: runID, next: start, out: s.ch}
		s.err = r.loop(ctx, live)
	}()
	return s
}

type reader struct {
	engine *Engine
	runID  string
	next   int64
	out    chan<- *model.StreamChunk
}

func (r *reader) loop(ctx context.Context, live <-chan *model.StreamChunk) error {
	final, err := r.backfill(ctx)
	if err != nil || final {
		return err
	}
	if done, err := r.terminal(ctx); err != nil || done {
		return err
	}

	ticker := time.NewTicker(r.engine.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c, ok := <-live:
			if !ok {
				live = nil
				continue
			}
			switch {
			case c.Seq < r.next:
				continue
			case c.Seq == r.next:
				if !r.deliver(ctx, c) {
					return ctx.Err()
				}
				if c.Final {
					return nil
				}
			default:
				final, err := r.backfill(ctx)
				if err != nil || final {
					return err
				}
			}

		case <-ticker.C:
			final, err := r.backfill(ctx)
			if err != nil || final {
				return err
			}
			if done, err := r.terminal(ctx); err != nil || done {
				return err
			}
		}
	}
}

// backfill 从日志按序号连续投递，遇到缺口停止；返回是否已投递 Final 分片
func (r *reader) backfill(ctx context.Context) (bool, error) {
	for {
		chunks, err := r.engine.store.ListChunks(ctx, r.runID, r.next, readBatch)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, err
		}
		for _, c := range chunks {
			if c.Seq != r.next {
				return false, nil
			}
			if !r.deliver(ctx, c) {
				return false, ctx.Err()
			}
			if c.Final {
				return true, nil
			}
		}
		if len(chunks) < readBatch {
			return false, nil
		}
	}
}

// terminal 执行已进入终态时读尽日志并返回 true
//
// 终态在最后一个分片写入之后才落盘，因此此时日志已完整。
func (r *reader) terminal(ctx context.Context) (bool, error) {
	run, err := r.engine.store.GetRun(ctx, r.runID)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	}
	if !run.Status.IsTerminal() {
		return false, nil
	}
	if _, err := r.backfill(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (r *reader) deliver(ctx context.Context, c *model.StreamChunk) bool {
	select {
	case r.out <- c:
		r.next = c.Seq + 1
		return true
	case <-ctx.Done():
		return false
	}
}
