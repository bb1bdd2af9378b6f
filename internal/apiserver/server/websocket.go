package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许跨域（开发环境）
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// StreamFrame WebSocket 帧：一个分片及其序号
type StreamFrame struct {
	Seq   int64           `json:"seq"`
	Chunk json.RawMessage `json:"chunk"`
}

// StreamWebSocket 通过 WebSocket 恢复输出流
//
// 路由: GET /ws/runs/{id}/stream?startIndex=N
//
// 按序号顺序推送 StreamFrame，流结束后以 1000 正常关闭。
// 客户端断开时停止读取。
func (h *Handler) StreamWebSocket(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	start, err := bindStartIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := h.engine.GetRun(r.Context(), runID)
	if err != nil {
		h.writeRunError(w, err)
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed", "run_id", runID)
		return
	}
	defer conn.Close()
	h.metrics.WSConnectionOpened()
	defer h.metrics.WSConnectionClosed()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go readPump(conn, cancel)

	stream := run.Readable(ctx, start)
	defer stream.Close()
	h.metrics.StreamOpened("ws")
	defer h.metrics.StreamClosed("ws")

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	chunks := stream.Chunks()
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				closeCode, reason := websocket.CloseNormalClosure, "stream finished"
				if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
					closeCode, reason = websocket.CloseInternalServerErr, "stream failed"
					h.logger.WithRunID(runID).WithError(err).Warn("Run stream ended with error")
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(StreamFrame{Seq: c.Seq, Chunk: c.Payload}); err != nil {
				return
			}
			h.metrics.RecordChunk("ws")
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 读取并丢弃客户端消息，连接断开时取消读取
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
