package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"app-builder/internal/shared/model"
	"app-builder/internal/shared/storage"
)

// testStore 创建测试用 Store，使用独立数据库避免污染
func testStore(t *testing.T) *Store {
	t.Helper()

	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	s, err := NewStore(uri, "app_builder_test")
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}

	// 清空测试数据库
	ctx := context.Background()
	if err := s.db.Drop(ctx); err != nil {
		t.Fatalf("Failed to drop test database: %v", err)
	}
	// 重新创建索引
	if err := s.ensureIndexes(ctx); err != nil {
		t.Fatalf("Failed to create indexes: %v", err)
	}

	t.Cleanup(func() {
		s.db.Drop(context.Background())
		s.Close()
	})

	return s
}

func TestRunLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ts := storage.Now()
	run := &model.WorkflowRun{
		ID:        "run-001",
		Workflow:  "build-app",
		Status:    model.RunStatusRunning,
		Input:     json.RawMessage(`{"title":"Notes"}`),
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	running, err := s.ListRunsByStatus(ctx, model.RunStatusRunning, 0)
	if err != nil || len(running) != 1 {
		t.Fatalf("ListRunsByStatus: %v, len=%d", err, len(running))
	}

	if err := s.FinishRun(ctx, "run-001", model.RunStatusCompleted, []byte(`{"ok":true}`), nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := s.FinishRun(ctx, "run-001", model.RunStatusFailed, nil, nil); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("second FinishRun: got %v, want ErrConflict", err)
	}

	got, err := s.GetRun(ctx, "run-001")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != model.RunStatusCompleted || got.FinishedAt == nil {
		t.Errorf("unexpected run: %+v", got)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetRun missing: got %v, want ErrNotFound", err)
	}
}

func TestStepAndChunk(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := &model.StepRecord{
		RunID: "run-1", StepIndex: 0, StepName: "createSandbox",
		InputHash: "h", Result: json.RawMessage(`{"sandboxId":"sb-1"}`),
		ChunkCursor: 2, CompletedAt: storage.Now(),
	}
	if err := s.SaveStep(ctx, rec); err != nil {
		t.Fatalf("SaveStep: %v", err)
	}
	if err := s.SaveStep(ctx, rec); !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("duplicate SaveStep: got %v, want ErrDuplicate", err)
	}
	got, err := s.GetStep(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if got.ChunkCursor != 2 || string(got.Result) != `{"sandboxId":"sb-1"}` {
		t.Errorf("unexpected step: %+v", got)
	}

	for i := int64(0); i < 3; i++ {
		ok, err := s.AppendChunk(ctx, &model.StreamChunk{RunID: "run-1", Seq: i, Payload: json.RawMessage(`{"type":"text-delta"}`)})
		if err != nil || !ok {
			t.Fatalf("AppendChunk %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := s.AppendChunk(ctx, &model.StreamChunk{RunID: "run-1", Seq: 1, Payload: json.RawMessage(`{}`)})
	if err != nil || ok {
		t.Fatalf("replayed AppendChunk: ok=%v err=%v", ok, err)
	}

	chunks, err := s.ListChunks(ctx, "run-1", 1, 0)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Seq != 1 || chunks[1].Seq != 2 {
		t.Errorf("unexpected chunks: %+v", chunks)
	}
	n, err := s.CountChunks(ctx, "run-1")
	if err != nil || n != 3 {
		t.Errorf("CountChunks: n=%d err=%v", n, err)
	}
}

func TestProjectSandboxAndChat(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ids, err := s.CreateProjectWithSandbox(ctx, model.CreateProjectWithSandboxInput{
		Title:             "Todo",
		Description:       "simple todo app",
		SandboxExternalID: "ext-1",
		SandboxURL:        "http://localhost:3000",
		SandboxExpiryDate: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateProjectWithSandbox: %v", err)
	}

	sb, err := s.GetSandboxByExternalID(ctx, "ext-1")
	if err != nil || sb.ID != ids.SandboxID || sb.AgentCoding != model.AgentCodingStarted {
		t.Fatalf("GetSandboxByExternalID: %+v, %v", sb, err)
	}
	if err := s.UpdateSandboxStatus(ctx, sb.ID, model.AgentCodingFinished); err == nil {
		t.Fatal("skipping coding should fail")
	}
	for _, st := range []model.AgentCodingStatus{model.AgentCodingCoding, model.AgentCodingFinished} {
		if err := s.UpdateSandboxStatus(ctx, sb.ID, st); err != nil {
			t.Fatalf("UpdateSandboxStatus %s: %v", st, err)
		}
	}

	if err := s.SaveProjectImage(ctx, ids.ProjectID, "projects/"+ids.ProjectID+".png"); err != nil {
		t.Fatalf("SaveProjectImage: %v", err)
	}
	p, err := s.GetProject(ctx, ids.ProjectID)
	if err != nil || p.Image == nil {
		t.Fatalf("GetProject: %+v, %v", p, err)
	}

	chat, err := s.CreateChat(ctx, "Remix ext-1", "ext-1")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	for _, role := range []model.MessageRole{model.RoleUser, model.RoleAssistant} {
		msg := model.UIMessage{ID: string(role), Role: role, Parts: []model.UIPart{{Type: "text", Text: "hi"}}}
		if _, err := s.CreateChatMessage(ctx, chat.ID, msg); err != nil {
			t.Fatalf("CreateChatMessage: %v", err)
		}
	}
	msgs, err := s.ListMessagesByChat(ctx, chat.ID)
	if err != nil || len(msgs) != 2 || msgs[0].Role != model.RoleUser {
		t.Fatalf("ListMessagesByChat: %+v, %v", msgs, err)
	}
	if _, err := s.CreateChatMessage(ctx, "missing", model.UIMessage{Role: model.RoleUser}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("message on missing chat: got %v", err)
	}

	if err := s.DeleteSandbox(ctx, sb.ID); err != nil {
		t.Fatalf("DeleteSandbox: %v", err)
	}
	if _, err := s.GetProject(ctx, ids.ProjectID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("project should be deleted with sandbox: %v", err)
	}
}
