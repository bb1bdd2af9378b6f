package appflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"app-builder/internal/config"
	"app-builder/internal/llm"
	"app-builder/internal/llm/llmtest"
	"app-builder/internal/sandbox/sandboxtest"
	"app-builder/internal/shared/model"
	"app-builder/internal/shared/objstore"
	"app-builder/internal/shared/queue"
	"app-builder/internal/shared/storage"
	"app-builder/internal/shared/storage/repository"
	"app-builder/internal/tools"
	"app-builder/internal/workflow"
	"app-builder/internal/workflow/workflowtest"
	"app-builder/pkg/logging"
)

// statusRecorder 记录 UpdateSandboxStatus 调用顺序
type statusRecorder struct {
	storage.RecordStore
	mu       sync.Mutex
	statuses []model.AgentCodingStatus
}

func (r *statusRecorder) UpdateSandboxStatus(ctx context.Context, id string, status model.AgentCodingStatus) error {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
	return r.RecordStore.UpdateSandboxStatus(ctx, id, status)
}

type failingQueue struct{ queue.JobQueue }

func (failingQueue) Enqueue(context.Context, string, []byte) (string, error) {
	return "", errors.New("redis down")
}

type env struct {
	engine   *workflow.Engine
	store    *repository.Store
	records  *statusRecorder
	sandbox  *sandboxtest.Fake
	model    *llmtest.Fake
	jobs     *queue.MemoryQueue
	deps     Deps
	defaults config.SandboxDefaults
}

func newEnv(t *testing.T, turns ...llmtest.Turn) *env {
	t.Helper()
	store := workflowtest.NewStore(t)
	e := &env{
		engine:  workflowtest.NewEngine(t, store),
		store:   store,
		records: &statusRecorder{RecordStore: store},
		sandbox: sandboxtest.New(),
		model:   llmtest.New(turns...),
		jobs:    queue.NewMemoryQueue(10),
		defaults: config.SandboxDefaults{
			AppName: "base-app",
			Image:   "template:latest",
			Workdir: "/app",
			Port:    3000,
			Command: []string{"bun", "dev"},
		},
	}
	e.model.ObjectFunc = func(req llm.ObjectRequest) (any, error) {
		return map[string]string{"content": "export default function App() { return null }\n"}, nil
	}
	e.deps = Deps{
		Sandbox:  e.sandbox,
		Records:  e.records,
		Model:    e.model,
		Jobs:     e.jobs,
		LLM:      config.LLMConfig{CodingModel: "coder", ChatModel: "chat", TaskerModel: "tasker", ImageModel: "image"},
		Agent:    config.AgentConfig{MaxTurns: 8},
		Defaults: e.defaults,
		Logger:   logging.Discard(),
	}
	return e
}

func (e *env) start(t *testing.T, name string, args any) (*workflow.Run, []*model.StreamChunk) {
	t.Helper()
	New(e.deps).Register(e.engine)
	h, err := e.engine.Start(context.Background(), name, args)
	require.NoError(t, err)
	return workflowtest.Drain(t, e.engine, h)
}

// ============================================================================
// build-app
// ============================================================================

func TestBuildApp_StatusSequence(t *testing.T) {
	e := newEnv(t,
		llmtest.Turn{Text: "Creating the app", ToolCalls: []llm.ToolCall{
			llmtest.Call("c1", tools.ToolCreateFile, map[string]string{"path": "/app/src/App.tsx", "prompt": "habit list"}),
		}},
		llmtest.Turn{Text: "Built a habit tracker with daily check-ins."},
	)

	run, chunks := e.start(t, WorkflowBuild, BuildArgs{Title: "Habit Tracker", Description: "Track daily habits"})
	require.Equal(t, model.RunStatusCompleted, run.Status, run.Error)

	// 沙箱创建
	require.Len(t, e.sandbox.Creates, 1)
	spec := e.sandbox.Creates[0]
	assert.Equal(t, "base-app", spec.AppName)
	assert.Equal(t, []int{3000}, spec.EncryptedPorts)

	var res BuildResult
	require.NoError(t, json.Unmarshal(run.Output, &res))
	assert.Equal(t, "sb-1", res.SandboxID)
	assert.NotEmpty(t, res.Summary)

	// started（创建时）→ coding → finished
	sb, err := e.store.GetSandbox(context.Background(), res.SandboxRecordID)
	require.NoError(t, err)
	assert.Equal(t, "sb-1", sb.SandboxID)
	assert.Equal(t, model.AgentCodingFinished, sb.AgentCoding)
	assert.Equal(t, []model.AgentCodingStatus{model.AgentCodingCoding, model.AgentCodingFinished}, e.records.statuses)

	var statuses []string
	for _, p := range workflowtest.Payloads(t, chunks) {
		if p.Type == "data-status" {
			var d map[string]string
			require.NoError(t, json.Unmarshal(p.Data, &d))
			statuses = append(statuses, d["agentCoding"])
		}
	}
	assert.Equal(t, []string{"started", "coding", "finished"}, statuses)

	content, ok := e.sandbox.ReadFile("sb-1", "/app/src/App.tsx")
	require.True(t, ok)
	assert.Equal(t, "export default function App() { return null }\n", content)

	project, err := e.store.GetProject(context.Background(), res.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, "Habit Tracker", project.Title)

	jobs, err := e.jobs.Consume(context.Background(), "test", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobThumbnail, jobs[0].Kind)

	req := e.model.ChatRequests[0]
	assert.Equal(t, "coder", req.Model)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.5, *req.Temperature)
	assert.Contains(t, req.Messages[0].Content, "Habit Tracker")
	assert.Empty(t, e.sandbox.Terminated)
}

func TestBuildApp_ProvisioningFailureFailsRun(t *testing.T) {
	e := newEnv(t)
	e.sandbox.CreateErr = errors.New("quota exceeded")

	run, chunks := e.start(t, WorkflowBuild, BuildArgs{Title: "A", Description: "B"})
	require.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, *run.Error, "quota exceeded")

	types := workflowtest.Types(t, chunks)
	assert.Equal(t, []string{model.ChunkError}, types)

	projects, err := e.store.ListProjects(context.Background())
	require.NoError(t, err)
	assert.Empty(t, projects)
	assert.Zero(t, e.model.ChatCalls())
}

func TestBuildApp_ThumbnailFailureDoesNotBlock(t *testing.T) {
	e := newEnv(t, llmtest.Turn{Text: "done"})
	e.deps.Jobs = failingQueue{}

	run, _ := e.start(t, WorkflowBuild, BuildArgs{Title: "A", Description: "B"})
	require.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, []model.AgentCodingStatus{model.AgentCodingCoding, model.AgentCodingFinished}, e.records.statuses)
}

func TestBuildApp_TerminateOptIn(t *testing.T) {
	e := newEnv(t, llmtest.Turn{Text: "done"})

	run, _ := e.start(t, WorkflowBuild, BuildArgs{Title: "A", Description: "B", Terminate: true})
	require.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, []string{"sb-1"}, e.sandbox.Terminated)

	var res BuildResult
	require.NoError(t, json.Unmarshal(run.Output, &res))
	assert.True(t, res.Terminated)
}

func TestBuildApp_AgentFailureLeavesCoding(t *testing.T) {
	e := newEnv(t, llmtest.Turn{Err: &llm.CompletionServiceError{Op: "chat", Status: 400, Body: "invalid"}})

	run, _ := e.start(t, WorkflowBuild, BuildArgs{Title: "A", Description: "B"})
	require.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, []model.AgentCodingStatus{model.AgentCodingCoding}, e.records.statuses)
}

func TestBuildArgs_Validate(t *testing.T) {
	assert.NoError(t, BuildArgs{Title: "a", Description: "b"}.Validate())
	assert.Error(t, BuildArgs{Title: " ", Description: "b"}.Validate())
	assert.Error(t, BuildArgs{Title: "a"}.Validate())
}

// ============================================================================
// remix-app / chat
// ============================================================================

func TestRemixApp_SavesMessages(t *testing.T) {
	e := newEnv(t, llmtest.Turn{Text: "Added dark mode."})
	e.sandbox.AddSandbox("sb-existing")

	user := model.UIMessage{ID: "u1", Role: model.RoleUser, Parts: []model.UIPart{{Type: "text", Text: "add dark mode"}}}
	run, _ := e.start(t, WorkflowRemix, RemixArgs{SandboxID: "sb-existing", Messages: []model.UIMessage{user}})
	require.Equal(t, model.RunStatusCompleted, run.Status, run.Error)

	var res RemixResult
	require.NoError(t, json.Unmarshal(run.Output, &res))

	chat, err := e.store.GetChat(context.Background(), res.ChatID)
	require.NoError(t, err)
	assert.Equal(t, "Remix sb-existing", chat.Name)
	assert.Equal(t, "sb-existing", chat.SandboxID)

	msgs, err := e.store.ListMessagesByChat(context.Background(), res.ChatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Contains(t, string(msgs[1].Parts), "Added dark mode.")
}

func TestRemixArgs_Validate(t *testing.T) {
	assert.Error(t, RemixArgs{Messages: []model.UIMessage{{Role: model.RoleUser}}}.Validate())
	assert.Error(t, RemixArgs{SandboxID: "sb"}.Validate())
}

func TestChat_UsesChatModelWithoutTools(t *testing.T) {
	e := newEnv(t, llmtest.Turn{Text: "Hi there"})

	user := model.UIMessage{ID: "u1", Role: model.RoleUser, Parts: []model.UIPart{{Type: "text", Text: "hello"}}}
	run, _ := e.start(t, WorkflowChat, ChatArgs{Messages: []model.UIMessage{user}})
	require.Equal(t, model.RunStatusCompleted, run.Status)
	assert.JSONEq(t, `{"text":"Hi there"}`, string(run.Output))

	req := e.model.ChatRequests[0]
	assert.Equal(t, "chat", req.Model)
	assert.Equal(t, chatSystemPrompt, req.System)
	assert.Empty(t, req.Tools)
}

// ============================================================================
// Tasker
// ============================================================================

func TestGenerateIdeas(t *testing.T) {
	e := newEnv(t)
	f := New(e.deps)

	_, err := f.GenerateIdeas(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrMissingPrompt)

	e.model.ObjectFunc = func(req llm.ObjectRequest) (any, error) {
		assert.Equal(t, "tasker", req.Model)
		assert.Contains(t, req.Prompt, "fitness")
		return map[string]any{"ideas": []Idea{{Title: "RepCount", Description: "Counts reps."}}}, nil
	}
	ideas, err := f.GenerateIdeas(context.Background(), "fitness")
	require.NoError(t, err)
	assert.Equal(t, []Idea{{Title: "RepCount", Description: "Counts reps."}}, ideas)
}

// ============================================================================
// 缩略图
// ============================================================================

func TestThumbnailer_ViaWorker(t *testing.T) {
	e := newEnv(t)
	e.model.Image = []byte("\x89PNG fake")
	objects := objstore.NewMemory("http://objects.test/")

	ctx := context.Background()
	created, err := e.store.CreateProjectWithSandbox(ctx, model.CreateProjectWithSandboxInput{
		Title: "A", Description: "B", SandboxExternalID: "sb-1",
	})
	require.NoError(t, err)

	th := NewThumbnailer(e.model, objects, e.store, "image", logging.Discard())
	w := queue.NewWorker(e.jobs, "test", nil)
	th.Register(w)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.Run(runCtx)

	payload, _ := json.Marshal(ThumbnailJob{ProjectID: created.ProjectID, Title: "A", Description: "B"})
	_, err = e.jobs.Enqueue(ctx, JobThumbnail, payload)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := objects.Get(ThumbnailKey(created.ProjectID))
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		p, err := e.store.GetProject(ctx, created.ProjectID)
		return err == nil && p.Image != nil && *p.Image == ThumbnailKey(created.ProjectID)
	}, 5*time.Second, 10*time.Millisecond)

	require.Len(t, e.model.ImageRequests, 1)
	assert.Equal(t, "1024x1024", e.model.ImageRequests[0].Size)
	assert.Contains(t, e.model.ImageRequests[0].Prompt, "studio ghibli")
}

func TestThumbnailer_ImageFailure(t *testing.T) {
	e := newEnv(t)
	e.model.ImageErr = errors.New("content policy")
	th := NewThumbnailer(e.model, objstore.NewMemory(""), e.store, "image", logging.Discard())

	err := th.Generate(context.Background(), ThumbnailJob{ProjectID: "p"})
	assert.ErrorContains(t, err, "content policy")
}

func TestRecordStoreError(t *testing.T) {
	err := recordErr("createChat", storage.ErrNotFound)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, "record store createChat: "+storage.ErrNotFound.Error(), err.Error())
	assert.Nil(t, recordErr("x", nil))
}
