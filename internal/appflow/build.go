package appflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"app-builder/internal/agent"
	"app-builder/internal/llm"
	"app-builder/internal/sandbox"
	"app-builder/internal/shared/model"
	"app-builder/internal/tools"
	"app-builder/internal/workflow"
)

// BuildArgs build-app 参数
type BuildArgs struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	// Terminate 结束后释放沙箱（默认保留以便预览）
	Terminate bool `json:"terminate,omitempty"`
}

// Validate 校验参数
func (a BuildArgs) Validate() error {
	if strings.TrimSpace(a.Title) == "" {
		return errors.New("title is required")
	}
	if strings.TrimSpace(a.Description) == "" {
		return errors.New("description is required")
	}
	return nil
}

// BuildResult build-app 返回值
type BuildResult struct {
	ProjectID       string      `json:"projectId"`
	SandboxRecordID string      `json:"sandboxRecordId"`
	SandboxID       string      `json:"sandboxId"`
	URL             string      `json:"url"`
	Summary         string      `json:"summary"`
	Turns           int         `json:"turns"`
	State           agent.State `json:"state"`
	Terminated      bool        `json:"terminated,omitempty"`
}

// sandboxInfo 写入输出流的沙箱信息
type sandboxInfo struct {
	SandboxID  string `json:"sandboxId"`
	URL        string `json:"url"`
	ExpiryDate int64  `json:"expiryDate"`
}

// statusInput 状态更新步骤的输入
type statusInput struct {
	ID     string                  `json:"id"`
	Status model.AgentCodingStatus `json:"status"`
}

func (f *Flows) buildApp(wc *workflow.Context, input json.RawMessage) (any, error) {
	var args BuildArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("decode build args: %w", err)
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	log := wc.Logger()

	// Provisioning
	handle, err := workflow.Step(wc, "sandbox:create", nil, func(sc *workflow.StepContext) (*sandbox.Handle, error) {
		return f.deps.Sandbox.Create(sc, sandbox.CreateSpec{}.WithDefaults(f.deps.Defaults))
	})
	if err != nil {
		return nil, err
	}
	if err := wc.Write(model.DataChunk("sandbox", sandboxInfo{
		SandboxID: handle.SandboxID, URL: handle.URL, ExpiryDate: handle.ExpiryDate,
	})); err != nil {
		return nil, err
	}

	// Starting
	rec, err := workflow.Step(wc, "records:createProjectWithSandbox", args,
		func(sc *workflow.StepContext) (*model.ProjectWithSandbox, error) {
			out, err := f.deps.Records.CreateProjectWithSandbox(sc, model.CreateProjectWithSandboxInput{
				Title:             args.Title,
				Description:       args.Description,
				SandboxExternalID: handle.SandboxID,
				SandboxURL:        handle.URL,
				SandboxExpiryDate: time.UnixMilli(handle.ExpiryDate).UTC(),
			})
			return out, recordErr("createProjectWithSandbox", err)
		})
	if err != nil {
		return nil, err
	}
	if err := f.writeStatus(wc, model.AgentCodingStarted); err != nil {
		return nil, err
	}

	f.scheduleThumbnail(wc, rec.ProjectID, args)

	// Coding
	if err := f.updateStatus(wc, rec.SandboxID, model.AgentCodingCoding); err != nil {
		return nil, err
	}
	res, err := f.codingAgent(wc, handle.SandboxID).Stream(wc, agent.StreamOptions{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: buildPrompt(args.Title, args.Description)}},
	})
	if err != nil {
		return nil, err
	}

	// Finished
	if err := f.updateStatus(wc, rec.SandboxID, model.AgentCodingFinished); err != nil {
		return nil, err
	}

	out := &BuildResult{
		ProjectID:       rec.ProjectID,
		SandboxRecordID: rec.SandboxID,
		SandboxID:       handle.SandboxID,
		URL:             handle.URL,
		Summary:         res.Text,
		Turns:           res.Turns,
		State:           res.State,
	}
	if args.Terminate {
		out.Terminated = f.terminate(wc, handle.SandboxID)
	}
	log.Info("App build finished", "project_id", rec.ProjectID, "sandbox_id", handle.SandboxID, "turns", res.Turns)
	return out, nil
}

// updateStatus 记录编码状态并写出状态分片，失败终止执行
func (f *Flows) updateStatus(wc *workflow.Context, recordID string, status model.AgentCodingStatus) error {
	in := statusInput{ID: recordID, Status: status}
	_, err := workflow.Step(wc, "records:updateSandboxStatus", in, func(sc *workflow.StepContext) (bool, error) {
		return true, recordErr("updateSandboxStatus", f.deps.Records.UpdateSandboxStatus(sc, recordID, status))
	})
	if err != nil {
		return err
	}
	return f.writeStatus(wc, status)
}

func (f *Flows) writeStatus(wc *workflow.Context, status model.AgentCodingStatus) error {
	return wc.Write(model.DataChunk("status", map[string]string{"agentCoding": string(status)}))
}

// scheduleThumbnail 缩略图入队，失败只记录日志
func (f *Flows) scheduleThumbnail(wc *workflow.Context, projectID string, args BuildArgs) {
	if f.deps.Jobs == nil {
		return
	}
	job := ThumbnailJob{ProjectID: projectID, Title: args.Title, Description: args.Description}
	_, err := workflow.Step(wc, "thumbnail:enqueue", job, func(sc *workflow.StepContext) (string, error) {
		payload, err := json.Marshal(job)
		if err != nil {
			return "", err
		}
		id, err := f.deps.Jobs.Enqueue(sc, JobThumbnail, payload)
		if err != nil {
			sc.Logger().WithError(err).Warn("Failed to enqueue thumbnail job")
			return "", nil
		}
		return id, nil
	})
	if err != nil {
		wc.Logger().WithError(err).Warn("Thumbnail step failed")
	}
}

// terminate 释放沙箱，已过期视为成功
func (f *Flows) terminate(wc *workflow.Context, sandboxID string) bool {
	ok, err := workflow.Step(wc, "sandbox:terminate", sandboxID, func(sc *workflow.StepContext) (bool, error) {
		err := f.deps.Sandbox.Terminate(sc, sandboxID)
		switch {
		case err == nil, errors.Is(err, sandbox.ErrSandboxExpired):
			tools.ReleaseSandbox(sandboxID)
			return true, nil
		default:
			sc.Logger().WithError(err).Warn("Failed to terminate sandbox")
			return false, nil
		}
	})
	return err == nil && ok
}
