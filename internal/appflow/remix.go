package appflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"app-builder/internal/agent"
	"app-builder/internal/shared/model"
	"app-builder/internal/workflow"
)

// RemixArgs remix-app 参数
type RemixArgs struct {
	SandboxID string            `json:"sandboxId"`
	Messages  []model.UIMessage `json:"messages"`
}

// Validate 校验参数
func (a RemixArgs) Validate() error {
	if strings.TrimSpace(a.SandboxID) == "" {
		return errors.New("sandboxId is required")
	}
	if len(a.Messages) == 0 {
		return errors.New("messages are required")
	}
	return nil
}

// RemixResult remix-app 返回值
type RemixResult struct {
	ChatID  string      `json:"chatId"`
	Summary string      `json:"summary"`
	Turns   int         `json:"turns"`
	State   agent.State `json:"state"`
}

func (f *Flows) remixApp(wc *workflow.Context, input json.RawMessage) (any, error) {
	var args RemixArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("decode remix args: %w", err)
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}

	chatName := "Remix " + args.SandboxID
	chat, err := workflow.Step(wc, "records:createChat", chatName, func(sc *workflow.StepContext) (*model.Chat, error) {
		c, err := f.deps.Records.CreateChat(sc, chatName, args.SandboxID)
		return c, recordErr("createChat", err)
	})
	if err != nil {
		return nil, err
	}

	if latest, ok := model.LatestByRole(args.Messages, model.RoleUser); ok {
		if err := f.saveMessage(wc, chat.ID, latest); err != nil {
			return nil, err
		}
	}

	res, err := f.codingAgent(wc, args.SandboxID).Stream(wc, agent.StreamOptions{
		UIMessages:        args.Messages,
		CollectUIMessages: true,
	})
	if err != nil {
		return nil, err
	}

	if reply, ok := model.LatestByRole(res.UIMessages, model.RoleAssistant); ok {
		if err := f.saveMessage(wc, chat.ID, reply); err != nil {
			return nil, err
		}
	}
	return &RemixResult{ChatID: chat.ID, Summary: res.Text, Turns: res.Turns, State: res.State}, nil
}

func (f *Flows) saveMessage(wc *workflow.Context, chatID string, msg model.UIMessage) error {
	_, err := workflow.Step(wc, "records:createChatMessage", msg, func(sc *workflow.StepContext) (string, error) {
		saved, err := f.deps.Records.CreateChatMessage(sc, chatID, msg)
		if err != nil {
			return "", recordErr("createChatMessage", err)
		}
		return saved.ID, nil
	})
	return err
}
