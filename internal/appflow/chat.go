package appflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"app-builder/internal/agent"
	"app-builder/internal/shared/model"
	"app-builder/internal/workflow"
)

// ChatArgs chat 参数
type ChatArgs struct {
	Messages []model.UIMessage `json:"messages"`
}

// Validate 校验参数
func (a ChatArgs) Validate() error {
	if len(a.Messages) == 0 {
		return errors.New("messages are required")
	}
	return nil
}

func (f *Flows) chat(wc *workflow.Context, input json.RawMessage) (any, error) {
	var args ChatArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("decode chat args: %w", err)
	}
	a := agent.New(f.deps.Model, agent.Config{
		Model:             f.deps.LLM.ChatModel,
		System:            chatSystemPrompt,
		CompletionRetries: f.deps.Agent.CompletionRetries,
	})
	res, err := a.Stream(wc, agent.StreamOptions{UIMessages: args.Messages})
	if err != nil {
		return nil, err
	}
	return map[string]string{"text": res.Text}, nil
}
