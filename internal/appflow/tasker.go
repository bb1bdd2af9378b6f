package appflow

import (
	"context"
	"encoding/json"
	"strings"

	"app-builder/internal/llm"
)

// Idea 应用创意
type Idea struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

var ideasSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"ideas": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"title": {"type": "string", "description": "A short, memorable app name."},
					"description": {"type": "string", "description": "One sentence describing what the app does."}
				},
				"required": ["title", "description"],
				"additionalProperties": false
			}
		}
	},
	"required": ["ideas"],
	"additionalProperties": false
}`)

// GenerateIdeas 根据提示生成一组应用创意（同步调用，不经过工作流）
func (f *Flows) GenerateIdeas(ctx context.Context, prompt string) ([]Idea, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrMissingPrompt
	}
	var out struct {
		Ideas []Idea `json:"ideas"`
	}
	err := f.deps.Model.GenerateObject(ctx, llm.ObjectRequest{
		Model:      f.deps.LLM.TaskerModel,
		Prompt:     taskerPrompt(prompt),
		SchemaName: "app_ideas",
		Schema:     ideasSchema,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Ideas == nil {
		out.Ideas = []Idea{}
	}
	return out.Ideas, nil
}
