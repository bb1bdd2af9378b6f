package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"app-builder/internal/llm"
)

// FileResult createFile / updateFile 结果
type FileResult struct {
	Path     string `json:"path"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

type createFileArgs struct {
	Path      string `json:"path"`
	Prompt    string `json:"prompt"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

type updateFileArgs struct {
	Path            string `json:"path"`
	Prompt          string `json:"prompt"`
	CreateIfMissing bool   `json:"createIfMissing,omitempty"`
	TimeoutMs       int64  `json:"timeoutMs,omitempty"`
}

// fileContent 文件生成的结构化输出
type fileContent struct {
	Content string `json:"content"`
}

func contentSchema(description string) json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{"type": "string", "description": description},
		},
		"required":             []string{"content"},
		"additionalProperties": false,
	}
	b, _ := json.Marshal(schema)
	return b
}

// ============================================================================
// createFile
// ============================================================================

func (s *Set) createFile(ctx context.Context, tc TurnContext, raw json.RawMessage) (*FileResult, error) {
	var args createFileArgs
	if err := decodeArgs(ToolCreateFile, raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Path) == "" {
		return nil, &InvalidArgumentsError{Tool: ToolCreateFile, Reason: "path is required"}
	}

	content, err := s.generate(ctx, createPrompt(args.Path, args.Prompt, tc),
		"The code created for the given prompt")
	if err != nil {
		return nil, err
	}
	s.logger.ToolLog(ToolCreateFile, "args", map[string]any{
		"sandboxId": s.sandboxID,
		"path":      args.Path,
		"content":   preview(content),
	})

	mu := lockFor(s.sandboxID)
	mu.Lock()
	defer mu.Unlock()
	return s.write(ctx, ToolCreateFile, args.Path, content, writeOptions{mkdir: true}, args.TimeoutMs)
}

func createPrompt(path, prompt string, tc TurnContext) string {
	return fmt.Sprintf(`Create the file at path:
%s

Based on the following conversation, write the complete file for the given prompt.
Conversation:
%s

Prompt:
%s
`, path, tc.Transcript(), prompt)
}

// ============================================================================
// updateFile
// ============================================================================

// updateFile 读取、生成、写回在同一把沙箱文件锁内完成
func (s *Set) updateFile(ctx context.Context, tc TurnContext, raw json.RawMessage) (*FileResult, error) {
	var args updateFileArgs
	if err := decodeArgs(ToolUpdateFile, raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Path) == "" {
		return nil, &InvalidArgumentsError{Tool: ToolUpdateFile, Reason: "path is required"}
	}

	mu := lockFor(s.sandboxID)
	mu.Lock()
	defer mu.Unlock()

	read, err := s.exec(ctx, []string{"cat", args.Path}, "", args.TimeoutMs)
	if err != nil {
		return nil, err
	}
	current := ""
	if read.ExitCode == 0 {
		current = read.Stdout
	} else if !args.CreateIfMissing {
		s.logger.ToolLog(ToolUpdateFile, "result", map[string]any{"path": args.Path, "error": "not found"})
		return nil, &FileNotFoundError{Path: args.Path}
	}

	content, err := s.generate(ctx, updatePrompt(args.Path, current, args.Prompt, tc),
		"The full file content with only the requested features added, preserving all existing code as-is")
	if err != nil {
		return nil, err
	}
	s.logger.ToolLog(ToolUpdateFile, "args", map[string]any{
		"sandboxId":       s.sandboxID,
		"path":            args.Path,
		"content":         preview(content),
		"createIfMissing": args.CreateIfMissing,
	})

	opts := writeOptions{mustExist: !args.CreateIfMissing, mkdir: args.CreateIfMissing}
	return s.write(ctx, ToolUpdateFile, args.Path, content, opts, args.TimeoutMs)
}

func updatePrompt(path, current, prompt string, tc TurnContext) string {
	return fmt.Sprintf("Update the file at path: %s\n\n"+
		"Here is the current content of the file:\n```\n%s\n```\n\n"+
		"Conversation context:\n%s\n\n"+
		"Requested change:\n%s\n\n"+
		"IMPORTANT: Only add the requested features. Do NOT remove, rename, refactor, or otherwise modify any existing code. "+
		"Return the full updated file content with only the new additions integrated.\n",
		path, current, tc.Transcript(), prompt)
}

// ============================================================================
// 公共
// ============================================================================

func (s *Set) generate(ctx context.Context, prompt, description string) (string, error) {
	var out fileContent
	err := s.model.GenerateObject(ctx, llm.ObjectRequest{
		Model:      s.modelName,
		Prompt:     prompt,
		SchemaName: "file_content",
		Schema:     contentSchema(description),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Content, nil
}

func (s *Set) write(ctx context.Context, tool, path, content string, opts writeOptions, timeoutMs int64) (*FileResult, error) {
	script := writeScript(path, content, opts)
	res, err := s.exec(ctx, []string{"bash", "-lc", script}, "", timeoutMs)
	if err != nil {
		return nil, err
	}
	out := &FileResult{Path: path, Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}
	s.logger.ToolLog(tool, "result", out)
	if res.ExitCode != 0 {
		if opts.mustExist && strings.Contains(res.Stderr, fileNotFoundPrefix) {
			return nil, &FileNotFoundError{Path: path}
		}
		return nil, &SandboxWriteError{Path: path, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return out, nil
}

func preview(content string) string {
	r := []rune(content)
	if len(r) > 80 {
		return string(r[:80])
	}
	return content
}
