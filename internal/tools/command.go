package tools

import (
	"context"
	"encoding/json"
	"strings"
)

// CommandResult runCommand 结果
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

type runCommandArgs struct {
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Workdir   string   `json:"workdir,omitempty"`
	TimeoutMs int64    `json:"timeoutMs,omitempty"`
}

// runCommand 原样转发到沙箱，不重试
func (s *Set) runCommand(ctx context.Context, raw json.RawMessage) (*CommandResult, error) {
	var args runCommandArgs
	if err := decodeArgs(ToolRunCommand, raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Command) == "" {
		return nil, &InvalidArgumentsError{Tool: ToolRunCommand, Reason: "command is required"}
	}
	if args.TimeoutMs < 0 {
		return nil, &InvalidArgumentsError{Tool: ToolRunCommand, Reason: "timeoutMs must be positive"}
	}
	s.logger.ToolLog(ToolRunCommand, "args", map[string]any{
		"sandboxId": s.sandboxID,
		"command":   args.Command,
		"args":      args.Args,
		"workdir":   args.Workdir,
	})

	command := append([]string{args.Command}, args.Args...)
	res, err := s.exec(ctx, command, args.Workdir, args.TimeoutMs)
	if err != nil {
		s.logger.WithError(err).Warn("[tool:runCommand] exec failed")
		return nil, err
	}
	out := &CommandResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}
	s.logger.ToolLog(ToolRunCommand, "result", out)
	return out, nil
}
