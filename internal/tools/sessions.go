package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shipyardhq/sma/internal/shell"
)

// ExecCommandTool starts a shell session and returns its first output page.
type ExecCommandTool struct {
	registry *shell.Registry
}

func NewExecCommandTool(r *shell.Registry) *ExecCommandTool {
	return &ExecCommandTool{registry: r}
}

func (t *ExecCommandTool) Name() string { return "exec_command" }
func (t *ExecCommandTool) Description() string {
	return "Execute a shell command. Long-running commands keep a session open; drain remaining output with write_stdin."
}

func (t *ExecCommandTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"workdir": map[string]interface{}{
				"type":        "string",
				"description": "Working directory, relative to the project root",
			},
			"shell": map[string]interface{}{
				"type":        "string",
				"description": "Shell binary to use (default bash)",
			},
			"login": map[string]interface{}{
				"type":        "boolean",
				"description": "Run as a login shell (default true)",
			},
			"yield_time_ms": map[string]interface{}{
				"type":        "number",
				"description": "How long to wait for output before returning (default 10000)",
			},
			"max_output_tokens": map[string]interface{}{
				"type":        "number",
				"description": "Approximate token cap for the returned page",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecCommandTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	login := true
	if v, ok := args["login"].(bool); ok {
		login = v
	}
	shellBin, _ := args["shell"].(string)

	page, err := t.registry.Exec(ctx, shell.ExecParams{
		Command:         command,
		Workdir:         stringArg(args, "workdir"),
		Shell:           shellBin,
		Login:           login,
		YieldMs:         intArg(args, "yield_time_ms"),
		MaxOutputTokens: intArg(args, "max_output_tokens"),
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("exec_command: %v", err)).WithError(err)
	}
	return pageResult(page)
}

// WriteStdinTool feeds a live session and reads the next output page. An
// empty chars argument polls without writing.
type WriteStdinTool struct {
	registry *shell.Registry
}

func NewWriteStdinTool(r *shell.Registry) *WriteStdinTool {
	return &WriteStdinTool{registry: r}
}

func (t *WriteStdinTool) Name() string { return "write_stdin" }
func (t *WriteStdinTool) Description() string {
	return "Write characters to a running session's stdin and collect the next page of output. Empty chars polls for more output."
}

func (t *WriteStdinTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session id returned by exec_command",
			},
			"chars": map[string]interface{}{
				"type":        "string",
				"description": "Characters to write; include \\n to submit a line",
			},
			"yield_time_ms": map[string]interface{}{
				"type":        "number",
				"description": "How long to wait for output before returning",
			},
			"max_output_tokens": map[string]interface{}{
				"type":        "number",
				"description": "Approximate token cap for the returned page",
			},
		},
		"required": []string{"session_id"},
	}
}

func (t *WriteStdinTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	chars, _ := args["chars"].(string)
	page, err := t.registry.Write(ctx, shell.WriteParams{
		SessionID:       stringArg(args, "session_id"),
		Chars:           chars,
		YieldMs:         intArg(args, "yield_time_ms"),
		MaxOutputTokens: intArg(args, "max_output_tokens"),
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("write_stdin: %v", err)).WithError(err)
	}
	return pageResult(page)
}

// CloseSessionTool terminates a session and returns its residual output.
type CloseSessionTool struct {
	registry *shell.Registry
}

func NewCloseSessionTool(r *shell.Registry) *CloseSessionTool {
	return &CloseSessionTool{registry: r}
}

func (t *CloseSessionTool) Name() string { return "close_session" }
func (t *CloseSessionTool) Description() string {
	return "Terminate a running session (SIGTERM, or SIGKILL with force) and return any buffered output."
}

func (t *CloseSessionTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session id to close",
			},
			"force": map[string]interface{}{
				"type":        "boolean",
				"description": "Kill instead of terminate",
			},
		},
		"required": []string{"session_id"},
	}
}

func (t *CloseSessionTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	force, _ := args["force"].(bool)
	page, err := t.registry.Close(stringArg(args, "session_id"), force)
	if err != nil {
		return ErrorResult(fmt.Sprintf("close_session: %v", err)).WithError(err)
	}
	return pageResult(page)
}

func pageResult(page *shell.Page) *Result {
	data, err := json.Marshal(page)
	if err != nil {
		return ErrorResult(fmt.Sprintf("marshal page: %v", err)).WithError(err)
	}
	return NewResult(string(data))
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

// intArg accepts JSON numbers (float64) and the occasional string-typed
// number models produce.
func intArg(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}
