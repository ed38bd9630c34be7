package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"SprintPilot/internal/llm"
	"SprintPilot/pkg/plugin"
)

const defaultMaxRounds = 4

// ErrToolRoundsExceeded 表示脚本在允许的轮次内没有给出最终回复。
var ErrToolRoundsExceeded = errors.New("tool call rounds exceeded")

// Client 通过调用本地 Python 脚本实现大模型推理，适用于自托管模型。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
	model      string
	maxRounds  int
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir, model string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	if model == "" {
		model = "self-hosted"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
		model:      model,
		maxRounds:  defaultMaxRounds,
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type toolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters,omitempty"`
}

type request struct {
	Model           string     `json:"model"`
	Messages        []message  `json:"messages"`
	MaxOutputTokens int        `json:"max_output_tokens"`
	Temperature     float32    `json:"temperature"`
	ToolCallMode    string     `json:"tool_call_mode"`
	Tools           []toolSpec `json:"tools,omitempty"`
	Timestamp       int64      `json:"timestamp"`
}

// Invoke 调用外部脚本。脚本可以返回 tool_calls 请求执行工具，
// 此时客户端执行处理函数并携带结果再次调用脚本。
func (c *Client) Invoke(ctx context.Context, conv llm.Conversation, settings llm.Settings, tools []plugin.Function) (*llm.Reply, error) {
	req := request{
		Model:           c.model,
		MaxOutputTokens: settings.MaxOutputTokens,
		Temperature:     settings.Temperature,
		ToolCallMode:    string(settings.ToolCallMode),
	}
	for _, msg := range conv.Messages {
		req.Messages = append(req.Messages, message{Role: string(msg.Role), Content: msg.Content})
	}
	handlers := make(map[string]plugin.Handler, len(tools))
	for _, fn := range tools {
		handlers[fn.Name] = fn.Handler
		req.Tools = append(req.Tools, toolSpec{Name: fn.Name, Description: fn.Description, Parameters: fn.Parameters})
	}

	var invocations []llm.ToolInvocation
	for round := 0; round < c.maxRounds; round++ {
		req.Timestamp = time.Now().Unix()
		reply, err := c.run(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(reply.ToolInvocations) == 0 || len(handlers) == 0 {
			reply.ToolInvocations = append(invocations, reply.ToolInvocations...)
			if reply.Model == "" {
				reply.Model = c.model
			}
			return reply, nil
		}
		for _, call := range reply.ToolInvocations {
			content, err := runTool(ctx, handlers, call)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				call.Error = err.Error()
				content = "error: " + err.Error()
			}
			invocations = append(invocations, call)
			req.Messages = append(req.Messages, message{Role: string(llm.RoleTool), Name: call.Name, Content: content})
		}
	}
	return nil, ErrToolRoundsExceeded
}

func (c *Client) run(ctx context.Context, req request) (*llm.Reply, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", llm.ErrUnavailable, err)
		}
		return nil, fmt.Errorf("执行 Python 脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	reply, err := llm.DecodeReply(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("解析 Python 输出失败: %w", err)
	}
	return reply, nil
}

func runTool(ctx context.Context, handlers map[string]plugin.Handler, call llm.ToolInvocation) (string, error) {
	handler, ok := handlers[call.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
	args := strings.TrimSpace(call.Arguments)
	if args == "" || args == "null" {
		args = "{}"
	}
	return handler(ctx, json.RawMessage(args))
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
