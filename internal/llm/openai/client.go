package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"SprintPilot/internal/llm"
	"SprintPilot/pkg/plugin"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 120 * time.Second
	defaultMaxRounds = 8
)

// ErrToolRoundsExceeded 表示模型在允许的轮次内没有给出最终回复。
var ErrToolRoundsExceeded = errors.New("tool call rounds exceeded")

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Timeout   time.Duration
	MaxRounds int
}

// Client 通过 Chat Completions API 调用大模型，并在需要时执行工具函数。
type Client struct {
	api       *goopenai.Client
	model     string
	maxRounds int
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	return newClient(cfg, nil)
}

func newClient(cfg Config, httpClient *http.Client) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}

	apiCfg := goopenai.DefaultConfig(apiKey)
	apiCfg.BaseURL = strings.TrimRight(baseURL, "/")
	apiCfg.HTTPClient = httpClient

	return &Client{
		api:       goopenai.NewClientWithConfig(apiCfg),
		model:     model,
		maxRounds: maxRounds,
	}, nil
}

// Model 返回默认模型名称。
func (c *Client) Model() string { return c.model }

// Invoke 发送对话并驱动工具调用循环，直到模型给出不含工具调用的回复。
func (c *Client) Invoke(ctx context.Context, conv llm.Conversation, settings llm.Settings, tools []plugin.Function) (*llm.Reply, error) {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(conv.Messages)+4)
	for _, msg := range conv.Messages {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: string(msg.Role), Content: msg.Content})
	}

	handlers := make(map[string]plugin.Handler, len(tools))
	for _, fn := range tools {
		handlers[fn.Name] = fn.Handler
	}

	reply := &llm.Reply{Model: c.model}
	usage := &llm.Usage{}
	reported := false

	for round := 0; round < c.maxRounds; round++ {
		req := goopenai.ChatCompletionRequest{
			Model:       c.model,
			Messages:    messages,
			MaxTokens:   settings.MaxOutputTokens,
			Temperature: settings.Temperature,
		}
		if len(tools) > 0 {
			req.Tools = buildTools(tools)
			mode := settings.ToolCallMode
			if mode == "" {
				mode = llm.ToolCallAuto
			}
			req.ToolChoice = string(mode)
		}

		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil {
			return nil, classify(err)
		}
		if resp.Model != "" {
			reply.Model = resp.Model
		}
		if resp.Usage.TotalTokens > 0 || resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
			reported = true
			usage.PromptTokens += resp.Usage.PromptTokens
			usage.CompletionTokens += resp.Usage.CompletionTokens
			usage.TotalTokens += resp.Usage.TotalTokens
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("OpenAI 响应中没有有效的 choices")
		}

		message := resp.Choices[0].Message
		if len(message.ToolCalls) == 0 {
			reply.Content = strings.TrimSpace(message.Content)
			if reported {
				reply.Usage = usage
			}
			return reply, nil
		}

		messages = append(messages, message)
		for _, call := range message.ToolCalls {
			invocation := llm.ToolInvocation{Name: call.Function.Name, Arguments: call.Function.Arguments}
			content, err := runTool(ctx, handlers, call)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				invocation.Error = err.Error()
				content = "error: " + err.Error()
			}
			reply.ToolInvocations = append(reply.ToolInvocations, invocation)
			messages = append(messages, goopenai.ChatCompletionMessage{
				Role:       goopenai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: call.ID,
			})
		}
	}
	return nil, ErrToolRoundsExceeded
}

func runTool(ctx context.Context, handlers map[string]plugin.Handler, call goopenai.ToolCall) (string, error) {
	handler, ok := handlers[call.Function.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Function.Name)
	}
	args := strings.TrimSpace(call.Function.Arguments)
	if args == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		return "", fmt.Errorf("tool %s received malformed arguments", call.Function.Name)
	}
	return handler(ctx, json.RawMessage(args))
}

func buildTools(functions []plugin.Function) []goopenai.Tool {
	tools := make([]goopenai.Tool, 0, len(functions))
	for _, fn := range functions {
		params := fn.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// classify 将传输层失败与网关类状态码映射为 llm.ErrUnavailable，其余错误原样返回。
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && unavailableStatus(apiErr.HTTPStatusCode) {
		return fmt.Errorf("%w: %v", llm.ErrUnavailable, err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && unavailableStatus(reqErr.HTTPStatusCode) {
		return fmt.Errorf("%w: %v", llm.ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", llm.ErrUnavailable, err)
	}
	return fmt.Errorf("请求 OpenAI 失败: %w", err)
}

func unavailableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
