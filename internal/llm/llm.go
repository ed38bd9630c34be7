package llm

import (
	"context"
	"errors"

	"SprintPilot/pkg/plugin"
)

// ErrUnavailable 标记无法连接到模型后端的传输层失败。
var ErrUnavailable = errors.New("llm backend unavailable")

// Role 表示对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 是对话中的一条消息。
type Message struct {
	Role    Role
	Content string
}

// Conversation 是一次调用携带的完整对话。
type Conversation struct {
	Messages []Message
}

// NewConversation 根据系统提示与用户提示构建对话。
func NewConversation(system, user string) Conversation {
	return Conversation{Messages: []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: user},
	}}
}

// ToolCallMode 控制模型是否可以调用工具函数。
type ToolCallMode string

const (
	ToolCallNone ToolCallMode = "none"
	ToolCallAuto ToolCallMode = "auto"
)

// Settings 描述单次调用的生成参数。
type Settings struct {
	MaxOutputTokens int
	Temperature     float32
	ToolCallMode    ToolCallMode
}

// Usage 是后端上报的令牌用量。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolInvocation 记录对话过程中的一次工具调用。
type ToolInvocation struct {
	Name      string
	Arguments string
	Error     string
}

// Reply 是模型的最终回复。用量字段均为可选：后端可能给出嵌套的 Usage，
// 也可能只给出顶层字段，或者都不给。
type Reply struct {
	Content          string
	Model            string
	Usage            *Usage
	PromptTokens     *int
	CompletionTokens *int
	ToolInvocations  []ToolInvocation
}

// Client 定义了调用大模型的统一接口。tools 非空时，实现需要在返回最终内容前
// 按模型要求调用对应的处理函数。
type Client interface {
	Invoke(ctx context.Context, conv Conversation, settings Settings, tools []plugin.Function) (*Reply, error)
}
