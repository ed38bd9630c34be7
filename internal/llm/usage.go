package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ExtractUsage 从回复中提取令牌用量。优先使用嵌套的 Usage，其次使用顶层字段，
// 两者都不存在时返回全零。不会用估算值替代缺失数据。
func ExtractUsage(reply *Reply) (prompt, completion, total int) {
	if reply == nil {
		return 0, 0, 0
	}
	if u := reply.Usage; u != nil {
		prompt, completion = u.PromptTokens, u.CompletionTokens
		total = u.TotalTokens
		if total == 0 {
			total = prompt + completion
		}
		return prompt, completion, total
	}
	if reply.PromptTokens != nil {
		prompt = *reply.PromptTokens
	}
	if reply.CompletionTokens != nil {
		completion = *reply.CompletionTokens
	}
	return prompt, completion, prompt + completion
}

// EstimateTokens 按每 4 个字符约 1 个令牌估算，向上取整。
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// ReplyEnvelope 是外部脚本等后端返回的宽松 JSON 结构，所有用量字段都可缺省。
type ReplyEnvelope struct {
	Content          string `json:"content"`
	Reply            string `json:"reply"`
	Model            string `json:"model"`
	Usage            *Usage `json:"usage"`
	PromptTokens     *int   `json:"prompt_tokens"`
	CompletionTokens *int   `json:"completion_tokens"`
	ToolCalls        []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"tool_calls"`
}

// DecodeReply 将宽松 JSON 解码为 Reply。非 JSON 输出按纯文本处理。
func DecodeReply(raw []byte) (*Reply, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("empty reply")
	}
	if !strings.HasPrefix(trimmed, "{") {
		return &Reply{Content: trimmed}, nil
	}
	var env ReplyEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	content := env.Content
	if strings.TrimSpace(content) == "" {
		content = env.Reply
	}
	reply := &Reply{
		Content:          strings.TrimSpace(content),
		Model:            env.Model,
		Usage:            env.Usage,
		PromptTokens:     env.PromptTokens,
		CompletionTokens: env.CompletionTokens,
	}
	for _, call := range env.ToolCalls {
		reply.ToolInvocations = append(reply.ToolInvocations, ToolInvocation{
			Name:      call.Name,
			Arguments: string(call.Arguments),
		})
	}
	return reply, nil
}
