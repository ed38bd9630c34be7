// Package tools 定义暴露给模型的三组工具函数：迭代规划、依赖分析与迭代回顾。
// 所有函数只读取领域数据，并以 JSON 文本返回结果。
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"SprintPilot/pkg/plugin"
)

const (
	SprintPlanningSet     = "SprintPlanningTools"
	DependencyAnalysisSet = "DependencyAnalysisTools"
	RetrospectiveSet      = "RetrospectiveTools"
)

var reflector = &jsonschema.Reflector{
	DoNotReference:            true,
	ExpandedStruct:            true,
	AllowAdditionalProperties: false,
}

// schemaOf 生成参数结构体的 JSON Schema。
func schemaOf(v any) *jsonschema.Schema {
	schema := reflector.Reflect(v)
	schema.Version = ""
	return schema
}

// typed 将强类型处理函数适配为 plugin.Handler：解析参数并把结果编码为 JSON。
func typed[A any, R any](fn func(ctx context.Context, args A) (R, error)) plugin.Handler {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("decode arguments: %w", err)
			}
		}
		result, err := fn(ctx, args)
		if err != nil {
			return "", err
		}
		encoded, err := json.Marshal(result)
		if err != nil {
			return "", fmt.Errorf("encode result: %w", err)
		}
		return string(encoded), nil
	}
}

func function[A any, R any](name, description string, fn func(ctx context.Context, args A) (R, error)) plugin.Function {
	var zero A
	return plugin.Function{
		Name:        name,
		Description: description,
		Parameters:  schemaOf(&zero),
		Handler:     typed(fn),
	}
}

// TaskSummary 是返回给模型的精简任务视图。
type TaskSummary struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority,omitempty"`
	StoryPoints int     `json:"story_points"`
	AssigneeID  string  `json:"assignee_id,omitempty"`
	DueDate     string  `json:"due_date,omitempty"`
	DependsOn   []int64 `json:"depends_on,omitempty"`
}
