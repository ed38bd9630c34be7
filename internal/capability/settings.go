package capability

import (
	"time"

	"SprintPilot/internal/quota"
)

// Capability names
const (
	ImproveTask         = "improve_task_description"
	ProjectRisks        = "analyze_project_risks"
	SprintPlan          = "suggest_sprint_plan"
	TaskDependencies    = "analyze_task_dependencies"
	SprintRetrospective = "generate_sprint_retrospective"
)

// Names 列出全部能力。
var Names = []string{ImproveTask, ProjectRisks, SprintPlan, TaskDependencies, SprintRetrospective}

// Settings 是单个能力的执行参数。
type Settings struct {
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
	MaxOutputTokens int           `json:"max_output_tokens" yaml:"max_output_tokens"`
	Temperature     float32       `json:"temperature" yaml:"temperature"`
}

// DefaultSettings 返回各能力的默认执行参数。
func DefaultSettings() map[string]Settings {
	return map[string]Settings{
		ImproveTask:         {Timeout: 30 * time.Second, MaxOutputTokens: 1024, Temperature: 0.7},
		ProjectRisks:        {Timeout: 30 * time.Second, MaxOutputTokens: 1500, Temperature: 0.3},
		SprintPlan:          {Timeout: 60 * time.Second, MaxOutputTokens: 2000, Temperature: 0.4},
		TaskDependencies:    {Timeout: 30 * time.Second, MaxOutputTokens: 1500, Temperature: 0.2},
		SprintRetrospective: {Timeout: 60 * time.Second, MaxOutputTokens: 2000, Temperature: 0.2},
	}
}

// dimensions 记录每个能力消耗的配额维度。
var dimensions = map[string]quota.Dimension{
	ImproveTask:         quota.DimensionRequests,
	ProjectRisks:        quota.DimensionDecisions,
	SprintPlan:          quota.DimensionDecisions,
	TaskDependencies:    quota.DimensionDecisions,
	SprintRetrospective: quota.DimensionRequests,
}

// DimensionOf 返回能力对应的配额维度。
func DimensionOf(capability string) quota.Dimension {
	if dim, ok := dimensions[capability]; ok {
		return dim
	}
	return quota.DimensionRequests
}

// Override 描述对默认参数的覆盖。零值的超时与输出上限沿用默认值；
// Temperature 为 nil 时沿用默认值，显式的 0 表示确定性输出。
type Override struct {
	Timeout         time.Duration
	MaxOutputTokens int
	Temperature     *float32
}

func merge(base Settings, o Override) Settings {
	if o.Timeout > 0 {
		base.Timeout = o.Timeout
	}
	if o.MaxOutputTokens > 0 {
		base.MaxOutputTokens = o.MaxOutputTokens
	}
	if o.Temperature != nil {
		base.Temperature = *o.Temperature
	}
	return base
}
