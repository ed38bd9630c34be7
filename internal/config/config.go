package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"SprintPilot/internal/llm"
	"SprintPilot/internal/llm/openai"
	"SprintPilot/internal/observability/tracing"
	"SprintPilot/internal/quota"
	"SprintPilot/internal/storage/redis"
	"SprintPilot/internal/storage/sqlstore"
	"SprintPilot/pkg/logger"
)

// EnvPrefix 是环境变量覆盖的统一前缀。
const EnvPrefix = "SPRINTPILOT_"

// Config 描述了 SprintPilot 在启动阶段需要加载的全部配置。
type Config struct {
	Storage      StorageConfig               `json:"storage" yaml:"storage" envPrefix:"STORAGE_"`
	Redis        RedisConfig                 `json:"redis" yaml:"redis" envPrefix:"REDIS_"`
	LLM          LLMConfig                   `json:"llm" yaml:"llm" envPrefix:"LLM_"`
	Agent        AgentConfig                 `json:"agent" yaml:"agent" envPrefix:"AGENT_"`
	Capabilities map[string]CapabilityConfig `json:"capabilities" yaml:"capabilities"`
	Quota        QuotaConfig                 `json:"quota" yaml:"quota" envPrefix:"QUOTA_"`
	Queue        QueueConfig                 `json:"queue" yaml:"queue" envPrefix:"QUEUE_"`
	Logging      LoggingConfig               `json:"logging" yaml:"logging" envPrefix:"LOG_"`
	Metrics      MetricsConfig               `json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
	Tracing      TracingConfig               `json:"tracing" yaml:"tracing" envPrefix:"TRACING_"`
	Plugins      PluginsConfig               `json:"plugins" yaml:"plugins" envPrefix:"PLUGINS_"`
	Runtime      RuntimeConfig               `json:"runtime" yaml:"runtime" envPrefix:"RUNTIME_"`
}

// StorageConfig 描述领域快照与执行记录的存储后端。
type StorageConfig struct {
	// Driver 取值 memory、mysql 或 sqlite。
	Driver          string   `json:"driver" yaml:"driver" env:"DRIVER"`
	DSN             string   `json:"dsn" yaml:"dsn" env:"DSN"`
	MaxOpenConns    int      `json:"max_open_conns" yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int      `json:"max_idle_conns" yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	AutoMigrate     bool     `json:"auto_migrate" yaml:"auto_migrate" env:"AUTO_MIGRATE"`
	// Executions 取值 storage（与领域数据同库）、file 或 memory。
	Executions string `json:"executions" yaml:"executions" env:"EXECUTIONS"`
	// Fixture 为可选的领域数据文件，启动时导入。
	Fixture string `json:"fixture" yaml:"fixture" env:"FIXTURE"`
}

// RedisConfig 为配额与队列共享的 Redis 连接。
type RedisConfig struct {
	URL         string   `json:"url" yaml:"url" env:"URL"`
	Address     string   `json:"address" yaml:"address" env:"ADDRESS"`
	Password    string   `json:"password" yaml:"password" env:"PASSWORD"`
	DB          int      `json:"db" yaml:"db" env:"DB"`
	DialTimeout Duration `json:"dial_timeout" yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	// Provider 取值 openai 或 python_bridge。
	Provider  string             `json:"provider" yaml:"provider" env:"PROVIDER"`
	APIKey    string             `json:"api_key" yaml:"api_key" env:"API_KEY"`
	BaseURL   string             `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	Model     string             `json:"model" yaml:"model" env:"MODEL"`
	MaxRounds int                `json:"max_rounds" yaml:"max_rounds" env:"MAX_ROUNDS"`
	Python    PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge" envPrefix:"PYTHON_"`
	Pricing   PricingConfig      `json:"pricing" yaml:"pricing"`
}

// PythonBridgeConfig 描述通过本地脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable" yaml:"python_executable" env:"EXECUTABLE"`
	ScriptPath       string `json:"script_path" yaml:"script_path" env:"SCRIPT_PATH"`
	WorkingDir       string `json:"working_dir" yaml:"working_dir" env:"WORKING_DIR"`
}

// PricingConfig 覆盖模型单价，单位为每百万令牌美元。
type PricingConfig struct {
	Models  map[string]PriceConfig `json:"models" yaml:"models"`
	Default *PriceConfig           `json:"default" yaml:"default"`
}

// PriceConfig 是单个模型的价格。
type PriceConfig struct {
	PromptPerMillion     string `json:"prompt_per_million" yaml:"prompt_per_million"`
	CompletionPerMillion string `json:"completion_per_million" yaml:"completion_per_million"`
}

// AgentConfig 控制执行管道。
type AgentConfig struct {
	DefaultTimeout Duration `json:"default_timeout" yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
}

// CapabilityConfig 覆盖单个能力的执行参数。超时与输出上限为零值时沿用默认值；
// 未填写 temperature 时沿用默认值，显式写 0 即生效。
type CapabilityConfig struct {
	Timeout         Duration `json:"timeout" yaml:"timeout"`
	MaxOutputTokens int      `json:"max_output_tokens" yaml:"max_output_tokens"`
	Temperature     *float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// QuotaConfig 描述配额服务。
type QuotaConfig struct {
	// Driver 取值 memory 或 redis。
	Driver        string                  `json:"driver" yaml:"driver" env:"DRIVER"`
	Prefix        string                  `json:"prefix" yaml:"prefix" env:"PREFIX"`
	Window        Duration                `json:"window" yaml:"window" env:"WINDOW"`
	Default       quota.Limits            `json:"default" yaml:"default" envPrefix:"DEFAULT_"`
	Organizations map[string]quota.Limits `json:"organizations" yaml:"organizations"`
}

// QueueConfig 描述异步任务队列。
type QueueConfig struct {
	// Driver 取值 memory、redis 或 rabbitmq。
	Driver     string   `json:"driver" yaml:"driver" env:"DRIVER"`
	Name       string   `json:"name" yaml:"name" env:"NAME"`
	URL        string   `json:"url" yaml:"url" env:"URL"`
	Workers    int      `json:"workers" yaml:"workers" env:"WORKERS"`
	MaxRetries int      `json:"max_retries" yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay Duration `json:"retry_delay" yaml:"retry_delay" env:"RETRY_DELAY"`
	Prefetch   int      `json:"prefetch" yaml:"prefetch" env:"PREFETCH"`
	Buffer     int      `json:"buffer" yaml:"buffer" env:"BUFFER"`
}

// LoggingConfig 控制应用日志与审计日志。
type LoggingConfig struct {
	Level       string   `json:"level" yaml:"level" env:"LEVEL"`
	Format      string   `json:"format" yaml:"format" env:"FORMAT"`
	OutputPaths []string `json:"output_paths" yaml:"output_paths" env:"OUTPUT_PATHS"`
	AuditPath   string   `json:"audit_path" yaml:"audit_path" env:"AUDIT_PATH"`
	MaxSizeMB   int      `json:"max_size_mb" yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups  int      `json:"max_backups" yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays  int      `json:"max_age_days" yaml:"max_age_days" env:"MAX_AGE_DAYS"`
}

// MetricsConfig 控制 Prometheus 指标端点。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Address string `json:"address" yaml:"address" env:"ADDRESS"`
}

// TracingConfig 控制 OpenTelemetry 导出。
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string  `json:"service_name" yaml:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// PluginsConfig 指向工具函数策略文件。
type PluginsConfig struct {
	ConfigPath string `json:"config_path" yaml:"config_path" env:"CONFIG_PATH"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir" env:"DATA_DIR"`
}

// Load 解析配置文件（按扩展名选择 YAML 或 JSON），随后应用默认值与环境变量。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := decode(path, content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Unmarshal(content, cfg)
	case ".yaml", ".yml":
		return yaml.Unmarshal(content, cfg)
	default:
		return fmt.Errorf("不支持的配置格式 %q", filepath.Ext(path))
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Executions == "" {
		if c.Storage.Driver == "memory" {
			c.Storage.Executions = "file"
		} else {
			c.Storage.Executions = "storage"
		}
	}
	c.Storage.Fixture = resolve(baseDir, c.Storage.Fixture)

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else {
		c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Quota.Driver == "" {
		c.Quota.Driver = "memory"
	}
	if c.Quota.Prefix == "" {
		c.Quota.Prefix = "sprintpilot:quota"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9464"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "sprintpilot"
	}
	c.Plugins.ConfigPath = resolve(baseDir, c.Plugins.ConfigPath)

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 汇总全部配置错误。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory":
		if c.Storage.Executions == "storage" {
			errs = append(errs, errors.New("storage.executions=storage 需要 SQL 存储"))
		}
	case "mysql", "sqlite":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn 不能为空（driver=%s）", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 storage.driver %q", c.Storage.Driver))
	}
	switch c.Storage.Executions {
	case "storage", "file", "memory":
	default:
		errs = append(errs, fmt.Errorf("不支持的 storage.executions %q", c.Storage.Executions))
	}

	switch c.LLM.Provider {
	case "openai":
		if c.LLM.APIKey == "" && c.LLM.BaseURL == "" {
			errs = append(errs, errors.New("llm.api_key 或 llm.base_url 至少需要一个"))
		}
	case "python_bridge":
		if c.LLM.Python.ScriptPath == "" {
			errs = append(errs, errors.New("llm.python_bridge.script_path 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 llm.provider %q", c.LLM.Provider))
	}
	if _, err := c.LLM.Pricing.Resolve(false); err != nil {
		errs = append(errs, err)
	}

	usesRedis := false
	switch c.Quota.Driver {
	case "memory":
	case "redis":
		usesRedis = true
	default:
		errs = append(errs, fmt.Errorf("不支持的 quota.driver %q", c.Quota.Driver))
	}
	if _, err := c.Quota.Policy(); err != nil {
		errs = append(errs, err)
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		usesRedis = true
	case "rabbitmq":
		if c.Queue.URL == "" {
			errs = append(errs, errors.New("queue.url 不能为空（driver=rabbitmq）"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 queue.driver %q", c.Queue.Driver))
	}
	if usesRedis && c.Redis.URL == "" && c.Redis.Address == "" {
		errs = append(errs, errors.New("redis.url 或 redis.address 不能为空"))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint 不能为空"))
	}
	return errors.Join(errs...)
}

// SQL 返回 SQL 连接配置。
func (s StorageConfig) SQL() sqlstore.Config {
	return sqlstore.Config{
		Driver:          s.Driver,
		DSN:             s.DSN,
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: s.ConnMaxLifetime.Std(),
		AutoMigrate:     s.AutoMigrate,
	}
}

// Client 返回 Redis 连接配置。
func (r RedisConfig) Client() redis.Config {
	return redis.Config{
		URL:         r.URL,
		Address:     r.Address,
		Password:    r.Password,
		DB:          r.DB,
		DialTimeout: r.DialTimeout.Std(),
	}
}

// OpenAI 返回 OpenAI 客户端配置。
func (l LLMConfig) OpenAI() openai.Config {
	return openai.Config{
		APIKey:    l.APIKey,
		BaseURL:   l.BaseURL,
		Model:     l.Model,
		MaxRounds: l.MaxRounds,
	}
}

// Resolve 将价格配置合并到默认价格表上。selfHosted 为真时费用恒为 0。
func (p PricingConfig) Resolve(selfHosted bool) (llm.Pricing, error) {
	if selfHosted {
		return llm.SelfHostedPricing(), nil
	}
	pricing := llm.DefaultPricing()
	for model, price := range p.Models {
		parsed, err := price.parse()
		if err != nil {
			return llm.Pricing{}, fmt.Errorf("llm.pricing.models.%s: %w", model, err)
		}
		pricing.Models[strings.ToLower(strings.TrimSpace(model))] = parsed
	}
	if p.Default != nil {
		parsed, err := p.Default.parse()
		if err != nil {
			return llm.Pricing{}, fmt.Errorf("llm.pricing.default: %w", err)
		}
		pricing.Default = parsed
	}
	return pricing, nil
}

func (p PriceConfig) parse() (llm.Price, error) {
	prompt, err := decimal.NewFromString(p.PromptPerMillion)
	if err != nil {
		return llm.Price{}, fmt.Errorf("prompt_per_million: %w", err)
	}
	completion, err := decimal.NewFromString(p.CompletionPerMillion)
	if err != nil {
		return llm.Price{}, fmt.Errorf("completion_per_million: %w", err)
	}
	return llm.PerMillion(prompt, completion), nil
}

// Policy 将配额配置转换为配额策略，组织键必须是正整数。
func (q QuotaConfig) Policy() (quota.Policy, error) {
	policy := quota.Policy{Window: q.Window.Std(), Default: q.Default}
	if len(q.Organizations) > 0 {
		policy.Organizations = make(map[int64]quota.Limits, len(q.Organizations))
		for key, limits := range q.Organizations {
			id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
			if err != nil || id <= 0 {
				return quota.Policy{}, fmt.Errorf("quota.organizations: 无效的组织编号 %q", key)
			}
			policy.Organizations[id] = limits
		}
	}
	return policy, nil
}

// Logger 返回日志初始化配置。
func (l LoggingConfig) Logger() logger.Config {
	return logger.Config{
		Level:       l.Level,
		Format:      l.Format,
		OutputPaths: l.OutputPaths,
		Service:     "sprintpilot",
		Audit: logger.AuditConfig{
			Enabled:    l.AuditPath != "",
			Path:       l.AuditPath,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
		},
	}
}

// Tracer 返回链路追踪配置。
func (t TracingConfig) Tracer() tracing.Config {
	return tracing.Config{
		Enabled:     t.Enabled,
		Endpoint:    t.Endpoint,
		ServiceName: t.ServiceName,
		SampleRatio: t.SampleRatio,
	}
}
