package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"SprintPilot/internal/agent"
	"SprintPilot/internal/audit"
	"SprintPilot/internal/capability"
	"SprintPilot/internal/config"
	"SprintPilot/internal/domain"
	"SprintPilot/internal/llm"
	"SprintPilot/internal/llm/openai"
	"SprintPilot/internal/llm/pythonbridge"
	"SprintPilot/internal/observability/alerting"
	"SprintPilot/internal/observability/metrics"
	"SprintPilot/internal/observability/tracing"
	"SprintPilot/internal/quota"
	"SprintPilot/internal/storage/redis"
	"SprintPilot/internal/storage/sqlstore"
	"SprintPilot/internal/task"
	"SprintPilot/pkg/logger"
	"SprintPilot/pkg/plugin"
)

// app 持有一次进程生命周期内装配好的全部组件。
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	metrics    *metrics.Recorder
	alerts     alerting.Dispatcher
	audit      *audit.Logger
	dispatcher *capability.Dispatcher
	jobStore   task.Store
	queue      task.Queue
	jobs       *task.Service

	closers []func() error
}

// bootstrap 按配置装配存储、配额、模型客户端与任务队列。
func bootstrap(ctx context.Context, configPath string) (_ *app, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging.Logger()); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	a := &app{cfg: cfg, log: logger.Named("sprintpilotd")}
	a.onClose(logger.Sync)
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing.Tracer())
	if err != nil {
		return nil, err
	}
	a.onClose(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(shutdownCtx)
	})

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	a.metrics = metrics.NewRecorder(prometheus.NewRegistry())
	a.alerts = alerting.NewFanout(&alerting.LogNotifier{Logger: logger.Named("alert")})

	store, db, err := a.openDomainStore(ctx)
	if err != nil {
		return nil, err
	}
	execRepo, err := a.openExecutionRepository(db)
	if err != nil {
		return nil, err
	}
	a.audit = audit.NewLogger(execRepo)

	var redisClient *goredis.Client
	if cfg.Quota.Driver == "redis" || cfg.Queue.Driver == "redis" {
		redisClient, err = redis.Open(ctx, cfg.Redis.Client())
		if err != nil {
			return nil, err
		}
		a.onClose(redisClient.Close)
	}

	guard, err := newQuotaGuard(cfg.Quota, redisClient)
	if err != nil {
		return nil, err
	}
	registry, err := newPluginRegistry(cfg.Plugins)
	if err != nil {
		return nil, err
	}
	client, err := newLLMClient(cfg.LLM)
	if err != nil {
		return nil, err
	}
	pricing, err := cfg.LLM.Pricing.Resolve(cfg.LLM.Provider == "python_bridge")
	if err != nil {
		return nil, err
	}

	ag := agent.New(client, registry, a.audit,
		agent.WithQuotaRecorder(guard),
		agent.WithPricing(pricing),
		agent.WithModel(cfg.LLM.Model),
		agent.WithDefaultTimeout(cfg.Agent.DefaultTimeout.Std()),
		agent.WithMetrics(a.metrics),
		agent.WithAlerts(a.alerts),
		agent.WithTracer(tracing.Tracer("sprintpilot/agent")),
	)

	settings, err := capabilitySettings(cfg.Capabilities)
	if err != nil {
		return nil, err
	}
	a.dispatcher = capability.NewDispatcher(ag, store, guard, settings...)

	if err := a.openJobs(db, redisClient); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openDomainStore(ctx context.Context) (domain.Store, *sqlstore.DB, error) {
	var fixture *domain.Fixture
	if a.cfg.Storage.Fixture != "" {
		fx, err := domain.LoadFixture(a.cfg.Storage.Fixture)
		if err != nil {
			return nil, nil, err
		}
		fixture = fx
	}

	if a.cfg.Storage.Driver == "memory" {
		mem := domain.NewMemoryStore()
		if fixture != nil {
			mem.Load(fixture)
		}
		return mem, nil, nil
	}

	db, err := sqlstore.Open(ctx, a.cfg.Storage.SQL())
	if err != nil {
		return nil, nil, err
	}
	a.onClose(db.Close)
	store := sqlstore.NewDomainStore(db)
	if fixture != nil {
		if err := store.Import(ctx, fixture); err != nil {
			return nil, nil, err
		}
	}
	return store, db, nil
}

func (a *app) openExecutionRepository(db *sqlstore.DB) (audit.Repository, error) {
	switch a.cfg.Storage.Executions {
	case "storage":
		if db == nil {
			return nil, errors.New("执行记录需要 SQL 存储")
		}
		return sqlstore.NewExecutionRepository(db), nil
	case "file":
		repo, err := sqlstore.NewFileExecutionRepository(a.cfg.Runtime.DataDir)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return audit.NewMemoryRepository(), nil
	}
}

func (a *app) openJobs(db *sqlstore.DB, redisClient *goredis.Client) error {
	if db != nil {
		a.jobStore = sqlstore.NewJobRepository(db)
	} else {
		a.jobStore = task.NewMemoryStore()
	}

	qc := a.cfg.Queue
	switch qc.Driver {
	case "redis":
		queue, err := task.NewRedisQueue(redisClient, task.RedisQueueConfig{Queue: qc.Name})
		if err != nil {
			return err
		}
		a.queue = queue
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      qc.URL,
			Queue:    qc.Name,
			Prefetch: qc.Prefetch,
			Durable:  true,
		})
		if err != nil {
			return err
		}
		a.queue = queue
	default:
		a.queue = task.NewMemoryQueue(qc.Buffer)
	}
	a.jobs = task.NewService(a.jobStore, a.queue, qc.MaxRetries)
	a.onClose(a.jobs.Close)
	return nil
}

// processor 构造消费队列的任务处理器。
func (a *app) processor() *task.Processor {
	return task.NewProcessor(a.dispatcher, a.jobStore, a.queue, a.queue,
		task.WithWorkerCount(a.cfg.Queue.Workers),
		task.WithRetryDelay(a.cfg.Queue.RetryDelay.Std()),
		task.WithAlertDispatcher(a.alerts),
		task.WithProcessorLogger(logger.Named("task")),
	)
}

// inProcessQueue 判断队列是否只存在于当前进程内。
func (a *app) inProcessQueue() bool {
	return a.cfg.Queue.Driver == "memory"
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close 逆序释放资源。
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newQuotaGuard(cfg config.QuotaConfig, client *goredis.Client) (*quota.Guard, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	if cfg.Driver == "redis" {
		return quota.NewGuard(quota.NewRedisService(client, policy, cfg.Prefix)), nil
	}
	return quota.NewGuard(quota.NewMemoryService(policy)), nil
}

func newPluginRegistry(cfg config.PluginsConfig) (*plugin.Registry, error) {
	if cfg.ConfigPath == "" {
		return plugin.NewRegistry(), nil
	}
	rc, err := plugin.LoadRegistryConfig(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	return plugin.NewRegistryFromConfig(rc)
}

func newLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "python_bridge":
		script := pythonbridge.ResolveScriptPath(cfg.Python.WorkingDir, cfg.Python.ScriptPath)
		client, err := pythonbridge.NewClient(cfg.Python.PythonExecutable, script, cfg.Python.WorkingDir, cfg.Model)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "openai":
		client, err := openai.NewClient(cfg.OpenAI())
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("未知的 LLM 提供方: %s", cfg.Provider)
	}
}

// capabilitySettings 将配置中的能力参数转换为调度器选项，未知能力视为配置错误。
func capabilitySettings(configured map[string]config.CapabilityConfig) ([]capability.Option, error) {
	known := make(map[string]struct{}, len(capability.Names))
	for _, name := range capability.Names {
		known[name] = struct{}{}
	}
	names := make([]string, 0, len(configured))
	for name := range configured {
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("capabilities.%s: 未知的能力", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	opts := make([]capability.Option, 0, len(names))
	for _, name := range names {
		c := configured[name]
		opts = append(opts, capability.WithSettings(name, capability.Override{
			Timeout:         c.Timeout.Std(),
			MaxOutputTokens: c.MaxOutputTokens,
			Temperature:     c.Temperature,
		}))
	}
	return opts, nil
}
