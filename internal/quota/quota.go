// Package quota 在任何模型调用之前执行组织级用量配额检查。
// 配额上限由外部传入，本包只负责执行，不决定策略。
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "SprintPilot/internal/errors"
	"SprintPilot/pkg/logger"
)

// Dimension 表示一种受管控的可计量资源。
type Dimension string

const (
	DimensionTokens    Dimension = "Tokens"
	DimensionRequests  Dimension = "Requests"
	DimensionDecisions Dimension = "Decisions"
)

// Dimensions 列出全部配额维度。
var Dimensions = []Dimension{DimensionTokens, DimensionRequests, DimensionDecisions}

// Outcome 是一次配额检查的结果。
type Outcome struct {
	Allowed   bool
	Dimension Dimension
	Used      int64
	Limit     int64
}

// Service 是外部配额服务的契约。Consume 在额度足够时扣减 amount（amount 为 0
// 时仅确认仍有剩余额度），否则不扣减并返回 Allowed=false；Record 无条件累加
// 已经发生的用量。
type Service interface {
	Consume(ctx context.Context, organizationID int64, dim Dimension, amount int64) (Outcome, error)
	Record(ctx context.Context, organizationID int64, dim Dimension, amount int64) error
}

// Limits 描述每个维度在一个周期内的上限，0 表示不限制。
type Limits struct {
	Tokens    int64 `json:"tokens" yaml:"tokens" env:"TOKENS"`
	Requests  int64 `json:"requests" yaml:"requests" env:"REQUESTS"`
	Decisions int64 `json:"decisions" yaml:"decisions" env:"DECISIONS"`
}

// For 返回指定维度的上限。
func (l Limits) For(dim Dimension) int64 {
	switch dim {
	case DimensionTokens:
		return l.Tokens
	case DimensionRequests:
		return l.Requests
	case DimensionDecisions:
		return l.Decisions
	default:
		return 0
	}
}

// Policy 是注入给配额服务的限额配置。
type Policy struct {
	Window        time.Duration
	Default       Limits
	Organizations map[int64]Limits
}

// LimitFor 返回组织在指定维度上的上限。
func (p Policy) LimitFor(organizationID int64, dim Dimension) int64 {
	if limits, ok := p.Organizations[organizationID]; ok {
		return limits.For(dim)
	}
	return p.Default.For(dim)
}

func (p Policy) window() time.Duration {
	if p.Window <= 0 {
		return time.Hour
	}
	return p.Window
}

// ExceededError 表示配额耗尽，属于 Forbidden 类错误。
type ExceededError struct {
	Dimension      Dimension
	OrganizationID int64
	Used           int64
	Limit          int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("organization %d exceeded %s quota (%d/%d)", e.OrganizationID, e.Dimension, e.Used, e.Limit)
}

// Unwrap 暴露统一错误码 QUOTA_EXCEEDED。
func (e *ExceededError) Unwrap() error {
	return xerrors.New(xerrors.CodeQuotaExceeded, e.Error(),
		xerrors.WithMetadata("dimension", string(e.Dimension)),
		xerrors.WithMetadata("organization_id", fmt.Sprint(e.OrganizationID)))
}

// Guard 在调用模型前执行配额检查。
type Guard struct {
	service Service
	log     *slog.Logger
}

// NewGuard 创建配额守卫。
func NewGuard(service Service) *Guard {
	return &Guard{service: service, log: logger.Named("quota")}
}

// Check 为一次受管控的调用扣减一个单位。organizationID 必须为正数，否则视为
// 调用方的编程错误而不是配额失败。
func (g *Guard) Check(ctx context.Context, organizationID int64, dim Dimension) error {
	if organizationID <= 0 {
		return InvalidOrganization(organizationID)
	}
	amount := int64(1)
	if dim == DimensionTokens {
		amount = 0
	}
	outcome, err := g.service.Consume(ctx, organizationID, dim, amount)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "quota check failed",
			xerrors.WithMetadata("dimension", string(dim)))
	}
	if !outcome.Allowed {
		g.log.Warn("配额不足",
			slog.Int64("organization_id", organizationID),
			slog.String("dimension", string(dim)),
			slog.Int64("used", outcome.Used),
			slog.Int64("limit", outcome.Limit))
		return &ExceededError{Dimension: dim, OrganizationID: organizationID, Used: outcome.Used, Limit: outcome.Limit}
	}
	return nil
}

// RecordTokens 在调用成功后累加令牌用量。
func (g *Guard) RecordTokens(ctx context.Context, organizationID int64, tokens int) error {
	if organizationID <= 0 {
		return InvalidOrganization(organizationID)
	}
	if tokens <= 0 {
		return nil
	}
	if err := g.service.Record(ctx, organizationID, DimensionTokens, int64(tokens)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "record token usage failed")
	}
	return nil
}

// InvalidOrganization 返回组织编号非法的致命错误。
func InvalidOrganization(organizationID int64) error {
	return xerrors.New(xerrors.CodeInvalidOrganization,
		fmt.Sprintf("organization id must be positive, got %d", organizationID),
		xerrors.WithMetadata("organization_id", fmt.Sprint(organizationID)))
}

// allowed 判断在 used 的基础上再扣减 amount 是否超出 limit。
func allowed(used, amount, limit int64) bool {
	if limit <= 0 {
		return true
	}
	need := amount
	if need < 1 {
		need = 1
	}
	return used+need <= limit
}
