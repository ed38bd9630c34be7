package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Class     Class
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeValidation            Code = "VALIDATION_FAILED"
	CodeInvalidOperation      Code = "INVALID_OPERATION"
	CodeForbidden             Code = "FORBIDDEN"
	CodeQuotaExceeded         Code = "QUOTA_EXCEEDED"
	CodeInvalidOrganization   Code = "INVALID_ORGANIZATION"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "AI_TIMEOUT"
	CodeUnavailable           Code = "AI_UNAVAILABLE"
	CodeInternal              Code = "INTERNAL_ERROR"
	CodeCancelled             Code = "REQUEST_CANCELLED"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:   "unknown error",
			Severity:  SeverityCritical,
			Class:     ClassInternal,
			Retryable: false,
			Alert:     true,
		},
		CodeInvalidArgument: {
			Message:   "invalid argument",
			Severity:  SeverityInfo,
			Class:     ClassValidation,
			Retryable: false,
			Alert:     false,
		},
		CodeNotFound: {
			Message:   "resource not found",
			Severity:  SeverityInfo,
			Class:     ClassNotFound,
			Retryable: false,
			Alert:     false,
		},
		CodeValidation: {
			Message:   "validation failed",
			Severity:  SeverityInfo,
			Class:     ClassValidation,
			Retryable: false,
			Alert:     false,
		},
		CodeInvalidOperation: {
			Message:   "operation not allowed in current state",
			Severity:  SeverityInfo,
			Class:     ClassValidation,
			Retryable: false,
			Alert:     false,
		},
		CodeForbidden: {
			Message:   "forbidden",
			Severity:  SeverityWarning,
			Class:     ClassForbidden,
			Retryable: false,
			Alert:     false,
		},
		CodeQuotaExceeded: {
			Message:   "usage quota exceeded",
			Severity:  SeverityWarning,
			Class:     ClassForbidden,
			Retryable: false,
			Alert:     false,
		},
		CodeInvalidOrganization: {
			Message:   "organization id must be positive",
			Severity:  SeverityCritical,
			Class:     ClassInternal,
			Retryable: false,
			Alert:     true,
		},
		CodeConflict: {
			Message:   "resource conflict",
			Severity:  SeverityWarning,
			Class:     ClassValidation,
			Retryable: false,
			Alert:     false,
		},
		CodeInitializationFailure: {
			Message:   "service not initialized",
			Severity:  SeverityWarning,
			Class:     ClassInternal,
			Retryable: true,
			Alert:     true,
		},
		CodeStorageFailure: {
			Message:   "storage failure",
			Severity:  SeverityCritical,
			Class:     ClassInternal,
			Retryable: true,
			Alert:     true,
		},
		CodeQueueFailure: {
			Message:   "queue failure",
			Severity:  SeverityCritical,
			Class:     ClassInternal,
			Retryable: true,
			Alert:     true,
		},
		CodeTimeout: {
			Message:   "model invocation timed out",
			Severity:  SeverityWarning,
			Class:     ClassTimeout,
			Retryable: true,
			Alert:     false,
		},
		CodeUnavailable: {
			Message:   "model backend unavailable",
			Severity:  SeverityWarning,
			Class:     ClassUnavailable,
			Retryable: true,
			Alert:     true,
		},
		CodeInternal: {
			Message:   "internal error",
			Severity:  SeverityCritical,
			Class:     ClassInternal,
			Retryable: false,
			Alert:     true,
		},
		CodeCancelled: {
			Message:   "request cancelled by caller",
			Severity:  SeverityInfo,
			Class:     ClassInternal,
			Retryable: false,
			Alert:     false,
		},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。是否重试、是否告警以及所属分类都由错误码的
// 注册属性决定，单个错误只能覆盖严重程度。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	severity Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithSeverity 覆盖错误码默认的严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = sev
	}
}

// New 创建错误，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	default:
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码匹配。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码，nil 视为 CodeUnknown。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

func (e *Error) attributes() Attributes {
	return AttributesOf(e.Code())
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool { return e != nil && e.attributes().Retryable }

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool { return e != nil && e.attributes().Alert }

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e != nil && e.severity != "" {
		return e.severity
	}
	return e.attributes().Severity
}

// Class 返回错误所属的分类。
func (e *Error) Class() Class {
	if e == nil {
		return ClassInternal
	}
	return e.attributes().Class
}

// From 取出错误链上最外层的统一错误。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误对应的错误码，链上没有统一错误时为 CodeUnknown。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	e, _ := From(err)
	return e.Retryable()
}

// ShouldAlert 判断任意 error 是否需要触发告警。
func ShouldAlert(err error) bool {
	e, _ := From(err)
	return e.ShouldAlert()
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	e, _ := From(err)
	return e.Severity()
}

// IsCode 判断错误链上是否存在指定错误码。
func IsCode(err error, code Code) bool {
	return stdErrors.Is(err, &Error{code: code})
}
