package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	xerrors "SprintPilot/internal/errors"
	"SprintPilot/internal/llm"
)

// timeoutCause 是派生超时上下文的取消原因，用于区分调用方取消与超时。
type timeoutCause struct {
	timeout time.Duration
}

func (t *timeoutCause) Error() string {
	return fmt.Sprintf("model invocation exceeded %s", t.timeout)
}

// failure 是对一次失败调用的分类结果。
type failure struct {
	code    xerrors.Code
	message string
}

// classifyFailure 依次检查调用方上下文、派生超时上下文和传输错误。判断依据是
// 哪个取消源处于已触发状态，而不是耗时。
func classifyFailure(caller, call context.Context, err error) failure {
	if caller.Err() != nil {
		return failure{code: xerrors.CodeCancelled, message: "request cancelled by caller"}
	}
	var cause *timeoutCause
	if errors.As(context.Cause(call), &cause) {
		return failure{
			code:    xerrors.CodeTimeout,
			message: fmt.Sprintf("model invocation timed out after %s", cause.timeout),
		}
	}
	if errors.Is(err, llm.ErrUnavailable) {
		return failure{code: xerrors.CodeUnavailable, message: fmt.Sprintf("model backend unavailable: %v", err)}
	}
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return failure{code: xerrors.CodeInternal, message: msg}
}

func (f failure) retryable() bool {
	return xerrors.AttributesOf(f.code).Retryable
}

func (f failure) alert() bool {
	return xerrors.AttributesOf(f.code).Alert
}
