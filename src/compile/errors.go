package compile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"VisualSphere/src/library/enum"
)

var (
	// ErrCompilationExhausted 所有层级都失败
	ErrCompilationExhausted = errors.New("compilation exhausted")
	// ErrCircuitOpen 层级熔断器已打开
	ErrCircuitOpen = errors.New("tier circuit open")
)

// CompileError 单层编译失败
type CompileError struct {
	Reason    enum.ReasonCode
	Tier      enum.ExecutionTier
	ProgramID string
	Message   string
	Cause     error
	Timestamp time.Time
}

// Error 实现error接口
func (e *CompileError) Error() string {
	return fmt.Sprintf("[%s] %s compile failed (%s): %s", e.Tier, e.ProgramID, e.Reason, e.Message)
}

// Unwrap 支持错误链
func (e *CompileError) Unwrap() error {
	return e.Cause
}

// CompilationExhaustedError 所有可用层级都失败后的终止错误
type CompilationExhaustedError struct {
	ProgramID string
	Attempts  []*CompileError
}

func (e *CompilationExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("%s: no eligible tier", e.ProgramID)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s=%s", a.Tier, a.Reason))
	}
	return fmt.Sprintf("%s: all tiers failed [%s]", e.ProgramID, strings.Join(parts, ", "))
}

// Is 使 errors.Is(err, ErrCompilationExhausted) 成立
func (e *CompilationExhaustedError) Is(target error) bool {
	return target == ErrCompilationExhausted
}

// Unwrap 返回各层的失败原因
func (e *CompilationExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a)
	}
	return errs
}

type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// ClassifyError 根据错误类型与关键词判断失败原因
func ClassifyError(err error) enum.ReasonCode {
	if err == nil {
		return enum.ReasonNone
	}
	var pe *panicError
	if errors.As(err, &pe) {
		return enum.ReasonUnexpected
	}
	var ce *CompileError
	if errors.As(err, &ce) && ce.Reason != enum.ReasonNone {
		return ce.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return enum.ReasonEnvironmentConstraint
	}

	msg := strings.ToLower(err.Error())
	switch {
	case contains(msg, "disabled", "not enabled", "unsupported", "not supported"):
		return enum.ReasonFeatureUnsupported
	case contains(msg, "out of memory", "over limit", "memory limit", "allocation failed"):
		return enum.ReasonMemoryConstraint
	case contains(msg, "import", "link", "unresolved", "undefined symbol"):
		return enum.ReasonLinkError
	case contains(msg, "trap", "unreachable", "stack overflow", "divide by zero"):
		return enum.ReasonRuntimeTrap
	case contains(msg, "not available", "permission", "sandbox", "environment"):
		return enum.ReasonEnvironmentConstraint
	default:
		return enum.ReasonUnexpected
	}
}

// contains 检查字符串是否包含任一关键词
func contains(str string, keywords ...string) bool {
	for _, keyword := range keywords {
		if strings.Contains(str, keyword) {
			return true
		}
	}
	return false
}
