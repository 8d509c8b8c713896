package entity

import (
	"context"
	"time"

	"VisualSphere/src/library/enum"
)

// ModuleHandle 已编译模块的不透明句柄，由持有它的 CompiledProgram 独占
type ModuleHandle interface {
	Close(ctx context.Context) error
}

// CompiledProgram 可执行的视觉程序
type CompiledProgram struct {
	ProgramID  string
	Tier       enum.ExecutionTier
	Module     ModuleHandle
	CompiledAt time.Time
	Ready      bool
	Fallback   bool // 是否为回退程序
}

// Release 释放模块句柄，重复调用安全
func (p *CompiledProgram) Release(ctx context.Context) error {
	if p == nil || p.Module == nil {
		return nil
	}
	m := p.Module
	p.Module = nil
	p.Ready = false
	return m.Close(ctx)
}
