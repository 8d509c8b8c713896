package compile

import (
	"context"

	"VisualSphere/src/library/enum"
)

// PassthroughLowerer 不做改写，由加载器在降级后的特性集合下重新校验
// 使用了线程指令的模块会在校验阶段被拒绝，按层级失败处理
type PassthroughLowerer struct{}

func (PassthroughLowerer) Lower(_ context.Context, module []byte, _ enum.ExecutionTier) ([]byte, error) {
	return module, nil
}

// BinaryCompiler 预设内容本身就是 wasm 二进制，各层级返回同一份字节
type BinaryCompiler struct{}

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

func (BinaryCompiler) Compile(_ context.Context, source PresetSource, _ enum.ExecutionTier) ([]byte, error) {
	if len(source.Body) < len(wasmMagic) || string(source.Body[:4]) != string(wasmMagic) {
		return nil, &CompileError{Reason: enum.ReasonUnexpected, ProgramID: source.ID, Message: "preset body is not a wasm binary"}
	}
	return source.Body, nil
}
