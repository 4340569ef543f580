package utils

import (
	"runtime/debug"

	"go.uber.org/zap"

	"yqhp/cluster-registry/pkg/logger"
)

// SafeGo 安全地启动一个 goroutine，自动捕获 panic 并记录日志
func SafeGo(fn func()) {
	SafeGoWithName("anonymous", fn)
}

// SafeGoWithName 安全地启动一个带名称的 goroutine，便于日志追踪
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// Recover 捕获当前 goroutine 的 panic 并记录堆栈，需以 defer 方式调用
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Error("goroutine panic recovered",
			zap.String("goroutine", name),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()),
		)
	}
}
