package logger

import "go.uber.org/zap"

// GocronLogger 将 gocron 调度器日志转发到 zap
type GocronLogger struct {
	l *zap.SugaredLogger
}

// NewGocronLogger 创建 gocron 日志适配器
func NewGocronLogger(name string) *GocronLogger {
	return &GocronLogger{l: Named(name).Sugar()}
}

func (g *GocronLogger) Debug(msg string, args ...any) { g.l.Debugw(msg, args...) }
func (g *GocronLogger) Info(msg string, args ...any)  { g.l.Infow(msg, args...) }
func (g *GocronLogger) Warn(msg string, args ...any)  { g.l.Warnw(msg, args...) }
func (g *GocronLogger) Error(msg string, args ...any) { g.l.Errorw(msg, args...) }
