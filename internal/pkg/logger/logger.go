// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// base 是全局的基础 Logger，所有日志都从它派生。
var base = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init 在服务启动时调用一次，为所有日志附加服务名。
func Init(serviceName string) {
	base = base.With().Str("service", serviceName).Logger()
}

// Ctx 返回一个与当前追踪上下文关联的 Logger。
// 如果上下文中存在有效的 Span，日志会自动携带 trace_id / span_id，
// 便于在 Jaeger 和日志系统之间互相跳转。
func Ctx(ctx context.Context) *zerolog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return &base
	}
	l := base.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String()).
		Logger()
	return &l
}

// SetLevel 调整全局日志级别（例如测试时静音）。
func SetLevel(level zerolog.Level) {
	base = base.Level(level)
}
