package logging

import (
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// ContextHook 从 entry.Context 中提取请求 ID 与 trace ID。
// 已显式设置的字段不会被覆盖。
type ContextHook struct{}

// Levels 实现 logrus.Hook。
func (ContextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 实现 logrus.Hook。
func (ContextHook) Fire(entry *logrus.Entry) error {
	ctx := entry.Context
	if ctx == nil {
		return nil
	}
	if _, set := entry.Data["request_id"]; !set {
		if id := RequestIDFromContext(ctx); id != "" {
			entry.Data["request_id"] = id
		}
	}
	if _, set := entry.Data["trace_id"]; !set {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			entry.Data["trace_id"] = sc.TraceID().String()
		}
	}
	return nil
}
