package worker

import (
	"fmt"
	"strings"
)

// Logger provides debug logging hooks for the worker.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute is an attribute attached to request spans or their events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts the spans that follow user requests.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records the lifecycle, events and errors of one request.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures protocol engine telemetry.
type MetricHook interface {
	ProtocolSelected(attrs map[string]string)
	LaneOpPosted(attrs map[string]string)
	WouldBlock(attrs map[string]string)
	RequestCompleted(attrs map[string]string)
	RequestFailed(err error, attrs map[string]string)
}

const (
	labelWorker    = "worker"
	labelOperation = "operation"
	labelProtocol  = "protocol"
	labelLane      = "lane"
	labelStatus    = "status"
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (w *Worker) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+1)
	attrs[labelWorker] = w.name
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (w *Worker) logEvent(event string, fields ...logField) {
	if w.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+4)
		kv = append(kv, "event", event, labelWorker, w.name)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		w.structuredLogger.Debugw("fabricproto worker", kv...)
		return
	}
	if w.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	w.logger.Debugf("worker %s %s", w.name, b.String())
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Debugf(format, args...)
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
