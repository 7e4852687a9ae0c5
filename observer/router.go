package observer

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cyijun/hachimi"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedRouter wraps a hachimi.ToolRouter with OTEL instrumentation.
// Catalog reads pass through untraced; only Invoke carries spans.
type ObservedRouter struct {
	inner hachimi.ToolRouter
	inst  *Instruments
}

// WrapRouter returns an instrumented router.
func WrapRouter(inner hachimi.ToolRouter, inst *Instruments) *ObservedRouter {
	return &ObservedRouter{inner: inner, inst: inst}
}

func (o *ObservedRouter) ListAllTools() []hachimi.ToolDescriptor     { return o.inner.ListAllTools() }
func (o *ObservedRouter) ListAllPrompts() []hachimi.PromptDescriptor { return o.inner.ListAllPrompts() }
func (o *ObservedRouter) Stats() hachimi.RouterStats                 { return o.inner.Stats() }

func (o *ObservedRouter) GetPrompt(ctx context.Context, server, name string, args map[string]string) (string, error) {
	return o.inner.GetPrompt(ctx, server, name, args)
}

func (o *ObservedRouter) Invoke(ctx context.Context, qualifiedName string, args json.RawMessage) (string, error) {
	server := serverOf(qualifiedName)
	ctx, span := o.inst.Tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		AttrToolName.String(qualifiedName),
		AttrToolServer.String(server),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Invoke(ctx, qualifiedName, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(AttrToolResultLength.Int(len(result)))
	}

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(qualifiedName),
		AttrToolServer.String(server),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(qualifiedName),
		AttrToolServer.String(server),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool invocation completed"))
	rec.AddAttributes(
		otellog.String("tool.name", qualifiedName),
		otellog.String("tool.server", server),
		otellog.Float64("tool.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// serverOf extracts the server prefix of a qualified name, or "" for a
// bare (collision-free) name.
func serverOf(qualifiedName string) string {
	if server, _, ok := strings.Cut(qualifiedName, ":"); ok {
		return server
	}
	return ""
}

var _ hachimi.ToolRouter = (*ObservedRouter)(nil)
