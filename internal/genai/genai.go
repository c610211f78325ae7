// Package genai holds the GenAI semantic-convention attribute names
// (SPEC_FULL §6, C16) and span helpers that attach them, adapting
// internal/adapter/otel's provider setup from CodeForge's run/tool-call
// spans to the stable gen_ai.* attribute vocabulary.
package genai

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute name constants, stable per spec §6.
const (
	AttrSystem          = "gen_ai.system"
	AttrOperationName   = "gen_ai.operation.name"
	AttrRequestModel    = "gen_ai.request.model"
	AttrResponseModel   = "gen_ai.response.model"
	AttrResponseID      = "gen_ai.response.id"
	AttrUsageInputToks  = "gen_ai.usage.input_tokens"
	AttrUsageOutputToks = "gen_ai.usage.output_tokens"
	AttrUsageTotalToks  = "gen_ai.usage.total_tokens"
	AttrFinishReasons   = "gen_ai.response.finish_reasons"
)

// captureContentEnv is the environment variable named in spec §6 gating
// whether prompt/completion content is attached to spans.
const captureContentEnv = "OTEL_INSTRUMENTATION_GENAI_CAPTURE_MESSAGE_CONTENT"

// CaptureMessageContent reports whether OTEL_INSTRUMENTATION_GENAI_CAPTURE_MESSAGE_CONTENT
// is set to a truthy value.
func CaptureMessageContent() bool {
	v, ok := os.LookupEnv(captureContentEnv)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// Tracer wraps a trace.Tracer to attach GenAI semantic-convention
// attributes instead of CodeForge's run/tool-call naming.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer wraps the global tracer provider's Tracer for instrumentationName.
func NewTracer(instrumentationName string) *Tracer {
	return &Tracer{tracer: otel.Tracer(instrumentationName)}
}

// RequestAttrs describes one model call's request-side attributes.
type RequestAttrs struct {
	System    string
	Operation string // e.g. "chat", "text_completion", "embeddings"
	Model     string
}

// StartModelSpan opens a span for one model invocation, tagged with the
// GenAI request attributes. The returned function ends the span and
// records the response attributes.
func (t *Tracer) StartModelSpan(ctx context.Context, req RequestAttrs) (context.Context, func(resp ResponseAttrs)) {
	spanName := fmt.Sprintf("%s %s", req.Operation, req.Model)
	ctx, span := t.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String(AttrSystem, req.System),
		attribute.String(AttrOperationName, req.Operation),
		attribute.String(AttrRequestModel, req.Model),
	))
	return ctx, func(resp ResponseAttrs) {
		defer span.End()
		attrs := []attribute.KeyValue{
			attribute.String(AttrResponseModel, resp.Model),
			attribute.String(AttrResponseID, resp.ResponseID),
			attribute.Int64(AttrUsageInputToks, resp.InputTokens),
			attribute.Int64(AttrUsageOutputToks, resp.OutputTokens),
			attribute.Int64(AttrUsageTotalToks, resp.InputTokens+resp.OutputTokens),
		}
		if len(resp.FinishReasons) > 0 {
			attrs = append(attrs, attribute.StringSlice(AttrFinishReasons, resp.FinishReasons))
		}
		span.SetAttributes(attrs...)
		if CaptureMessageContent() {
			attachMessages(span, resp.Prompt, resp.Completion)
		}
	}
}

// ResponseAttrs describes a completed model call's response-side
// attributes.
type ResponseAttrs struct {
	Model         string
	ResponseID    string
	InputTokens   int64
	OutputTokens  int64
	FinishReasons []string
	Prompt        []Message
	Completion    []Message
}

// Message is one prompt or completion turn, attached to a span only when
// content capture is enabled.
type Message struct {
	Role         string
	Content      string
	FinishReason string // only meaningful for completion messages
}

func attachMessages(span trace.Span, prompt, completion []Message) {
	for i, m := range prompt {
		span.SetAttributes(
			attribute.String(fmt.Sprintf("gen_ai.prompt.%d.role", i), m.Role),
			attribute.String(fmt.Sprintf("gen_ai.prompt.%d.content", i), m.Content),
		)
	}
	for i, m := range completion {
		span.SetAttributes(
			attribute.String(fmt.Sprintf("gen_ai.completion.%d.role", i), m.Role),
			attribute.String(fmt.Sprintf("gen_ai.completion.%d.content", i), m.Content),
			attribute.String(fmt.Sprintf("gen_ai.completion.%d.finish_reason", i), m.FinishReason),
		)
	}
}

// ToolCall describes one tool invocation a span can record.
type ToolCall struct {
	Name      string
	Arguments string
	Result    string
}

// AttachToolCalls tags span with gen_ai.tool.{i}.* attributes for each
// call, gated by content capture exactly like prompt/completion content.
func AttachToolCalls(span trace.Span, calls []ToolCall) {
	if !CaptureMessageContent() {
		return
	}
	for i, c := range calls {
		span.SetAttributes(
			attribute.String(fmt.Sprintf("gen_ai.tool.%d.name", i), c.Name),
			attribute.String(fmt.Sprintf("gen_ai.tool.%d.arguments", i), c.Arguments),
			attribute.String(fmt.Sprintf("gen_ai.tool.%d.result", i), c.Result),
		)
	}
}
