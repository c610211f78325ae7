// Package evaltrace implements EvalTraceV1 (SPEC_FULL §4.17, C17): the
// canonical materialized transcript/outcome format downstream evaluators
// consume, with a content hash stable under re-export.
package evaltrace

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/agenttrace/core/internal/domain"
)

// SchemaVersion is the current wire schema version for EvalTraceV1.
const SchemaVersion = 1

// EventKind tags one transcript entry's shape, per spec §3.
type EventKind string

const (
	EventMessage    EventKind = "message"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventSpanStart  EventKind = "span_start"
	EventSpanEnd    EventKind = "span_end"
)

// TranscriptEvent is one tagged entry in EvalTraceV1's transcript.
type TranscriptEvent struct {
	Kind        EventKind       `json:"kind"`
	TimestampUS uint64          `json:"timestamp_us"`
	Data        json.RawMessage `json:"data"`
}

// Outcome carries the base result fields every trace has.
type Outcome struct {
	Messages   []json.RawMessage `json:"messages,omitempty"`
	OutputText string            `json:"output_text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SideEffect records one observed mutation a trace's outcome produced.
type SideEffect struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// OutcomeV2 extends Outcome with before/after state snapshots and the
// side effects observed between them.
type OutcomeV2 struct {
	StateBefore json.RawMessage `json:"state_before,omitempty"`
	StateAfter  json.RawMessage `json:"state_after,omitempty"`
	SideEffects []SideEffect    `json:"side_effects,omitempty"`
}

// SpanSummary is one span's materialized record inside the trace.
type SpanSummary struct {
	EdgeID      string  `json:"edge_id"`
	SpanType    string  `json:"span_type"`
	Name        string  `json:"name"`
	TimestampUS uint64  `json:"timestamp_us"`
	DurationUS  uint64  `json:"duration_us"`
	Confidence  float32 `json:"confidence"`
}

// Stats summarizes the trace's span/transcript counts.
type Stats struct {
	SpanCount       int `json:"span_count"`
	TranscriptCount int `json:"transcript_count"`
	ToolCallCount   int `json:"tool_call_count"`
}

// EvalTraceV1 is the canonical wire shape named in spec §3/§6.
type EvalTraceV1 struct {
	SchemaVersion int                `json:"schema_version"`
	TraceID       string             `json:"trace_id"`
	SessionID     uint64             `json:"session_id"`
	TraceRef      *string            `json:"trace_ref"`
	Spans         []SpanSummary      `json:"spans"`
	Transcript    []TranscriptEvent  `json:"transcript"`
	Outcome       Outcome            `json:"outcome"`
	OutcomeV2     *OutcomeV2         `json:"outcome_v2,omitempty"`
	Stats         Stats              `json:"stats"`
	ContentHash   string             `json:"content_hash,omitempty"`
}

// New constructs an EvalTraceV1 with stats derived from spans/transcript
// and the content hash computed over the result.
func New(traceID string, sessionID uint64, traceRef *string, spans []SpanSummary, transcript []TranscriptEvent, outcome Outcome, outcomeV2 *OutcomeV2) (EvalTraceV1, error) {
	toolCalls := 0
	for _, ev := range transcript {
		if ev.Kind == EventToolCall {
			toolCalls++
		}
	}

	t := EvalTraceV1{
		SchemaVersion: SchemaVersion,
		TraceID:       traceID,
		SessionID:     sessionID,
		TraceRef:      traceRef,
		Spans:         spans,
		Transcript:    transcript,
		Outcome:       outcome,
		OutcomeV2:     outcomeV2,
		Stats: Stats{
			SpanCount:       len(spans),
			TranscriptCount: len(transcript),
			ToolCallCount:   toolCalls,
		},
	}

	hash, err := ContentHash(t)
	if err != nil {
		return EvalTraceV1{}, err
	}
	t.ContentHash = hash
	return t, nil
}

// ContentHash computes a stable hash over t with trace_ref nulled and
// content_hash itself excluded, so re-exporting an already-hashed trace
// reproduces the same value, per spec §8.
func ContentHash(t EvalTraceV1) (string, error) {
	copyForHash := t
	copyForHash.TraceRef = nil
	copyForHash.ContentHash = ""

	b, err := json.Marshal(copyForHash)
	if err != nil {
		return "", fmt.Errorf("%w: evaltrace: marshal for hash: %v", domain.ErrValidation, err)
	}
	sum := xxhash.Sum64(b)
	return fmt.Sprintf("%016x", sum), nil
}

// Verify recomputes t's content hash and reports whether it matches the
// stored ContentHash field.
func Verify(t EvalTraceV1) (bool, error) {
	want, err := ContentHash(t)
	if err != nil {
		return false, err
	}
	return want == t.ContentHash, nil
}
