// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the core-NATS broadcast bus (SPEC_FULL §4.6/§5):
// every subject here is fanned out at-most-once to live subscribers after
// the corresponding commit, never used for work dispatch or RPC.
const (
	// SubjectEdgeCommitted carries the wire-encoded edge after a
	// successful C6 commit (edge + payload + session-index in one
	// transaction). SubjectEdgeCommittedProject is the same event scoped
	// to one project for SSE/WebSocket subscribers filtering by project.
	SubjectEdgeCommitted        = "edges.committed"
	SubjectEdgeCommittedProject = "edges.committed.%d" // formatted with project_id

	// SubjectEvalMetricStored fires after C8 commits one or more
	// EvalMetric rows for an edge.
	SubjectEvalMetricStored = "evalmetrics.stored"

	// SubjectSessionEnded fires when C9's ContinuityManager marks a
	// session ended (timeout or explicit close), so MCP/UI subscribers
	// can drop their live view of it.
	SubjectSessionEnded = "sessions.ended"

	// SubjectRetentionSwept fires once per retention_sweep invocation
	// (C7), carrying the summary counts rather than per-edge events.
	SubjectRetentionSwept = "retention.swept"
)
