// Package nats implements the message queue port using core NATS pub/sub
// (not JetStream): SPEC_FULL §5 wants at-most-once delivery where a slow
// subscriber has messages dropped rather than blocking the publisher, which
// is core NATS's native subscription behavior, not a durable stream's.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/agenttrace/core/internal/logger"
	"github.com/agenttrace/core/internal/port/messagequeue"
	"github.com/agenttrace/core/internal/resilience"
)

const (
	headerRequestID = "X-Request-ID"

	// laggedSuffix marks a synthetic handler invocation reporting a slow
	// consumer's drop count, since messagequeue.Handler carries no field
	// for it; data is the ASCII decimal dropped count. Subscribers that
	// care about Lagged(n) (SPEC_FULL §4.6/§8's broadcast semantics)
	// check for this suffix; others can ignore it like any other
	// subject they didn't subscribe to.
	laggedSuffix = ".lagged"

	// pendingMsgLimit/pendingBytesLimit bound each subscription's
	// client-side buffer; once either is exceeded core NATS drops
	// further messages for that subscription until the consumer catches
	// up (ErrSlowConsumer), which is exactly the "lagged subscriber"
	// case this adapter reports via laggedSuffix.
	pendingMsgLimit  = 4096
	pendingBytesLimit = 16 << 20
)

// Queue implements messagequeue.Queue over a single core-NATS connection.
type Queue struct {
	nc      *nats.Conn
	breaker *resilience.Breaker

	mu   sync.Mutex
	subs map[*nats.Subscription]messagequeue.Handler
}

// Connect establishes a connection to NATS. Unlike a JetStream-backed
// queue, no stream or consumer provisioning is needed: subjects are
// created implicitly by the first publish/subscribe.
func Connect(ctx context.Context, url string) (*Queue, error) {
	q := &Queue{subs: make(map[*nats.Subscription]messagequeue.Handler)}

	nc, err := nats.Connect(url,
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			q.handleAsyncError(sub, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	q.nc = nc

	slog.Info("nats connected", "url", url)
	return q, nil
}

// SetBreaker attaches a circuit breaker to the publish path.
func (q *Queue) SetBreaker(b *resilience.Breaker) {
	q.breaker = b
}

// Publish sends a message to subject. If the context carries a request ID
// it is injected as a NATS header. Core NATS publish never blocks on slow
// subscribers — it is fire-and-forget past the local connection buffer.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data}

	if reqID := logger.RequestID(ctx); reqID != "" {
		msg.Header = nats.Header{}
		msg.Header.Set(headerRequestID, reqID)
	}

	publish := func() error {
		if err := q.nc.PublishMsg(msg); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	if q.breaker != nil {
		return q.breaker.Execute(publish)
	}
	return publish()
}

// Subscribe registers handler for subject. Unlike the JetStream-backed
// version this replaces, there is no ack/nak/redelivery/DLQ: delivery is
// at-most-once and a handler error is only logged, matching spec's lossy
// broadcast semantics rather than a durable work queue's.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	sub, err := q.nc.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx := ctx
		if msg.Header != nil {
			if reqID := msg.Header.Get(headerRequestID); reqID != "" {
				msgCtx = logger.WithRequestID(msgCtx, reqID)
			}
		}
		if err := handler(msgCtx, msg.Subject, msg.Data); err != nil {
			slog.Error("broadcast handler failed",
				"subject", msg.Subject,
				"request_id", logger.RequestID(msgCtx),
				"error", err,
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	if err := sub.SetPendingLimits(pendingMsgLimit, pendingBytesLimit); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats set pending limits: %w", err)
	}

	q.mu.Lock()
	q.subs[sub] = handler
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.subs, sub)
		q.mu.Unlock()
		_ = sub.Unsubscribe()
	}, nil
}

// handleAsyncError reports a slow-consumer drop as a synthetic handler
// invocation on subject+laggedSuffix, carrying the subscription's current
// dropped count per SPEC_FULL §4.6's Lagged(n) signal.
func (q *Queue) handleAsyncError(sub *nats.Subscription, err error) {
	if sub == nil || err != nats.ErrSlowConsumer {
		slog.Error("nats async error", "error", err)
		return
	}

	q.mu.Lock()
	handler, ok := q.subs[sub]
	q.mu.Unlock()
	if !ok {
		return
	}

	dropped, derr := sub.Dropped()
	if derr != nil {
		slog.Error("nats dropped count unavailable", "error", derr)
		return
	}

	slog.Warn("broadcast subscriber lagging", "subject", sub.Subject, "dropped", dropped)
	if herr := handler(context.Background(), sub.Subject+laggedSuffix, []byte(strconv.Itoa(dropped))); herr != nil {
		slog.Error("lagged-signal handler failed", "subject", sub.Subject, "error", herr)
	}
}

// Drain gracefully drains all subscriptions, waits for pending messages,
// then closes the connection.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	for q.nc.IsConnected() {
		// Spin briefly; Drain closes the connection after flushing.
	}
	return nil
}

// Close shuts down the NATS connection immediately.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the NATS connection is active.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}
