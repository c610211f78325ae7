// Package ingest implements the bounded, async ingestion queue that feeds
// the embedded KV engine (SPEC_FULL §4.6, C6): a multi-producer channel,
// batched per-worker flush, and transactional edge+payload+session-index
// commit. Worker fan-out and cancellation are built on
// golang.org/x/sync/errgroup, the idiomatic extension of the teacher's
// already-vendored golang.org/x/sync module.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agenttrace/core/internal/config"
	"github.com/agenttrace/core/internal/domain"
	"github.com/agenttrace/core/internal/domain/edge"
	"github.com/agenttrace/core/internal/port/kvstore"
	"github.com/agenttrace/core/internal/port/messagequeue"
	"github.com/agenttrace/core/internal/privacy"
	"github.com/agenttrace/core/internal/resilience"
	"github.com/agenttrace/core/internal/storage/index"
	"github.com/agenttrace/core/internal/storage/keys"
	"github.com/agenttrace/core/internal/storage/payload"
	"github.com/agenttrace/core/internal/validation"
)

// AcceptStatus is the outcome of a Submit call.
type AcceptStatus int

const (
	Accepted AcceptStatus = iota
	Rejected
)

// RejectReason names why an item was rejected, surfaced to the transport
// layer so it can map to the right HTTP status (spec §4.6, §7).
type RejectReason string

const (
	ReasonQueueFull   RejectReason = "queue_full"
	ReasonValidation  RejectReason = "validation"
	ReasonShutdown    RejectReason = "shutting_down"
)

// Result is returned by Submit for a single item.
type Result struct {
	Status AcceptStatus
	Reason RejectReason
	Err    error
}

// Item is one edge plus its optional payload and text attributes awaiting
// commit. Attributes are the GenAI-convention attribute map (C16) that the
// privacy pass (C5) runs over before the payload is persisted.
type Item struct {
	Edge       edge.Edge
	Attributes map[string]string

	result chan Result
}

// BatchSummary is returned by SubmitBatch, mirroring the `{accepted,
// rejected, errors[]}` shape spec §6's POST /api/v1/ingest response uses.
type BatchSummary struct {
	Accepted int
	Rejected int
	Errors   []string
}

// Queue is the C6 bounded ingestion queue.
type Queue struct {
	cfg        config.Ingest
	privacyCfg privacy.Config
	kv         kvstore.Store
	idx        *index.Index
	payloads   *payload.Store
	mq         messagequeue.Queue
	wrapper    *resilience.Wrapper
	logger     *slog.Logger

	ch chan *Item
}

// New constructs a Queue. mq and wrapper may be nil: a nil mq skips
// broadcast publish, a nil wrapper runs the commit unwrapped (tests).
func New(cfg config.Ingest, privacyCfg privacy.Config, kv kvstore.Store, idx *index.Index, payloads *payload.Store, mq messagequeue.Queue, wrapper *resilience.Wrapper, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	cap := cfg.QueueCapacity
	if cap <= 0 {
		cap = 1
	}
	return &Queue{
		cfg:        cfg,
		privacyCfg: privacyCfg,
		kv:         kv,
		idx:        idx,
		payloads:   payloads,
		mq:         mq,
		wrapper:    wrapper,
		logger:     logger,
		ch:         make(chan *Item, cap),
	}
}

// Submit enqueues a single edge, returning Rejected(QueueFull) immediately
// (never blocking) when the queue is at capacity, per spec §4.6.
func (q *Queue) Submit(ctx context.Context, e edge.Edge, attrs map[string]string) Result {
	if attrs != nil {
		if err := validation.Attributes(attrs); err != nil {
			return Result{Status: Rejected, Reason: ReasonValidation, Err: err}
		}
	}
	item := &Item{Edge: e, Attributes: attrs}
	select {
	case q.ch <- item:
		return Result{Status: Accepted}
	default:
		return Result{Status: Rejected, Reason: ReasonQueueFull, Err: fmt.Errorf("%w: ingestion queue at capacity", domain.ErrBackpressure)}
	}
}

// SubmitBatch validates the batch size and submits every edge, returning
// the accept/reject counts spec §6's ingest endpoint response carries.
func (q *Queue) SubmitBatch(ctx context.Context, edges []edge.Edge, attrs []map[string]string) (BatchSummary, error) {
	if err := validation.BatchSize(len(edges)); err != nil {
		return BatchSummary{}, err
	}
	var sum BatchSummary
	for i, e := range edges {
		var a map[string]string
		if i < len(attrs) {
			a = attrs[i]
		}
		r := q.Submit(ctx, e, a)
		if r.Status == Accepted {
			sum.Accepted++
		} else {
			sum.Rejected++
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", e.EdgeID, r.Err))
		}
	}
	return sum, nil
}

// Run starts cfg.Workers flush-worker goroutines and blocks until ctx is
// canceled, then drains the channel for up to cfg.DrainTimeout before
// returning, per spec §4.6's graceful-shutdown contract.
func (q *Queue) Run(ctx context.Context) error {
	workers := q.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			q.flushLoop(gctx)
			return nil
		})
	}

	<-gctx.Done()
	q.drain()
	return g.Wait()
}

// drain gives in-flight worker goroutines up to cfg.DrainTimeout to finish
// committing whatever is already buffered in the channel; it does not
// accept new Submit calls past this point (callers should stop calling
// Submit once shutdown begins).
func (q *Queue) drain() {
	deadline := time.Now().Add(q.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		if len(q.ch) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(q.ch); n > 0 {
		q.logger.Warn("ingest: drain timeout exceeded, items left unflushed", "count", n)
	}
}

// flushLoop pulls up to cfg.BatchMax items or waits up to cfg.FlushInterval,
// whichever comes first, then commits the accumulated batch.
func (q *Queue) flushLoop(ctx context.Context) {
	batchMax := q.cfg.BatchMax
	if batchMax < 1 {
		batchMax = 1
	}
	interval := q.cfg.FlushInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]*Item, 0, batchMax)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		q.commitBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case item := <-q.ch:
			batch = append(batch, item)
			if len(batch) >= batchMax {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// commitBatch runs C14/C5/C1 validation per item, then commits the whole
// batch atomically (edge + payload + session-index per item) in one KV
// transaction, and publishes a broadcast event per committed edge.
// logical_clock ordering within the batch is preserved by the order items
// were appended, matching spec §4.6's "edges within one batch are
// committed together" rule.
func (q *Queue) commitBatch(ctx context.Context, batch []*Item) {
	seenInBatch := make(map[edge.ID]bool, len(batch))
	type prepared struct {
		item    *Item
		raw     []byte
		ok      bool
		err     error
	}
	preps := make([]prepared, len(batch))

	for i, it := range batch {
		raw, err := q.prepare(ctx, it, seenInBatch)
		preps[i] = prepared{item: it, raw: raw, ok: err == nil, err: err}
		if err == nil {
			seenInBatch[it.Edge.EdgeID] = true
		}
	}

	commit := func(ctx context.Context) error {
		return q.kv.Tx(ctx, func(w kvstore.Writer) error {
			for _, p := range preps {
				if !p.ok {
					continue
				}
				e := p.item.Edge
				b := e.ToBytes()
				if err := w.Put(keys.Edge(e.ProjectID, e.TimestampUS, e.EdgeID), b[:]); err != nil {
					return fmt.Errorf("commit edge %s: %w", e.EdgeID, err)
				}
				if p.raw != nil {
					if err := payload.PutTx(w, e.EdgeID, p.raw, payload.Compression(e.CompressionType)); err != nil {
						return fmt.Errorf("commit payload %s: %w", e.EdgeID, err)
					}
				}
				if err := w.Put(keys.SessionIndex(e.SessionID, e.TimestampUS, e.EdgeID), nil); err != nil {
					return fmt.Errorf("commit session-index %s: %w", e.EdgeID, err)
				}
			}
			return nil
		})
	}

	var err error
	if q.wrapper != nil {
		err = q.wrapper.Execute(ctx, func(ctx context.Context) error { return resilience.Retryable(commit(ctx)) })
	} else {
		err = commit(ctx)
	}

	if err != nil {
		q.logger.Error("ingest: batch commit failed, dropping batch", "size", len(batch), "error", err)
		for _, p := range preps {
			q.reply(p.item, Result{Status: Rejected, Reason: ReasonValidation, Err: err})
		}
		return
	}

	for _, p := range preps {
		if !p.ok {
			q.reply(p.item, Result{Status: Rejected, Reason: ReasonValidation, Err: p.err})
			continue
		}
		e := p.item.Edge
		q.idx.ObserveEdge(e.SessionID, e.EdgeID)
		q.publish(ctx, e)
		q.reply(p.item, Result{Status: Accepted})
	}
}

// prepare runs C14 validation, the C5 privacy pass over text attributes,
// and C1's own Validate, mutating the item's edge in place (causal-parent
// unverified flag, has_payload) and returning the payload bytes to commit.
func (q *Queue) prepare(ctx context.Context, it *Item, seenInBatch map[edge.ID]bool) ([]byte, error) {
	e := &it.Edge

	if err := validation.Timestamp(e.TimestampUS); err != nil {
		return nil, err
	}

	var payloadBytes []byte
	if len(it.Attributes) > 0 {
		if err := validation.Attributes(it.Attributes); err != nil {
			return nil, err
		}
		redacted := make(map[string]string, len(it.Attributes))
		for k, v := range it.Attributes {
			text, meta := privacy.Process(v, q.privacyCfg)
			redacted[k] = text
			if meta.RedactedCount > 0 {
				e.SensitivityFlags |= edge.SensitivityPII
			}
		}
		b, err := json.Marshal(redacted)
		if err != nil {
			return nil, fmt.Errorf("ingest: marshal attributes: %w", err)
		}
		payloadBytes = b
		e.HasPayload = true
	}

	if !e.CausalParent.IsZero() {
		known := seenInBatch[e.CausalParent]
		if !known && q.idx != nil {
			var err error
			known, err = q.idx.CausalParentExists(ctx, e.SessionID, e.ProjectID, e.CausalParent)
			if err != nil {
				return nil, fmt.Errorf("ingest: causal parent lookup: %w", err)
			}
		}
		if !known {
			// Open question resolved per SPEC_FULL §9: an unverified
			// causal_parent degrades to a warning flag, not rejection.
			e.Flags |= edge.FlagCausalParentUnverified
		}
	}

	e.Checksum = e.ComputeChecksum()
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return payloadBytes, nil
}

func (q *Queue) publish(ctx context.Context, e edge.Edge) {
	if q.mq == nil {
		return
	}
	b := e.ToBytes()
	if err := q.mq.Publish(ctx, messagequeue.SubjectEdgeCommitted, b[:]); err != nil {
		q.logger.Warn("ingest: broadcast publish failed", "edge_id", e.EdgeID.String(), "error", err)
	}
	subj := fmt.Sprintf(messagequeue.SubjectEdgeCommittedProject, e.ProjectID)
	if err := q.mq.Publish(ctx, subj, b[:]); err != nil {
		q.logger.Warn("ingest: project broadcast publish failed", "edge_id", e.EdgeID.String(), "error", err)
	}
}

// reply delivers the result to a blocking caller if one is waiting, and is
// a no-op otherwise (SubmitBatch callers don't wait on per-item results).
func (q *Queue) reply(it *Item, r Result) {
	if it.result == nil {
		return
	}
	select {
	case it.result <- r:
	default:
	}
}

// Len reports the number of items currently buffered, for metrics/tests.
func (q *Queue) Len() int { return len(q.ch) }
