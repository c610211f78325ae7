// Package evalstore implements the eval-metric store (SPEC_FULL §4.8, C8):
// fixed 96-byte records keyed by (edge_id, metric_name, evaluator), batched
// atomic writes, a running per-(project, metric_name) aggregation bucket
// (the SUPPLEMENTED "sharded_metrics" feature), and an optional Postgres
// write-behind mirror for the aggregation queries a KV range-scan handles
// awkwardly.
package evalstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenttrace/core/internal/adapter/ristretto"
	"github.com/agenttrace/core/internal/domain"
	"github.com/agenttrace/core/internal/domain/edge"
	"github.com/agenttrace/core/internal/port/kvstore"
	"github.com/agenttrace/core/internal/storage/keys"
)

// Size is the fixed wire size of one EvalMetric record, per spec §3.
const Size = 96

// EvalMetric is the 96-byte fixed record C8 owns.
type EvalMetric struct {
	EdgeID      edge.ID
	MetricName  string
	MetricValue float64
	Evaluator   string
	TimestampUS uint64
}

// ToBytes serializes m to its canonical 96-byte form: edge_id(16) +
// metric_name(32, null-padded) + metric_value(8) + evaluator(32,
// null-padded) + timestamp_us(8).
func (m EvalMetric) ToBytes() ([Size]byte, error) {
	var b [Size]byte
	binary.BigEndian.PutUint64(b[0:8], m.EdgeID.Hi)
	binary.BigEndian.PutUint64(b[8:16], m.EdgeID.Lo)
	if len(m.MetricName) > 31 {
		return b, fmt.Errorf("%w: metric_name %q exceeds 31 bytes", domain.ErrValidation, m.MetricName)
	}
	copy(b[16:48], m.MetricName)
	binary.BigEndian.PutUint64(b[48:56], math.Float64bits(m.MetricValue))
	if len(m.Evaluator) > 31 {
		return b, fmt.Errorf("%w: evaluator %q exceeds 31 bytes", domain.ErrValidation, m.Evaluator)
	}
	copy(b[56:88], m.Evaluator)
	binary.BigEndian.PutUint64(b[88:96], m.TimestampUS)
	return b, nil
}

// FromBytes decodes a 96-byte buffer into an EvalMetric.
func FromBytes(b []byte) (EvalMetric, error) {
	if len(b) != Size {
		return EvalMetric{}, fmt.Errorf("%w: eval metric buffer must be %d bytes, got %d", domain.ErrValidation, Size, len(b))
	}
	var m EvalMetric
	m.EdgeID = edge.ID{Hi: binary.BigEndian.Uint64(b[0:8]), Lo: binary.BigEndian.Uint64(b[8:16])}
	m.MetricName = trimNul(b[16:48])
	m.MetricValue = math.Float64frombits(binary.BigEndian.Uint64(b[48:56]))
	m.Evaluator = trimNul(b[56:88])
	m.TimestampUS = binary.BigEndian.Uint64(b[88:96])
	return m, nil
}

func trimNul(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Bucket is the running {count, sum, min, max} aggregate kept per
// (project_id, metric_name), recomputed incrementally on every Store call.
type Bucket struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

func (b *Bucket) observe(v float64) {
	if b.Count == 0 {
		b.Min, b.Max = v, v
	} else {
		if v < b.Min {
			b.Min = v
		}
		if v > b.Max {
			b.Max = v
		}
	}
	b.Count++
	b.Sum += v
}

type bucketKey struct {
	ProjectID  uint16
	MetricName string
}

// Store is the C8 eval-metric store.
type Store struct {
	kv    kvstore.Store
	cache *ristretto.Cache
	pg    *pgxpool.Pool
	log   *slog.Logger

	mu      sync.Mutex
	buckets map[bucketKey]*Bucket
}

// New constructs a Store. cache may be nil to disable the read-through
// cache; SetPostgres attaches the optional analytics mirror later.
func New(kv kvstore.Store, cache *ristretto.Cache) *Store {
	return &Store{kv: kv, cache: cache, log: slog.Default(), buckets: make(map[bucketKey]*Bucket)}
}

// SetPostgres attaches the optional write-behind analytics mirror.
func (s *Store) SetPostgres(pool *pgxpool.Pool) { s.pg = pool }

// Store commits metrics for edgeID atomically, overwriting any existing
// (edge_id, metric_name, evaluator) entries per spec §4.8's "duplicate
// writes overwrite" rule, then updates the in-memory aggregation buckets
// and invalidates the read-through cache entry for edgeID.
func (s *Store) Store(ctx context.Context, projectID uint16, edgeID edge.ID, metrics []EvalMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	type encoded struct {
		key []byte
		val [Size]byte
	}
	rows := make([]encoded, 0, len(metrics))
	for _, m := range metrics {
		m.EdgeID = edgeID
		k, err := keys.EvalMetric(edgeID, m.MetricName, m.Evaluator)
		if err != nil {
			return fmt.Errorf("evalstore: %w", err)
		}
		v, err := m.ToBytes()
		if err != nil {
			return fmt.Errorf("evalstore: %w", err)
		}
		rows = append(rows, encoded{key: k, val: v})
	}

	if err := s.kv.Tx(ctx, func(w kvstore.Writer) error {
		for _, r := range rows {
			if err := w.Put(r.key, r.val[:]); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("evalstore: commit: %w", err)
	}

	s.mu.Lock()
	for _, m := range metrics {
		bk := bucketKey{ProjectID: projectID, MetricName: m.MetricName}
		b, ok := s.buckets[bk]
		if !ok {
			b = &Bucket{}
			s.buckets[bk] = b
		}
		b.observe(m.MetricValue)
	}
	s.mu.Unlock()

	if s.cache != nil {
		_ = s.cache.Delete(ctx, cacheKey(edgeID))
	}

	s.mirrorToPostgres(ctx, projectID, metrics)
	return nil
}

// Get returns every metric stored for edgeID, read-through the optional
// cache.
func (s *Store) Get(ctx context.Context, edgeID edge.ID) ([]EvalMetric, error) {
	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, cacheKey(edgeID)); err == nil && ok {
			return decodeAll(raw)
		}
	}

	var out []EvalMetric
	var scanErr error
	err := s.kv.Scan(ctx, keys.EvalMetricPrefix(edgeID), func(kv kvstore.KV) bool {
		m, err := FromBytes(kv.Value)
		if err != nil {
			scanErr = err
			return false
		}
		out = append(out, m)
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, cacheKey(edgeID), encodeAll(out), 0)
	}
	return out, nil
}

// GetOne returns the single metric for (edgeID, metricName, evaluator), or
// nil if absent.
func (s *Store) GetOne(ctx context.Context, edgeID edge.ID, metricName, evaluator string) (*EvalMetric, error) {
	k, err := keys.EvalMetric(edgeID, metricName, evaluator)
	if err != nil {
		return nil, fmt.Errorf("evalstore: %w", err)
	}
	raw, found, err := s.kv.Get(ctx, k)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	m, err := FromBytes(raw)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Bucket returns the current running aggregate for (projectID, metricName).
func (s *Store) Bucket(projectID uint16, metricName string) (Bucket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucketKey{ProjectID: projectID, MetricName: metricName}]
	if !ok {
		return Bucket{}, false
	}
	return *b, true
}

func (s *Store) mirrorToPostgres(ctx context.Context, projectID uint16, metrics []EvalMetric) {
	if s.pg == nil {
		return
	}
	batch := &pgx.Batch{}
	for _, m := range metrics {
		batch.Queue(
			`INSERT INTO eval_metrics (edge_id, project_id, metric_name, metric_value, evaluator, timestamp_us)
			 VALUES ($1,$2,$3,$4,$5,$6)
			 ON CONFLICT (edge_id, metric_name, evaluator) DO UPDATE SET metric_value=excluded.metric_value, timestamp_us=excluded.timestamp_us`,
			edgeIDBytes(m.EdgeID), int32(projectID), m.MetricName, m.MetricValue, m.Evaluator, int64(m.TimestampUS))
		batch.Queue(
			`INSERT INTO eval_metric_buckets (project_id, metric_name, count, sum, min, max, updated_at)
			 VALUES ($1,$2,1,$3,$3,$3,now())
			 ON CONFLICT (project_id, metric_name) DO UPDATE SET
			   count = eval_metric_buckets.count + 1,
			   sum = eval_metric_buckets.sum + excluded.sum,
			   min = LEAST(eval_metric_buckets.min, excluded.min),
			   max = GREATEST(eval_metric_buckets.max, excluded.max),
			   updated_at = now()`,
			int32(projectID), m.MetricName, m.MetricValue)
	}
	br := s.pg.SendBatch(ctx, batch)
	defer br.Close()
	for range metrics {
		for i := 0; i < 2; i++ {
			if _, err := br.Exec(); err != nil {
				s.log.Warn("evalstore: postgres mirror write failed", "error", err)
				return
			}
		}
	}
}

func edgeIDBytes(id edge.ID) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], id.Hi)
	binary.BigEndian.PutUint64(b[8:16], id.Lo)
	return b
}

func cacheKey(edgeID edge.ID) string {
	return fmt.Sprintf("evalstore/%s", edgeID.String())
}

// encodeAll/decodeAll round-trip a metric slice through the fixed 96-byte
// wire form for the ristretto cache, avoiding a JSON dependency for
// something already byte-exact.
func encodeAll(metrics []EvalMetric) []byte {
	out := make([]byte, 0, len(metrics)*Size)
	for _, m := range metrics {
		b, err := m.ToBytes()
		if err != nil {
			continue
		}
		out = append(out, b[:]...)
	}
	return out
}

func decodeAll(raw []byte) ([]EvalMetric, error) {
	if len(raw)%Size != 0 {
		return nil, fmt.Errorf("%w: cached eval metric blob size %d not a multiple of %d", domain.ErrIntegrity, len(raw), Size)
	}
	out := make([]EvalMetric, 0, len(raw)/Size)
	for i := 0; i < len(raw); i += Size {
		m, err := FromBytes(raw[i : i+Size])
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// MarshalJSON is used only for API responses (§6); the wire format between
// components is always the fixed 96-byte record.
func (m EvalMetric) MarshalJSON() ([]byte, error) {
	type alias struct {
		EdgeID      string  `json:"edge_id"`
		MetricName  string  `json:"metric_name"`
		MetricValue float64 `json:"metric_value"`
		Evaluator   string  `json:"evaluator"`
		TimestampUS uint64  `json:"timestamp_us"`
	}
	return json.Marshal(alias{m.EdgeID.String(), m.MetricName, m.MetricValue, m.Evaluator, m.TimestampUS})
}
