// Package validation enforces the boundary checks SPEC_FULL §4.14 (C14)
// requires before C6 accepts ingest input. No ecosystem validator library
// appears anywhere in the retrieval pack's manifests, so these are plain
// bounds/format checks over the standard library (see DESIGN.md).
package validation

import (
	"encoding/hex"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/agenttrace/core/internal/domain"
	"github.com/agenttrace/core/internal/domain/edge"
)

const (
	MinBatchSize = 1
	MaxBatchSize = 10_000

	MaxAttributesBytes  = 1 << 20 // 1 MiB
	MaxAttributeValue   = 64 << 10
	MaxAttributeCount   = 100
	MinAttributeKeyLen  = 1
	MaxAttributeKeyLen  = 128
	MaxSpanNameLen      = 256
	MaxLongDurationWarn = 24 * time.Hour
)

// BatchSize validates the number of items in an ingest batch.
func BatchSize(n int) error {
	if n < MinBatchSize || n > MaxBatchSize {
		return fmt.Errorf("%w: batch_size must be in [%d, %d], got %d", domain.ErrValidation, MinBatchSize, MaxBatchSize, n)
	}
	return nil
}

// SpanID parses a 128-bit hex id, at most 32 hex characters.
func SpanID(s string) (edge.ID, error) {
	if len(s) == 0 || len(s) > 32 {
		return edge.ID{}, fmt.Errorf("%w: span id must be 1..32 hex chars, got %d", domain.ErrValidation, len(s))
	}
	padded := make([]byte, 32)
	for i := range padded {
		padded[i] = '0'
	}
	copy(padded[32-len(s):], s)
	raw, err := hex.DecodeString(string(padded))
	if err != nil {
		return edge.ID{}, fmt.Errorf("%w: span id is not valid hex: %v", domain.ErrValidation, err)
	}
	var id edge.ID
	for i := 0; i < 8; i++ {
		id.Hi = id.Hi<<8 | uint64(raw[i])
	}
	for i := 8; i < 16; i++ {
		id.Lo = id.Lo<<8 | uint64(raw[i])
	}
	return id, nil
}

// Timestamp validates a timestamp in microseconds against [MIN_TS, MAX_TS]
// and the max-future-skew rule.
func Timestamp(us uint64) error {
	ts := int64(us)
	if ts < edge.MinTimestampUS || ts > edge.MaxTimestampUS {
		return fmt.Errorf("%w: timestamp_us %d outside [%d, %d]", domain.ErrValidation, us, edge.MinTimestampUS, edge.MaxTimestampUS)
	}
	if skew := time.Duration(ts-time.Now().UnixMicro()) * time.Microsecond; skew > edge.MaxFutureSkew {
		return fmt.Errorf("%w: timestamp_us %d is %s ahead of now, exceeds max future skew of %s", domain.ErrValidation, us, skew, edge.MaxFutureSkew)
	}
	return nil
}

// DurationWarning reports (not rejects) when end-start exceeds 24h, per
// spec §4.14 ("durations > 24h yield a warning, not a rejection"). It
// returns ok=false and the observed duration when a warning applies; the
// caller decides how to surface it (e.g. a log line), never as a rejection.
func DurationWarning(startUS, endUS uint64) (warn bool, observed time.Duration) {
	if endUS < startUS {
		return false, 0
	}
	d := time.Duration(endUS-startUS) * time.Microsecond
	return d > MaxLongDurationWarn, d
}

// EndAfterStart enforces end >= start.
func EndAfterStart(startUS, endUS uint64) error {
	if endUS < startUS {
		return fmt.Errorf("%w: end (%d) must be >= start (%d)", domain.ErrValidation, endUS, startUS)
	}
	return nil
}

// Attributes validates an attribute map's size, count, and key/value
// bounds, all named explicitly in spec §4.14.
func Attributes(attrs map[string]string) error {
	if len(attrs) > MaxAttributeCount {
		return fmt.Errorf("%w: attribute count %d exceeds max %d", domain.ErrValidation, len(attrs), MaxAttributeCount)
	}
	total := 0
	for k, v := range attrs {
		if l := len(k); l < MinAttributeKeyLen || l > MaxAttributeKeyLen {
			return fmt.Errorf("%w: attribute key length %d outside [%d, %d] for key %q", domain.ErrValidation, l, MinAttributeKeyLen, MaxAttributeKeyLen, k)
		}
		if len(v) > MaxAttributeValue {
			return fmt.Errorf("%w: attribute %q value of %d bytes exceeds max %d", domain.ErrValidation, k, len(v), MaxAttributeValue)
		}
		total += len(k) + len(v)
	}
	if total > MaxAttributesBytes {
		return fmt.Errorf("%w: total attributes size %d bytes exceeds max %d", domain.ErrValidation, total, MaxAttributesBytes)
	}
	return nil
}

// SpanName validates a span's display name: 1..256 chars, no control
// characters except \n and \t.
func SpanName(name string) error {
	n := utf8.RuneCountInString(name)
	if n < 1 || n > MaxSpanNameLen {
		return fmt.Errorf("%w: span name length %d outside [1, %d]", domain.ErrValidation, n, MaxSpanNameLen)
	}
	for _, r := range name {
		if r < 0x20 && r != '\n' && r != '\t' {
			return fmt.Errorf("%w: span name contains control character %U", domain.ErrValidation, r)
		}
	}
	return nil
}
