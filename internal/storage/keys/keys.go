// Package keys encodes the byte-level key spaces SPEC_FULL §4.2 (C2)
// defines, so every component addresses the KV store through the same
// deterministic, lexicographically-ordered encoding.
package keys

import (
	"encoding/binary"
	"fmt"

	"github.com/agenttrace/core/internal/domain/edge"
)

const (
	prefixEdge       = "edge/"
	prefixPayload    = "payload/"
	prefixEvalMetric = "evalmetric/"
	prefixSessionIdx = "sessidx/"
	prefixMemSession = "mem_session/"
	prefixMemConv    = "mem_conv/"
	prefixMemPending = "mem_pending/"
)

func putU16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func putU64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }

func putID(b []byte, id edge.ID) {
	binary.BigEndian.PutUint64(b[0:8], id.Hi)
	binary.BigEndian.PutUint64(b[8:16], id.Lo)
}

// Edge returns the key edge/<project_id:u16-be><timestamp_us:u64-be><edge_id:u128-be>.
func Edge(projectID uint16, timestampUS uint64, edgeID edge.ID) []byte {
	k := make([]byte, len(prefixEdge)+2+8+16)
	n := copy(k, prefixEdge)
	putU16(k[n:], projectID)
	putU64(k[n+2:], timestampUS)
	putID(k[n+10:], edgeID)
	return k
}

// EdgePrefix returns the prefix addressing every edge of a project, for
// Scan-based temporal range queries bounded further by RangeScan.
func EdgePrefix(projectID uint16) []byte {
	k := make([]byte, len(prefixEdge)+2)
	n := copy(k, prefixEdge)
	putU16(k[n:], projectID)
	return k
}

// EdgeRangeBounds returns [lo, hi) bounding the temporal range
// [tsLo, tsHi] (inclusive) for a project, the native single-scan
// implementation of C3's temporal index.
func EdgeRangeBounds(projectID uint16, tsLo, tsHi uint64) (lo, hi []byte) {
	lo = make([]byte, len(prefixEdge)+2+8)
	n := copy(lo, prefixEdge)
	putU16(lo[n:], projectID)
	putU64(lo[n+2:], tsLo)

	// hi is exclusive; bump tsHi by one microsecond so the scan is
	// inclusive of the upper bound, matching the unit-increment idiom
	// used throughout this package's range helpers.
	hi = make([]byte, len(prefixEdge)+2+8)
	n = copy(hi, prefixEdge)
	putU16(hi[n:], projectID)
	putU64(hi[n+2:], tsHi+1)
	return lo, hi
}

// Payload returns the key payload/<edge_id:u128-be>.
func Payload(edgeID edge.ID) []byte {
	k := make([]byte, len(prefixPayload)+16)
	n := copy(k, prefixPayload)
	putID(k[n:], edgeID)
	return k
}

// EvalMetric returns the key evalmetric/<edge_id:u128-be><metric:32><evaluator:32>.
// metricName and evaluator must already be validated to fit 31 UTF-8 bytes
// (internal/validation enforces this at the API boundary); they are
// null-padded to 32 bytes here.
func EvalMetric(edgeID edge.ID, metricName, evaluator string) ([]byte, error) {
	mb, err := fixedField(metricName, 32)
	if err != nil {
		return nil, fmt.Errorf("metric_name: %w", err)
	}
	eb, err := fixedField(evaluator, 32)
	if err != nil {
		return nil, fmt.Errorf("evaluator: %w", err)
	}
	k := make([]byte, len(prefixEvalMetric)+16+32+32)
	n := copy(k, prefixEvalMetric)
	putID(k[n:], edgeID)
	n += 16
	copy(k[n:], mb)
	n += 32
	copy(k[n:], eb)
	return k, nil
}

// EvalMetricPrefix returns the prefix addressing every metric for an edge.
func EvalMetricPrefix(edgeID edge.ID) []byte {
	k := make([]byte, len(prefixEvalMetric)+16)
	n := copy(k, prefixEvalMetric)
	putID(k[n:], edgeID)
	return k
}

// fixedField null-pads s to size bytes, erroring if s itself exceeds
// size-1 bytes (the last byte is reserved to guarantee a trailing NUL even
// for a maximal 31-byte value, matching spec's "max 31 chars" limit).
func fixedField(s string, size int) ([]byte, error) {
	if len(s) > size-1 {
		return nil, fmt.Errorf("value %q exceeds %d bytes", s, size-1)
	}
	b := make([]byte, size)
	copy(b, s)
	return b, nil
}

// SessionIndex returns the key sessidx/<session_id:u64-be><timestamp_us:u64-be><edge_id:u128-be>.
func SessionIndex(sessionID, timestampUS uint64, edgeID edge.ID) []byte {
	k := make([]byte, len(prefixSessionIdx)+8+8+16)
	n := copy(k, prefixSessionIdx)
	putU64(k[n:], sessionID)
	putU64(k[n+8:], timestampUS)
	putID(k[n+16:], edgeID)
	return k
}

// SessionIndexPrefix returns the prefix addressing every index entry for a
// session, used by get_session_edges (C3).
func SessionIndexPrefix(sessionID uint64) []byte {
	k := make([]byte, len(prefixSessionIdx)+8)
	n := copy(k, prefixSessionIdx)
	putU64(k[n:], sessionID)
	return k
}

// ParseSessionIndexKey extracts the edge id trailing a sessidx/ key.
func ParseSessionIndexKey(key []byte) (edge.ID, error) {
	want := len(prefixSessionIdx) + 8 + 8 + 16
	if len(key) != want {
		return edge.ID{}, fmt.Errorf("malformed sessidx key: len=%d want=%d", len(key), want)
	}
	off := len(prefixSessionIdx) + 8 + 8
	return edge.ID{
		Hi: binary.BigEndian.Uint64(key[off : off+8]),
		Lo: binary.BigEndian.Uint64(key[off+8 : off+16]),
	}, nil
}

// MemSession returns the key mem_session/<content_session_id:u128-hex>.
func MemSession(contentSessionID string) []byte {
	return []byte(prefixMemSession + contentSessionID)
}

// MemSessionPrefix returns the mem_session/ prefix itself, for list_sessions.
func MemSessionPrefix() []byte { return []byte(prefixMemSession) }

// MemConv returns the key mem_conv/<content_session_id:u128-hex>/<seq:u64-zero-padded>.
func MemConv(contentSessionID string, seq uint64) []byte {
	return fmt.Appendf(nil, "%s%s/%020d", prefixMemConv, contentSessionID, seq)
}

// MemConvPrefix returns the prefix addressing all conversation messages of
// a session, for cascade delete and read-back.
func MemConvPrefix(contentSessionID string) []byte {
	return []byte(prefixMemConv + contentSessionID + "/")
}

// MemPending returns the key mem_pending/<content_session_id:u128-hex>/<msg_id:u128-hex>.
func MemPending(contentSessionID string, msgID edge.ID) []byte {
	return fmt.Appendf(nil, "%s%s/%016x%016x", prefixMemPending, contentSessionID, msgID.Hi, msgID.Lo)
}

// MemPendingPrefix returns the prefix addressing all pending messages of a
// session, for cascade delete.
func MemPendingPrefix(contentSessionID string) []byte {
	return []byte(prefixMemPending + contentSessionID + "/")
}
