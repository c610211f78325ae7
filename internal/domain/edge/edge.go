// Package edge implements the 128-byte fixed-layout trace record (Edge) that
// is the atomic unit of everything this system ingests, indexes, and
// queries, together with the process-wide logical clock and id generator
// that stamp every edge a process emits.
package edge

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"github.com/agenttrace/core/internal/domain"
)

// Size is the fixed, exact byte length of an encoded Edge.
const Size = 128

// SpanType enumerates the kind of work a single edge represents.
type SpanType uint8

const (
	SpanRoot SpanType = iota
	SpanPlanning
	SpanReasoning
	SpanToolCall
	SpanToolResponse
	SpanSynthesis
	SpanResponse
	SpanError
	SpanRetrieval
	SpanEmbedding
	SpanHTTPCall
	SpanDatabase
	SpanFunction
	SpanReranking
	SpanParsing
	SpanGeneration
	SpanCustom
)

func (s SpanType) valid() bool { return s <= SpanCustom }

// Sensitivity bitflags, offset 59.
const (
	SensitivityPII uint8 = 1 << iota
	SensitivitySecret
	SensitivityInternal
	SensitivityNoEmbed
)

// Flags bitfield, offset 92.
const (
	// FlagError marks the edge as representing a failed operation.
	FlagError uint8 = 1 << iota
	// FlagCausalParentUnverified is set when causal_parent referenced an
	// edge id that could not be confirmed durable or in-batch at ingest;
	// the integrity check degrades to a warning per spec design notes
	// rather than rejecting the edge.
	FlagCausalParentUnverified
)

// Bounds on timestamp_us, corresponding to [2020-01-01, 2099-12-31].
var (
	MinTimestampUS = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro()
	MaxTimestampUS = time.Date(2099, 12, 31, 23, 59, 59, 999999000, time.UTC).UnixMicro()
)

// MaxFutureSkew bounds how far timestamp_us may sit ahead of wall-clock now.
const MaxFutureSkew = 5 * time.Minute

// SchemaVersion is the current record-format version stamped at offset 58.
const SchemaVersion uint8 = 1

// ID is a 128-bit unsigned identifier, stored big-endian as two uint64s
// (Hi:Lo) to match the wire layout exactly.
type ID struct {
	Hi uint64
	Lo uint64
}

// IsZero reports whether the id is the sentinel "no parent"/"root" value.
func (id ID) IsZero() bool { return id.Hi == 0 && id.Lo == 0 }

// String renders the id as 0x-prefixed hex, the representation every
// external interface uses (see SPEC_FULL §6).
func (id ID) String() string {
	return fmt.Sprintf("0x%016x%016x", id.Hi, id.Lo)
}

// Edge is the in-memory representation of the 128-byte trace record. Field
// order mirrors the wire layout in SPEC_FULL §3 exactly; ToBytes/FromBytes
// are the sole serialization path.
type Edge struct {
	EdgeID           ID
	CausalParent     ID
	TimestampUS      uint64
	LogicalClock     uint64
	TenantID         uint64
	ProjectID        uint16
	SchemaVersion    uint8
	SensitivityFlags uint8
	AgentID          uint32
	SessionID        uint64
	SpanType         SpanType
	ParentCount      uint8
	Confidence       float32
	TokenCount       uint32
	DurationUS       uint32
	SamplingRate     float32
	CompressionType  uint8
	HasPayload       bool
	Flags            uint8
	Checksum         uint32
}

// New constructs a root or child edge, stamping timestamp_us from wall
// clock and logical_clock from the process-wide clock, and drawing a fresh
// edge id from the process-wide generator. The checksum is computed before
// return so the edge is immediately valid.
func New(tenantID uint64, projectID uint16, agentID uint32, sessionID uint64, spanType SpanType, causalParent ID) Edge {
	nowUS := uint64(time.Now().UnixMicro())
	e := Edge{
		EdgeID:        nextID(),
		CausalParent:  causalParent,
		TimestampUS:   nowUS,
		LogicalClock:  advanceClock(nowUS),
		TenantID:      tenantID,
		ProjectID:     projectID,
		SchemaVersion: SchemaVersion,
		AgentID:       agentID,
		SessionID:     sessionID,
		SpanType:      spanType,
		SamplingRate:  1.0,
	}
	e.Checksum = e.ComputeChecksum()
	return e
}

// SetConfidence validates and sets confidence, recomputing the checksum.
// NaN, infinities, and values outside [0,1] are rejected.
func (e *Edge) SetConfidence(v float32) error {
	if !validUnitFloat(v) {
		return fmt.Errorf("%w: confidence must be a finite value in [0,1], got %v", domain.ErrValidation, v)
	}
	e.Confidence = v
	e.Checksum = e.ComputeChecksum()
	return nil
}

// SetSamplingRate validates and sets sampling_rate, recomputing the checksum.
func (e *Edge) SetSamplingRate(v float32) error {
	if !validUnitFloat(v) {
		return fmt.Errorf("%w: sampling_rate must be a finite value in [0,1], got %v", domain.ErrValidation, v)
	}
	e.SamplingRate = v
	e.Checksum = e.ComputeChecksum()
	return nil
}

func validUnitFloat(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f >= 0.0 && f <= 1.0
}

// Validate checks every invariant in SPEC_FULL §3. It is the gate at ingest
// and a read-path sanity check; it never mutates the edge.
func (e *Edge) Validate() error {
	if !validUnitFloat(e.Confidence) {
		return fmt.Errorf("%w: confidence out of range: %v", domain.ErrValidation, e.Confidence)
	}
	if !validUnitFloat(e.SamplingRate) {
		return fmt.Errorf("%w: sampling_rate out of range: %v", domain.ErrValidation, e.SamplingRate)
	}
	ts := int64(e.TimestampUS)
	if ts < MinTimestampUS || ts > MaxTimestampUS {
		return fmt.Errorf("%w: timestamp_us out of range: %d", domain.ErrValidation, e.TimestampUS)
	}
	if skew := time.Duration(ts-time.Now().UnixMicro()) * time.Microsecond; skew > MaxFutureSkew {
		return fmt.Errorf("%w: timestamp_us %d is %s ahead of now, exceeds max future skew", domain.ErrValidation, e.TimestampUS, skew)
	}
	if !e.SpanType.valid() {
		return fmt.Errorf("%w: unknown span_type: %d", domain.ErrValidation, e.SpanType)
	}
	if e.SchemaVersion == 0 {
		return fmt.Errorf("%w: schema_version must be nonzero", domain.ErrValidation)
	}
	if err := e.VerifyChecksum(); err != nil {
		return err
	}
	return nil
}

// ComputeChecksum computes the CRC-32 (IEEE) over bytes[0:124] of the
// encoded edge, with the checksum field itself (bytes[96:100]) taken as
// zero, the checksum algorithm named explicitly in SPEC_FULL §3.
func (e *Edge) ComputeChecksum() uint32 {
	buf := e.encode()
	binary.BigEndian.PutUint32(buf[96:100], 0)
	return crc32.ChecksumIEEE(buf[:124])
}

// VerifyChecksum reports an integrity error (never silently repaired) if
// the stored checksum does not match the recomputed one.
func (e *Edge) VerifyChecksum() error {
	want := e.ComputeChecksum()
	if want != e.Checksum {
		return fmt.Errorf("%w: edge %s checksum mismatch: stored=%08x computed=%08x", domain.ErrIntegrity, e.EdgeID, e.Checksum, want)
	}
	return nil
}

// ToBytes serializes the edge to its canonical 128-byte wire form.
func (e *Edge) ToBytes() [Size]byte {
	return e.encode()
}

// FromBytes decodes a 128-byte buffer into an Edge. It does not itself
// verify the checksum; callers that need the integrity guarantee should
// call VerifyChecksum or Validate after decoding.
func FromBytes(b []byte) (Edge, error) {
	if len(b) != Size {
		return Edge{}, fmt.Errorf("%w: edge buffer must be %d bytes, got %d", domain.ErrValidation, Size, len(b))
	}
	var e Edge
	e.EdgeID = ID{binary.BigEndian.Uint64(b[0:8]), binary.BigEndian.Uint64(b[8:16])}
	e.CausalParent = ID{binary.BigEndian.Uint64(b[16:24]), binary.BigEndian.Uint64(b[24:32])}
	e.TimestampUS = binary.BigEndian.Uint64(b[32:40])
	e.LogicalClock = binary.BigEndian.Uint64(b[40:48])
	e.TenantID = binary.BigEndian.Uint64(b[48:56])
	e.ProjectID = binary.BigEndian.Uint16(b[56:58])
	e.SchemaVersion = b[58]
	e.SensitivityFlags = b[59]
	e.AgentID = binary.BigEndian.Uint32(b[60:64])
	e.SessionID = binary.BigEndian.Uint64(b[64:72])
	e.SpanType = SpanType(b[72])
	e.ParentCount = b[73]
	e.Confidence = math.Float32frombits(binary.BigEndian.Uint32(b[74:78]))
	e.TokenCount = binary.BigEndian.Uint32(b[78:82])
	e.DurationUS = binary.BigEndian.Uint32(b[82:86])
	e.SamplingRate = math.Float32frombits(binary.BigEndian.Uint32(b[86:90]))
	e.CompressionType = b[90]
	e.HasPayload = b[91] != 0
	e.Flags = b[92]
	// b[93:96] padding
	e.Checksum = binary.BigEndian.Uint32(b[96:100])
	// b[100:128] reserved
	return e, nil
}

func (e *Edge) encode() [Size]byte {
	var b [Size]byte
	binary.BigEndian.PutUint64(b[0:8], e.EdgeID.Hi)
	binary.BigEndian.PutUint64(b[8:16], e.EdgeID.Lo)
	binary.BigEndian.PutUint64(b[16:24], e.CausalParent.Hi)
	binary.BigEndian.PutUint64(b[24:32], e.CausalParent.Lo)
	binary.BigEndian.PutUint64(b[32:40], e.TimestampUS)
	binary.BigEndian.PutUint64(b[40:48], e.LogicalClock)
	binary.BigEndian.PutUint64(b[48:56], e.TenantID)
	binary.BigEndian.PutUint16(b[56:58], e.ProjectID)
	b[58] = e.SchemaVersion
	b[59] = e.SensitivityFlags
	binary.BigEndian.PutUint32(b[60:64], e.AgentID)
	binary.BigEndian.PutUint64(b[64:72], e.SessionID)
	b[72] = byte(e.SpanType)
	b[73] = e.ParentCount
	binary.BigEndian.PutUint32(b[74:78], math.Float32bits(e.Confidence))
	binary.BigEndian.PutUint32(b[78:82], e.TokenCount)
	binary.BigEndian.PutUint32(b[82:86], e.DurationUS)
	binary.BigEndian.PutUint32(b[86:90], math.Float32bits(e.SamplingRate))
	b[90] = e.CompressionType
	if e.HasPayload {
		b[91] = 1
	}
	b[92] = e.Flags
	binary.BigEndian.PutUint32(b[96:100], e.Checksum)
	return b
}

// StorageKey returns the ordering part of this edge's temporal-index key:
// <project_id:u16-be><timestamp_us:u64-be><edge_id:u128-be>. It carries no
// "edge/" keyspace prefix; keys.Edge builds the full stored key.
func (e *Edge) StorageKey() []byte {
	k := make([]byte, 2+8+16)
	binary.BigEndian.PutUint16(k[0:2], e.ProjectID)
	binary.BigEndian.PutUint64(k[2:10], e.TimestampUS)
	binary.BigEndian.PutUint64(k[10:18], e.EdgeID.Hi)
	binary.BigEndian.PutUint64(k[18:26], e.EdgeID.Lo)
	return k
}
