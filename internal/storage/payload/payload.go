// Package payload stores the large/binary attribute blobs associated with
// an edge, separate from the fixed-size edge record itself, with optional
// compression (SPEC_FULL §4.4, C4).
package payload

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"

	"github.com/agenttrace/core/internal/domain"
	"github.com/agenttrace/core/internal/domain/edge"
	"github.com/agenttrace/core/internal/port/kvstore"
	"github.com/agenttrace/core/internal/storage/keys"
)

// Compression identifies the codec applied to a payload before persistence;
// its value is stored on the owning edge's compression_type field and must
// match the decoder used on read.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionS2
)

// Store is the C4 payload store, backed by the shared KV engine.
type Store struct {
	kv kvstore.Store
}

func New(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

// Put compresses raw (if requested) and persists it keyed by edgeID. It does
// not itself enforce the "edge with has_payload=1 must be accompanied by a
// committed payload in the same transaction" invariant; callers that need
// that atomicity should use PutTx inside the ingestion worker's edge commit
// transaction instead.
func (s *Store) Put(ctx context.Context, edgeID edge.ID, raw []byte, c Compression) error {
	encoded, err := compress(raw, c)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, keys.Payload(edgeID), encoded)
}

// PutTx is the transactional counterpart of Put, used when the payload must
// commit atomically alongside the owning edge and its session-index entry.
func PutTx(w kvstore.Writer, edgeID edge.ID, raw []byte, c Compression) error {
	encoded, err := compress(raw, c)
	if err != nil {
		return err
	}
	return w.Put(keys.Payload(edgeID), encoded)
}

// Get reads and decompresses the payload for edgeID. hasPayload is the
// owning edge's has_payload flag; if true and no payload is found, that is
// reported as an integrity error per spec §4.4 rather than a plain miss.
func (s *Store) Get(ctx context.Context, edgeID edge.ID, c Compression, hasPayload bool) ([]byte, error) {
	encoded, found, err := s.kv.Get(ctx, keys.Payload(edgeID))
	if err != nil {
		return nil, err
	}
	if !found {
		if hasPayload {
			return nil, fmt.Errorf("%w: edge %s has_payload=1 but no payload is stored", domain.ErrIntegrity, edgeID)
		}
		return nil, nil
	}
	return decompress(encoded, c)
}

func (s *Store) Delete(ctx context.Context, edgeID edge.ID) error {
	return s.kv.Delete(ctx, keys.Payload(edgeID))
}

func compress(raw []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return raw, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("payload: init zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), nil
	case CompressionS2:
		var buf bytes.Buffer
		w := s2.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("payload: s2 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("payload: s2 close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: unknown compression_type %d", domain.ErrValidation, c)
	}
}

func decompress(encoded []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return encoded, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("payload: init zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(encoded, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd decode failed: %v", domain.ErrIntegrity, err)
		}
		return out, nil
	case CompressionS2:
		r := s2.NewReader(bytes.NewReader(encoded))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: s2 decode failed: %v", domain.ErrIntegrity, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression_type %d", domain.ErrValidation, c)
	}
}
