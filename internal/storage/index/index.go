// Package index implements the temporal, session, causal, and tenant
// lookups described by SPEC_FULL §4.3 (C3). The temporal and session
// indices are native range scans over the key encodings in
// internal/storage/keys; the causal index is reconstructed lazily from
// the temporal window for a session, accelerated by a per-session Bloom
// filter so a missing causal_parent is almost always rejected without a
// scan.
package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/agenttrace/core/internal/domain/edge"
	"github.com/agenttrace/core/internal/port/kvstore"
	"github.com/agenttrace/core/internal/storage/keys"
)

// Index answers temporal/session/causal/tenant queries over a kvstore.Store
// holding edges encoded per internal/domain/edge and internal/storage/keys.
type Index struct {
	kv kvstore.Store

	mu     sync.Mutex
	blooms map[uint64]*bloomFilter // session_id -> known edge ids
}

// New creates an Index reading from kv.
func New(kv kvstore.Store) *Index {
	return &Index{kv: kv, blooms: make(map[uint64]*bloomFilter)}
}

// QueryTemporalRange returns every edge of project whose timestamp_us falls
// in [tsLo, tsHi], ordered ascending by timestamp then edge_id (the native
// key order); callers needing descending order reverse the slice.
func (ix *Index) QueryTemporalRange(ctx context.Context, projectID uint16, tsLo, tsHi uint64) ([]edge.Edge, error) {
	lo, hi := keys.EdgeRangeBounds(projectID, tsLo, tsHi)

	var out []edge.Edge
	var scanErr error
	err := ix.kv.RangeScan(ctx, lo, hi, func(kv kvstore.KV) bool {
		e, err := edge.FromBytes(kv.Value)
		if err != nil {
			scanErr = fmt.Errorf("decode edge at key %x: %w", kv.Key, err)
			return false
		}
		out = append(out, e)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, scanErr
}

// GetSessionEdges returns every edge of sessionID via the session index,
// ordered by timestamp then edge_id ascending.
func (ix *Index) GetSessionEdges(ctx context.Context, sessionID uint64, projectID uint16) ([]edge.Edge, error) {
	prefix := keys.SessionIndexPrefix(sessionID)

	var ids []edge.ID
	var scanErr error
	err := ix.kv.Scan(ctx, prefix, func(kv kvstore.KV) bool {
		id, err := keys.ParseSessionIndexKey(kv.Key)
		if err != nil {
			scanErr = err
			return false
		}
		ids = append(ids, id)
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}

	out := make([]edge.Edge, 0, len(ids))
	for _, id := range ids {
		e, ok, err := ix.lookupByID(ctx, projectID, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// lookupByID scans the edge keyspace of projectID for the single key
// carrying edgeID. The session index does not store timestamp_us
// separately from the edge key's own timestamp, so this walks the project
// prefix; callers on the hot path should prefer carrying the timestamp
// alongside the id where available (e.g. via QueryTemporalRange) to avoid
// this linear scan.
func (ix *Index) lookupByID(ctx context.Context, projectID uint16, id edge.ID) (edge.Edge, bool, error) {
	prefix := keys.EdgePrefix(projectID)
	var found edge.Edge
	var ok bool
	err := ix.kv.Scan(ctx, prefix, func(kv kvstore.KV) bool {
		e, err := edge.FromBytes(kv.Value)
		if err != nil {
			return true // tolerate unrelated/corrupt entries during linear scan
		}
		if e.EdgeID == id {
			found, ok = e, true
			return false
		}
		return true
	})
	return found, ok, err
}

// CausalParentExists reports whether parentID is an edge of sessionID that
// this Index has recorded through ObserveEdge and that the session index
// still holds. The per-session Bloom filter is checked first and holds only
// ids passed to ObserveEdge; a negative there returns false without a scan,
// so an edge that is committed but was never observed by this Index (written
// before a restart, or observed before DropSession cleared the filter) is
// reported absent. A positive result is confirmed against the session index
// to rule out a false positive.
func (ix *Index) CausalParentExists(ctx context.Context, sessionID uint64, projectID uint16, parentID edge.ID) (bool, error) {
	bf := ix.bloomFor(sessionID)
	if !bf.mayContain(parentID) {
		return false, nil
	}

	edges, err := ix.GetSessionEdges(ctx, sessionID, projectID)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.EdgeID == parentID {
			return true, nil
		}
	}
	return false, nil
}

// ObserveEdge records edgeID in sessionID's Bloom filter. The ingestion
// path calls this after a successful commit so subsequent causal-parent
// checks within the same session short-circuit without a scan.
func (ix *Index) ObserveEdge(sessionID uint64, edgeID edge.ID) {
	ix.bloomFor(sessionID).add(edgeID)
}

// DropSession discards the Bloom filter tracked for sessionID. The retention
// sweep calls it for the session of every edge it deletes.
func (ix *Index) DropSession(sessionID uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.blooms, sessionID)
}

func (ix *Index) bloomFor(sessionID uint64) *bloomFilter {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	bf, ok := ix.blooms[sessionID]
	if !ok {
		bf = newBloomFilter(bloomDefaultBits, bloomDefaultHashes)
		ix.blooms[sessionID] = bf
	}
	return bf
}

// Tree walks the edges of rootID's session whose causal_parent chain
// (direct or transitive) reaches rootID, per SPEC_FULL §4.7's tree
// operation. rootID itself is included as the first element.
func (ix *Index) Tree(ctx context.Context, projectID uint16, sessionID uint64, rootID edge.ID) ([]edge.Edge, error) {
	all, err := ix.GetSessionEdges(ctx, sessionID, projectID)
	if err != nil {
		return nil, err
	}

	byParent := make(map[edge.ID][]edge.Edge, len(all))
	var root edge.Edge
	var foundRoot bool
	for _, e := range all {
		if e.EdgeID == rootID {
			root, foundRoot = e, true
		}
		byParent[e.CausalParent] = append(byParent[e.CausalParent], e)
	}
	if !foundRoot {
		return nil, fmt.Errorf("tree: root edge %s not found in session %d", rootID, sessionID)
	}

	out := []edge.Edge{root}
	queue := []edge.ID{rootID}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, child := range byParent[parent] {
			out = append(out, child)
			queue = append(queue, child.EdgeID)
		}
	}
	return out, nil
}
