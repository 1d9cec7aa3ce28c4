// Package vector provides pluggable approximate-nearest-neighbor lookup
// over the embeddings staged through storage.WriteTxn.SetVector. It is an
// optional collaborator: nothing in pkg/storage or pkg/cypher depends on
// it, and a database with no vectors simply has an empty index.
package vector

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/nervusdb/nervusdb/pkg/storage"
)

var ErrDimensionMismatch = errors.New("vector: dimension mismatch")

// Match is one scored result from a Lookup.
type Match struct {
	ID    storage.InternalNodeId
	Score float64
}

// Index is the interface for a vector similarity lookup; the query
// executor in pkg/cypher does not call it. A real deployment might back this with an HNSW graph
// or an external ANN service; Index only promises ranked neighbors, not
// any particular algorithm.
type Index interface {
	Lookup(ctx context.Context, snap *storage.Snapshot, query []float32, k int) ([]Match, error)
}

// BruteForce scans every node Snapshot.Vector reports and ranks by cosine
// similarity. It is exact, O(n*d) per query, and requires no separate
// build step — suitable until the node count makes an approximate index
// worth the complexity.
type BruteForce struct {
	MinSimilarity float64
}

func (b BruteForce) Lookup(ctx context.Context, snap *storage.Snapshot, query []float32, k int) ([]Match, error) {
	if len(query) == 0 {
		return nil, ErrDimensionMismatch
	}
	nq := normalize(query)

	var matches []Match
	for _, id := range snap.Nodes() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		vec, ok := snap.Vector(id)
		if !ok {
			continue
		}
		if len(vec) != len(query) {
			continue
		}
		sim := dot(nq, normalize(vec))
		if sim >= b.MinSimilarity {
			matches = append(matches, Match{ID: id, Score: sim})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k >= 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
