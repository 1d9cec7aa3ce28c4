package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nervusdb/nervusdb/pkg/storage"
)

func openTestEngine(t *testing.T) *storage.GraphEngine {
	t.Helper()
	e, err := storage.Open(t.TempDir(), "db", storage.DefaultEngineConfig())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestBruteForceLookupRanksBySimilarity(t *testing.T) {
	e := openTestEngine(t)
	lbl, err := e.EnsureLabel("Doc")
	require.NoError(t, err)

	txn := e.BeginWrite()
	near, err := txn.CreateNode("near", lbl)
	require.NoError(t, err)
	far, err := txn.CreateNode("far", lbl)
	require.NoError(t, err)
	require.NoError(t, txn.SetVector(near, []float32{1, 0, 0}))
	require.NoError(t, txn.SetVector(far, []float32{0, 1, 0}))
	snap, err := txn.Commit()
	require.NoError(t, err)

	idx := BruteForce{}
	matches, err := idx.Lookup(context.Background(), snap, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, near, matches[0].ID)
	require.InDelta(t, 1.0, matches[0].Score, 1e-9)
	require.Less(t, matches[1].Score, matches[0].Score)
}

func TestBruteForceLookupRespectsMinSimilarity(t *testing.T) {
	e := openTestEngine(t)
	lbl, err := e.EnsureLabel("Doc")
	require.NoError(t, err)

	txn := e.BeginWrite()
	orth, err := txn.CreateNode("orth", lbl)
	require.NoError(t, err)
	require.NoError(t, txn.SetVector(orth, []float32{0, 1, 0}))
	snap, err := txn.Commit()
	require.NoError(t, err)

	idx := BruteForce{MinSimilarity: 0.5}
	matches, err := idx.Lookup(context.Background(), snap, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestBruteForceLookupRejectsEmptyQuery(t *testing.T) {
	e := openTestEngine(t)
	snap := e.Snapshot()

	idx := BruteForce{}
	_, err := idx.Lookup(context.Background(), snap, nil, 1)
	require.ErrorIs(t, err, ErrDimensionMismatch)
}
