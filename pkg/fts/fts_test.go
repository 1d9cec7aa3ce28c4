package fts

import (
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

func TestSearchFindsNodeContainingAllQueryTerms(t *testing.T) {
	e := openTestEngine(t)
	lbl, err := e.EnsureLabel("Doc")
	require.NoError(t, err)

	txn := e.BeginWrite()
	a, err := txn.CreateNode("a", lbl)
	require.NoError(t, err)
	b, err := txn.CreateNode("b", lbl)
	require.NoError(t, err)
	require.NoError(t, txn.SetNodeProperty(a, "body", storage.StringValue("the quick brown fox")))
	require.NoError(t, txn.SetNodeProperty(b, "body", storage.StringValue("a slow brown bear")))
	snap, err := txn.Commit()
	require.NoError(t, err)

	idx := New(Config{})
	require.NoError(t, idx.Rebuild(snap))

	matches := idx.Search("body", "brown fox")
	require.Len(t, matches, 1)
	require.Equal(t, a, matches[0].ID)
}

func TestSearchHonorsPropertyAllowlist(t *testing.T) {
	e := openTestEngine(t)
	lbl, err := e.EnsureLabel("Doc")
	require.NoError(t, err)

	txn := e.BeginWrite()
	a, err := txn.CreateNode("a", lbl)
	require.NoError(t, err)
	require.NoError(t, txn.SetNodeProperty(a, "title", storage.StringValue("fox")))
	require.NoError(t, txn.SetNodeProperty(a, "body", storage.StringValue("fox")))
	snap, err := txn.Commit()
	require.NoError(t, err)

	idx := New(Config{Properties: map[string]bool{"title": true}})
	require.NoError(t, idx.Rebuild(snap))

	require.Len(t, idx.Search("title", "fox"), 1)
	require.Empty(t, idx.Search("body", "fox"))
}

func TestDeleteRemovesNodeFromEveryPosting(t *testing.T) {
	e := openTestEngine(t)
	lbl, err := e.EnsureLabel("Doc")
	require.NoError(t, err)

	txn := e.BeginWrite()
	a, err := txn.CreateNode("a", lbl)
	require.NoError(t, err)
	require.NoError(t, txn.SetNodeProperty(a, "body", storage.StringValue("fox")))
	snap, err := txn.Commit()
	require.NoError(t, err)

	idx := New(Config{})
	require.NoError(t, idx.Rebuild(snap))
	require.Len(t, idx.Search("body", "fox"), 1)

	idx.Delete(a)
	require.Empty(t, idx.Search("body", "fox"))
}
