package legacyv1

import (
	"strings"
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

func TestMigrateAppliesNodesEdgesAndProperties(t *testing.T) {
	e := openTestEngine(t)
	export := strings.Join([]string{
		"61 @label Person",
		"62 @label Person",
		"61 name Alice",
		"61 @rel:KNOWS 62",
	}, "\n")

	txn := e.BeginWrite()
	n, err := Migrate(txn, e, strings.NewReader(export))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	snap, err := txn.Commit()
	require.NoError(t, err)

	alice, ok := snap.Resolve("61")
	require.True(t, ok)
	v, ok, err := snap.NodeProperty(alice, "name")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Alice", v.S)

	bob, ok := snap.Resolve("62")
	require.True(t, ok)
	knows, ok := snap.RelTypeID("KNOWS")
	require.True(t, ok)
	neighbors := snap.Neighbors(alice, knows)
	require.Len(t, neighbors, 1)
	require.Equal(t, bob, neighbors[0].Dst)
}

func TestMigrateRejectsEdgeToUndeclaredNode(t *testing.T) {
	e := openTestEngine(t)
	txn := e.BeginWrite()
	_, err := Migrate(txn, e, strings.NewReader("61 @label Person\n61 @rel:KNOWS 62\n"))
	require.Error(t, err)
	txn.Abort()
}

func TestMigrateRejectsNonHexSubject(t *testing.T) {
	e := openTestEngine(t)
	txn := e.BeginWrite()
	_, err := Migrate(txn, e, strings.NewReader("not-hex @label Person\n"))
	require.Error(t, err)
	txn.Abort()
}
