package cypher

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

func run(t *testing.T, e *storage.GraphEngine, src string) *Result {
	t.Helper()
	stmt, err := Prepare(src)
	require.NoError(t, err)
	res, err := Execute(e, stmt, nil)
	require.NoError(t, err)
	return res
}

// S1 — simple create and read.
func TestScenarioSimpleCreateAndRead(t *testing.T) {
	e := openTestEngine(t)
	run(t, e, `CREATE (n:Person {name:'Alice', age:30})`)

	res := run(t, e, `MATCH (n:Person) WHERE n.age = 30 RETURN n.name AS name`)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "Alice", res.Rows[0]["name"].Str())
}

// S2 — relationship traversal and uniqueness.
func TestScenarioVarLengthTraversalUniqueness(t *testing.T) {
	e := openTestEngine(t)
	run(t, e, `CREATE (a:P {id:1})-[:K]->(b:P {id:2})-[:K]->(c:P {id:3})`)

	res := run(t, e, `MATCH (x:P)-[:K*1..2]->(y:P) RETURN x.id AS xid, y.id AS yid`)

	pairs := map[[2]int64]bool{}
	for _, row := range res.Rows {
		key := [2]int64{row["xid"].Int(), row["yid"].Int()}
		require.False(t, pairs[key], "duplicate pair %v", key)
		pairs[key] = true
	}
	require.Len(t, pairs, 3)
	require.True(t, pairs[[2]int64{1, 2}])
	require.True(t, pairs[[2]int64{2, 3}])
	require.True(t, pairs[[2]int64{1, 3}])
}

// S3 — OPTIONAL MATCH preserves nulls.
func TestScenarioOptionalMatchPreservesNulls(t *testing.T) {
	e := openTestEngine(t)
	run(t, e, `CREATE (a:A),(b:A)`)

	res := run(t, e, `MATCH (a:A) OPTIONAL MATCH (a)-[:REL]->(b) RETURN a, b`)
	require.Len(t, res.Rows, 2)
	for _, row := range res.Rows {
		require.True(t, row["a"].IsNode())
		require.True(t, row["b"].IsNull())
	}
}

// S4 — IN with nulls: Cypher's three-valued IN semantics.
func TestScenarioInWithNulls(t *testing.T) {
	e := openTestEngine(t)
	res := run(t, e, `RETURN 1 IN [1,null] AS a, 3 IN [1,null] AS b, [1,null] IN [[1,null]] AS c`)
	require.Len(t, res.Rows, 1)
	row := res.Rows[0]

	got, known := Truthy(row["a"])
	require.True(t, known)
	require.True(t, got)

	require.True(t, row["b"].IsNull())
	require.True(t, row["c"].IsNull())
}

// S5 — hex integer literal round-trip, including the overflow bound check.
func TestScenarioHexIntegerLiteralRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	res := run(t, e, `RETURN 0x7FFFFFFFFFFFFFFF AS hmax, -0x8000000000000000 AS hmin`)
	require.Len(t, res.Rows, 1)
	require.Equal(t, int64(9223372036854775807), res.Rows[0]["hmax"].Int())
	require.Equal(t, int64(-9223372036854775808), res.Rows[0]["hmin"].Int())

	_, err := Prepare(`RETURN 0x8000000000000000`)
	require.ErrorIs(t, err, ErrIntegerOverflow)
}

// S6 — crash gate: reopening after an unclean shutdown yields a state with
// no dangling edge endpoints, approximated here by closing without an
// explicit checkpoint and replaying the WAL on reopen (a true SIGKILL
// midway through a commit is covered at the storage layer's own durability
// tests; this exercises the same contract through the query surface).
func TestScenarioCrashGateReopenConsistency(t *testing.T) {
	dir := t.TempDir()
	e, err := storage.Open(dir, "db", storage.DefaultEngineConfig())
	require.NoError(t, err)

	run(t, e, `CREATE (a:P {id:1})-[:K]->(b:P {id:2})`)
	require.NoError(t, e.Close())

	reopened, err := storage.Open(dir, "db", storage.DefaultEngineConfig())
	require.NoError(t, err)
	defer reopened.Close()

	res := run(t, reopened, `MATCH (x:P)-[:K]->(y:P) RETURN x.id AS xid, y.id AS yid`)
	require.Len(t, res.Rows, 1)
	require.Equal(t, int64(1), res.Rows[0]["xid"].Int())
	require.Equal(t, int64(2), res.Rows[0]["yid"].Int())
}

// S7 — DETACH DELETE.
func TestScenarioDetachDelete(t *testing.T) {
	e := openTestEngine(t)
	run(t, e, `CREATE (n:P {id:1})-[:K]->(:P {id:2}), (n)-[:K]->(:P {id:3})`)
	before := run(t, e, `MATCH (n) RETURN count(*) AS c`)
	beforeCount := before.Rows[0]["c"].Int()
	beforeEdges := run(t, e, `MATCH ()-[r]->() RETURN count(r) AS c`).Rows[0]["c"].Int()

	target := run(t, e, `MATCH (n:P {id:1}) RETURN id(n) AS x`)
	require.Len(t, target.Rows, 1)
	idVal := target.Rows[0]["x"]

	stmt, err := Prepare(`MATCH (n) WHERE id(n) = $x DETACH DELETE n`)
	require.NoError(t, err)
	_, err = Execute(e, stmt, map[string]Value{"x": idVal})
	require.NoError(t, err)

	after := run(t, e, `MATCH (n) RETURN count(*) AS c`)
	afterEdges := run(t, e, `MATCH ()-[r]->() RETURN count(r) AS c`).Rows[0]["c"].Int()
	require.Equal(t, beforeCount-1, after.Rows[0]["c"].Int())
	require.Equal(t, beforeEdges-2, afterEdges)
}

// S8 — compaction retains visibility for a snapshot pinned before it ran.
func TestScenarioCompactionRetainsVisibility(t *testing.T) {
	e, err := storage.Open(t.TempDir(), "db", storage.EngineConfig{
		PageSize:            4096,
		MemTableFreezeOps:   2,
		L0RunCompactTrigger: 1,
		CachePages:          256,
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	lbl, err := e.EnsureLabel("P")
	require.NoError(t, err)
	rel, err := e.EnsureRelType("K")
	require.NoError(t, err)

	txn := e.BeginWrite()
	a, err := txn.CreateNode("a", lbl)
	require.NoError(t, err)
	b, err := txn.CreateNode("b", lbl)
	require.NoError(t, err)
	require.NoError(t, txn.CreateEdge(storage.EdgeKey{Src: a, Rel: rel, Dst: b}))
	require.NoError(t, txn.SetNodeProperty(a, "tag", storage.StringValue("pinned")))
	pinned, err := txn.Commit()
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		w := e.BeginWrite()
		n, err := w.CreateNode(storage.ExternalId(string(rune('c'+i))), lbl)
		require.NoError(t, err)
		require.NoError(t, w.CreateEdge(storage.EdgeKey{Src: n, Rel: rel, Dst: a}))
		_, err = w.Commit()
		require.NoError(t, err)
	}
	require.NoError(t, e.Compact())

	neighbors := pinned.Neighbors(a, rel)
	require.Len(t, neighbors, 1)
	require.Equal(t, b, neighbors[0].Dst)

	v, ok, err := pinned.NodeProperty(a, "tag")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pinned", v.S)
}
