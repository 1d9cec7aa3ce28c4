package cypher

import (
	"fmt"
	"sort"

	"github.com/nervusdb/nervusdb/pkg/storage"
)

// Result is the outcome of executing one statement: a fixed column order
// (the RETURN projection list of the first UnionPart, or none for a
// statement with no RETURN) plus every produced row.
type Result struct {
	Columns []string
	Rows    []Row
}

// Prepare parses src into a Statement, surfacing any lexer/parser error as
// one of the compile-time error codes.
func Prepare(src string) (*Statement, error) {
	return Parse(src)
}

// writesData reports whether any clause across any union part mutates the
// graph, which decides whether Execute opens a WriteTxn or a read-only
// Snapshot.
func writesData(stmt *Statement) bool {
	for _, part := range stmt.Parts {
		for _, c := range part.Clauses {
			switch c.(type) {
			case *CreateClause, *MergeClause, *SetClause, *RemoveClause, *DeleteClause:
				return true
			}
		}
	}
	return false
}

// Execute runs a prepared statement against engine. A statement containing
// no write clause runs against a single read-only Snapshot; a statement
// containing any of CREATE/MERGE/SET/REMOVE/DELETE opens a WriteTxn and
// commits it once every row has been pulled to completion (or aborts it on
// any error), so a failed statement never leaves a partial mutation
// visible to the next reader.
func Execute(engine *storage.GraphEngine, stmt *Statement, params map[string]Value) (*Result, error) {
	if len(stmt.Parts) == 0 {
		return &Result{}, nil
	}

	snap := engine.Snapshot()
	var txn *storage.WriteTxn
	if writesData(stmt) {
		txn = engine.BeginWrite()
	}

	result, err := runStatement(engine, snap, txn, stmt, params)
	if txn != nil {
		if err != nil {
			txn.Abort()
		} else {
			if _, cerr := txn.Commit(); cerr != nil {
				return nil, cerr
			}
		}
	}
	return result, err
}

func runStatement(engine *storage.GraphEngine, snap *storage.Snapshot, txn *storage.WriteTxn, stmt *Statement, params map[string]Value) (*Result, error) {
	env := &Env{Engine: engine, Snap: snap, Txn: txn, Params: params, Overlay: NewMergeOverlayState()}

	var allRows [][]Row
	var allCols [][]string
	for _, part := range stmt.Parts {
		p := newPlanner(env)
		it, err := p.planClauses(part.Clauses)
		if err != nil {
			return nil, err
		}
		cols := projectionColumns(part.Clauses)
		var rows []Row
		for {
			row, ok, err := it.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			rows = append(rows, stripInternalKeys(row))
		}
		allRows = append(allRows, rows)
		allCols = append(allCols, cols)
	}

	if len(allCols) > 1 {
		first := allCols[0]
		for i, cols := range allCols[1:] {
			if !sameColumns(first, cols) {
				return nil, fmt.Errorf("%w: part %d has %v, part 1 has %v", ErrDifferentColumnsInUnion, i+2, cols, first)
			}
		}
	}

	rows := allRows[0]
	for i := 1; i < len(allRows); i++ {
		rows = append(rows, allRows[i]...)
	}

	all := false
	if len(stmt.Parts) > 1 {
		all = stmt.Parts[len(stmt.Parts)-1].All
		for _, p := range stmt.Parts[1:] {
			if !p.All {
				all = false
			}
		}
	}
	if len(stmt.Parts) > 1 && !all {
		rows = dedupRows(rows)
	}

	return &Result{Columns: allCols[0], Rows: rows}, nil
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func dedupRows(rows []Row) []Row {
	seen := map[string]bool{}
	var out []Row
	for _, r := range rows {
		k := rowHashKey(r)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}

func stripInternalKeys(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		if len(k) > 0 && k[0] == 0 {
			continue
		}
		out[k] = v
	}
	return out
}

// projectionColumns extracts the column list a part's last RETURN clause
// declares, in source order; WITH clauses are skipped, and a part with no
// RETURN produces no columns (e.g. a bare CREATE statement).
func projectionColumns(clauses []Clause) []string {
	for i := len(clauses) - 1; i >= 0; i-- {
		switch c := clauses[i].(type) {
		case *ReturnClause:
			return itemNames(c.Items)
		case *WithClause:
			continue
		}
	}
	return nil
}

func itemNames(items []ProjectionItem) []string {
	names := make([]string, 0, len(items))
	for i, item := range items {
		if item.Star {
			continue
		}
		names = append(names, projAlias(item, i))
	}
	return names
}
