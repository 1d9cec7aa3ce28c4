package cypher

import (
	"fmt"
	"sort"

	"github.com/nervusdb/nervusdb/pkg/storage"
)

// RowIterator is the pull-based streaming contract every physical operator
// implements: Next returns the next bound row, or ok=false once
// exhausted. Operators compose by wrapping another RowIterator, so a whole
// query is one chain pulled lazily from its RETURN/WITH end.
type RowIterator interface {
	Next() (Row, bool, error)
}

// Env is the read/write environment an operator chain executes against.
type Env struct {
	Engine  *storage.GraphEngine
	Snap    *storage.Snapshot
	Txn     *storage.WriteTxn // nil for a read-only statement
	Params  map[string]Value
	Overlay *MergeOverlayState
}

func (env *Env) evalCtx(row Row) *EvalContext {
	return &EvalContext{Row: row, Params: env.Params, Snapshot: env.Snap}
}

// singleRowIterator yields exactly one empty row, the identity source for
// statements with no MATCH (e.g. a bare `RETURN 1` or `UNWIND ... RETURN`).
type singleRowIterator struct{ done bool }

func (it *singleRowIterator) Next() (Row, bool, error) {
	if it.done {
		return nil, false, nil
	}
	it.done = true
	return Row{}, true, nil
}

// sliceIterator replays a pre-materialized slice of rows; used after
// buffering stages (ORDER BY, aggregation) that cannot stream.
type sliceIterator struct {
	rows []Row
	pos  int
}

func (it *sliceIterator) Next() (Row, bool, error) {
	if it.pos >= len(it.rows) {
		return nil, false, nil
	}
	r := it.rows[it.pos]
	it.pos++
	return r, true, nil
}

// nodeScanIterator binds variable to every live node, optionally filtered
// to one label: only the pattern's first label is used, compared against
// each node's primary label. It always walks the snapshot's full node list;
// no index lookup is made, and property constraints are applied by a
// filterIterator above it.
type nodeScanIterator struct {
	env      *Env
	variable string
	ids      []storage.InternalNodeId
	pos      int
}

func newNodeScan(env *Env, variable string, labels []string) (*nodeScanIterator, error) {
	var ids []storage.InternalNodeId
	if len(labels) == 0 {
		ids = env.Snap.Nodes()
	} else {
		lbl, ok := env.Snap.LabelID(labels[0])
		if !ok {
			ids = nil
		} else {
			for _, id := range env.Snap.Nodes() {
				l, _ := env.Snap.NodeLabel(id)
				if l == lbl {
					ids = append(ids, id)
				}
			}
		}
	}
	return &nodeScanIterator{env: env, variable: variable, ids: ids}, nil
}

func (it *nodeScanIterator) Next() (Row, bool, error) {
	for it.pos < len(it.ids) {
		id := it.ids[it.pos]
		it.pos++
		if it.env.Overlay.isTombstonedNode(id) {
			continue
		}
		v, err := materializeNode(it.env.Snap, id)
		if err != nil {
			return nil, false, err
		}
		row := Row{it.variable: v}
		return row, true, nil
	}
	return nil, false, nil
}

// expandIterator joins each row from src against the neighbors of a
// previously-bound node, binding a relationship variable and the pattern's
// next node variable. It enforces edge-uniqueness within the pattern part
// the rel belongs to — no edge may be reused within one pattern match —
// tracked via usedEdges on the row.
type expandIterator struct {
	env       *Env
	src       RowIterator
	fromVar   string
	relVar    string
	relTypes  []string
	toLabels  []string
	direction Direction

	cur    []storage.EdgeKey
	curPos int
	curRow Row
}

const usedEdgesKey = "\x00usedEdges"

func newExpand(env *Env, src RowIterator, fromVar string, rel RelPattern, toLabels []string) *expandIterator {
	return &expandIterator{
		env: env, src: src, fromVar: fromVar, relVar: rel.Variable,
		relTypes: rel.Types, toLabels: toLabels, direction: rel.Direction,
	}
}

func (it *expandIterator) Next() (Row, bool, error) {
	for {
		for it.curPos < len(it.cur) {
			ek := it.cur[it.curPos]
			it.curPos++
			if usedEdges(it.curRow)[ek] {
				continue
			}
			if it.env.Overlay.isTombstonedEdge(ek) {
				continue
			}
			other := ek.Dst
			if it.direction == DirIn {
				other = ek.Src
			}
			if !it.matchesToLabel(other) {
				continue
			}
			row := it.curRow.clone()
			if it.relVar != "" {
				relVal, err := materializeRel(it.env.Snap, ek)
				if err != nil {
					return nil, false, err
				}
				row[it.relVar] = relVal
			}
			markUsedEdge(row, ek)
			return row, true, nil
		}
		row, ok, err := it.src.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		fromVal, bound := row[it.fromVar]
		if !bound || !fromVal.IsNode() {
			continue
		}
		it.curRow = row
		it.curPos = 0
		it.cur = it.relCandidates(fromVal.NodeVal().ID)
	}
}

func (it *expandIterator) relCandidates(from storage.InternalNodeId) []storage.EdgeKey {
	var relTypeIDs []storage.RelTypeId
	if len(it.relTypes) == 0 {
		relTypeIDs = []storage.RelTypeId{0}
	} else {
		for _, name := range it.relTypes {
			if id, ok := it.env.Snap.RelTypeID(name); ok {
				relTypeIDs = append(relTypeIDs, id)
			}
		}
	}
	var out []storage.EdgeKey
	for _, rt := range relTypeIDs {
		switch it.direction {
		case DirOut:
			out = append(out, it.env.Snap.Neighbors(from, rt)...)
		case DirIn:
			out = append(out, it.env.Snap.IncomingNeighbors(from, rt)...)
		case DirBoth:
			out = append(out, it.env.Snap.Neighbors(from, rt)...)
			out = append(out, it.env.Snap.IncomingNeighbors(from, rt)...)
		}
	}
	return out
}

func (it *expandIterator) matchesToLabel(id storage.InternalNodeId) bool {
	if len(it.toLabels) == 0 {
		return true
	}
	lbl, ok := it.env.Snap.NodeLabel(id)
	if !ok {
		return false
	}
	name, ok := it.env.Snap.LabelName(lbl)
	return ok && name == it.toLabels[0]
}

func usedEdges(row Row) map[storage.EdgeKey]bool {
	v, ok := row[usedEdgesKey]
	if !ok {
		return nil
	}
	return v.usedEdgeSet
}

func markUsedEdge(row Row, ek storage.EdgeKey) {
	existing := usedEdges(row)
	next := make(map[storage.EdgeKey]bool, len(existing)+1)
	for k := range existing {
		next[k] = true
	}
	next[ek] = true
	row[usedEdgesKey] = Value{kind: kindNull, usedEdgeSet: next}
}

// nodeBindIterator binds toVar to the node a just-traversed edge landed on,
// materializing it from the snapshot.
type nodeBindIterator struct {
	env     *Env
	src     RowIterator
	fromVar string
	relVar  string
	toVar   string
	direction Direction
}

func (it *nodeBindIterator) Next() (Row, bool, error) {
	row, ok, err := it.src.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	relVal, ok := row[it.relVar]
	if !ok || !relVal.IsRel() {
		return row, true, nil
	}
	other := relVal.RelVal().Key.Dst
	if it.direction == DirIn {
		other = relVal.RelVal().Key.Src
	}
	nodeVal, err := materializeNode(it.env.Snap, other)
	if err != nil {
		return nil, false, err
	}
	row[it.toVar] = nodeVal
	return row, true, nil
}

// varLengthExpandIterator implements *-range relationship traversal with
// trail semantics: no edge is reused within one path, but nodes may repeat.
// It materializes the candidate trails with a depth-first search per source
// row, since bounding hop counts keeps the search space small for the
// subset this executor targets.
type varLengthExpandIterator struct {
	env       *Env
	src       RowIterator
	fromVar   string
	relVar    string
	toVar     string
	relTypes  []string
	direction Direction
	minHops   int
	maxHops   int

	pending []Row
}

func (it *varLengthExpandIterator) Next() (Row, bool, error) {
	for {
		if len(it.pending) > 0 {
			r := it.pending[0]
			it.pending = it.pending[1:]
			return r, true, nil
		}
		row, ok, err := it.src.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		fromVal, bound := row[it.fromVar]
		if !bound || !fromVal.IsNode() {
			continue
		}
		it.pending = it.dfs(row, fromVal.NodeVal().ID)
	}
}

// vlFrame is one unit of work on the explicit traversal stack: the node to
// expand from, its depth from the source row's start node, the edge that
// led here (zero value at depth 0), the edge trail forming the path so far,
// and the set of edges already used along that trail. Keeping this state on
// a heap-allocated stack instead of the Go call stack bounds stack growth
// to the number of pending branches rather than to max_hops recursion
// depth, which matters once max_hops gets large on a dense graph.
type vlFrame struct {
	node         storage.InternalNodeId
	depth        int
	incomingEdge storage.EdgeKey
	pathEdges    []storage.EdgeKey
	usedEdges    map[storage.EdgeKey]bool
}

func (it *varLengthExpandIterator) dfs(base Row, start storage.InternalNodeId) []Row {
	var out []Row
	stack := []vlFrame{{node: start, depth: 0, usedEdges: map[storage.EdgeKey]bool{}}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.depth >= it.minHops {
			out = append(out, it.finish(base, f.pathEdges))
		}
		if it.maxHops >= 0 && f.depth >= it.maxHops {
			continue
		}

		cands := (&expandIterator{env: it.env, fromVar: it.fromVar, relTypes: it.relTypes, direction: it.direction}).relCandidates(f.node)
		for _, ek := range cands {
			if f.usedEdges[ek] || it.env.Overlay.isTombstonedEdge(ek) {
				continue
			}
			next := ek.Dst
			if it.direction == DirIn {
				next = ek.Src
			}
			childUsed := make(map[storage.EdgeKey]bool, len(f.usedEdges)+1)
			for k := range f.usedEdges {
				childUsed[k] = true
			}
			childUsed[ek] = true
			childPath := make([]storage.EdgeKey, len(f.pathEdges)+1)
			copy(childPath, f.pathEdges)
			childPath[len(f.pathEdges)] = ek
			stack = append(stack, vlFrame{
				node:         next,
				depth:        f.depth + 1,
				incomingEdge: ek,
				pathEdges:    childPath,
				usedEdges:    childUsed,
			})
		}
	}
	return out
}

func (it *varLengthExpandIterator) finish(base Row, trail []storage.EdgeKey) Row {
	row := base.clone()
	if it.relVar != "" {
		rels := make([]Value, len(trail))
		for i, ek := range trail {
			rv, _ := materializeRel(it.env.Snap, ek)
			rels[i] = rv
		}
		row[it.relVar] = List(rels)
	}
	if it.toVar != "" && len(trail) > 0 {
		last := trail[len(trail)-1]
		end := last.Dst
		if it.direction == DirIn {
			end = last.Src
		}
		nv, _ := materializeNode(it.env.Snap, end)
		row[it.toVar] = nv
	}
	return row
}

// filterIterator passes through only rows whose predicate evaluates truthy
// (three-valued: unknown is treated as false, per WHERE's semantics).
type filterIterator struct {
	env  *Env
	src  RowIterator
	pred Expr
}

func (it *filterIterator) Next() (Row, bool, error) {
	for {
		row, ok, err := it.src.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		v, err := Eval(it.pred, it.env.evalCtx(row))
		if err != nil {
			return nil, false, err
		}
		b, known := Truthy(v)
		if known && b {
			return row, true, nil
		}
	}
}

// projectIterator evaluates a RETURN/WITH projection list into a fresh row
// keyed by alias (or the expression's source text for unaliased items,
// simplified here to the variable name when the expression is a bare
// VarRef and to a positional name otherwise).
type projectIterator struct {
	env   *Env
	src   RowIterator
	items []ProjectionItem
}

func (it *projectIterator) Next() (Row, bool, error) {
	row, ok, err := it.src.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	out := Row{}
	for i, item := range it.items {
		if item.Star {
			for k, v := range row {
				if len(k) > 0 && k[0] == 0 {
					continue
				}
				out[k] = v
			}
			continue
		}
		v, err := Eval(item.Expr, it.env.evalCtx(row))
		if err != nil {
			return nil, false, err
		}
		alias := item.Alias
		if alias == "" {
			if vr, ok := item.Expr.(*VarRef); ok {
				alias = vr.Name
			} else {
				alias = fmt.Sprintf("col%d", i)
			}
		}
		out[alias] = v
	}
	return out, true, nil
}

// distinctIterator dedups rows by the hash of every bound value.
type distinctIterator struct {
	src  RowIterator
	seen map[string]bool
}

func (it *distinctIterator) Next() (Row, bool, error) {
	if it.seen == nil {
		it.seen = map[string]bool{}
	}
	for {
		row, ok, err := it.src.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		key := rowHashKey(row)
		if it.seen[key] {
			continue
		}
		it.seen[key] = true
		return row, true, nil
	}
}

func rowHashKey(row Row) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		if len(k) > 0 && k[0] == 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%v", func() []any {
		parts := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			parts = append(parts, k, hashKey(row[k]))
		}
		return parts
	}())
}

// orderByIterator buffers its source, sorts, and replays: ORDER BY cannot
// stream against an unbounded or unsorted source.
type orderByIterator struct {
	env     *Env
	src     RowIterator
	orderBy []OrderItem
	buf     []Row
	sorted  bool
	pos     int
}

func (it *orderByIterator) Next() (Row, bool, error) {
	if !it.sorted {
		for {
			row, ok, err := it.src.Next()
			if err != nil {
				return nil, false, err
			}
			if !ok {
				break
			}
			it.buf = append(it.buf, row)
		}
		var sortErr error
		sort.SliceStable(it.buf, func(i, j int) bool {
			for _, o := range it.orderBy {
				vi, err := Eval(o.Expr, it.env.evalCtx(it.buf[i]))
				if err != nil {
					sortErr = err
					return false
				}
				vj, err := Eval(o.Expr, it.env.evalCtx(it.buf[j]))
				if err != nil {
					sortErr = err
					return false
				}
				c := Compare(vi, vj)
				if o.Descending {
					c = -c
				}
				if c != 0 {
					return c < 0
				}
			}
			return false
		})
		if sortErr != nil {
			return nil, false, sortErr
		}
		it.sorted = true
	}
	if it.pos >= len(it.buf) {
		return nil, false, nil
	}
	r := it.buf[it.pos]
	it.pos++
	return r, true, nil
}

// skipLimitIterator applies SKIP then LIMIT, both optional.
type skipLimitIterator struct {
	env        *Env
	src        RowIterator
	skipExpr   Expr
	limitExpr  Expr
	initialized bool
	skip, limit int64
	hasLimit   bool
	emitted    int64
	skipped    int64
}

func (it *skipLimitIterator) init() error {
	if it.initialized {
		return nil
	}
	it.initialized = true
	if it.skipExpr != nil {
		v, err := Eval(it.skipExpr, it.env.evalCtx(Row{}))
		if err != nil {
			return err
		}
		if !v.IsInt() {
			return fmt.Errorf("%w: SKIP requires an integer", ErrInvalidArgumentType)
		}
		it.skip = v.Int()
	}
	if it.limitExpr != nil {
		v, err := Eval(it.limitExpr, it.env.evalCtx(Row{}))
		if err != nil {
			return err
		}
		if !v.IsInt() {
			return fmt.Errorf("%w: LIMIT requires an integer", ErrInvalidArgumentType)
		}
		it.limit = v.Int()
		it.hasLimit = true
	}
	return nil
}

func (it *skipLimitIterator) Next() (Row, bool, error) {
	if err := it.init(); err != nil {
		return nil, false, err
	}
	if it.hasLimit && it.emitted >= it.limit {
		return nil, false, nil
	}
	for it.skipped < it.skip {
		_, ok, err := it.src.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		it.skipped++
	}
	row, ok, err := it.src.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	it.emitted++
	return row, true, nil
}

// unwindIterator expands a list expression into one row per element.
type unwindIterator struct {
	env      *Env
	src      RowIterator
	expr     Expr
	as       string
	curRow   Row
	curItems []Value
	pos      int
}

func (it *unwindIterator) Next() (Row, bool, error) {
	for {
		if it.pos < len(it.curItems) {
			row := it.curRow.clone()
			row[it.as] = it.curItems[it.pos]
			it.pos++
			return row, true, nil
		}
		row, ok, err := it.src.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		v, err := Eval(it.expr, it.env.evalCtx(row))
		if err != nil {
			return nil, false, err
		}
		it.curRow = row
		it.pos = 0
		if v.IsNull() {
			it.curItems = nil
			continue
		}
		if !v.IsList() {
			return nil, false, fmt.Errorf("%w: UNWIND requires a list, got %s", ErrInvalidArgumentType, v.TypeName())
		}
		it.curItems = v.ListItems()
	}
}

// optionalIterator implements OPTIONAL MATCH: for each left row it pulls
// from a freshly-built inner iterator seeded with that row's bindings; if
// the inner iterator is empty, it emits the left row once with every
// pattern variable the inner clause would have bound set to null, instead
// of dropping the row.
type optionalIterator struct {
	build   func(seed Row) (RowIterator, error)
	nullify []string
	src     RowIterator

	inner     RowIterator
	innerSeed Row
	gotAny    bool
}

func (it *optionalIterator) Next() (Row, bool, error) {
	for {
		if it.inner != nil {
			row, ok, err := it.inner.Next()
			if err != nil {
				return nil, false, err
			}
			if ok {
				it.gotAny = true
				return row, true, nil
			}
			if !it.gotAny {
				padded := it.innerSeed.clone()
				for _, v := range it.nullify {
					padded[v] = Null()
				}
				it.inner = nil
				return padded, true, nil
			}
			it.inner = nil
			continue
		}
		row, ok, err := it.src.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		inner, err := it.build(row)
		if err != nil {
			return nil, false, err
		}
		it.inner = inner
		it.innerSeed = row
		it.gotAny = false
	}
}

// cartesianIterator joins two independently-matched patterns (comma-
// separated MATCH parts, or a MATCH following earlier clauses): for each
// left row it replays the whole right iterator, dropping combined rows in
// which a variable bound on both sides holds different values.
type cartesianIterator struct {
	left       RowIterator
	buildRight func() (RowIterator, error)

	leftRow Row
	right   RowIterator
	started bool
}

func (it *cartesianIterator) Next() (Row, bool, error) {
	for {
		if it.right != nil {
			row, ok, err := it.right.Next()
			if err != nil {
				return nil, false, err
			}
			if ok {
				merged := it.leftRow.clone()
				conflict := false
				for k, v := range row {
					if prev, bound := it.leftRow[k]; bound && len(k) > 0 && k[0] != 0 {
						if eq, known := Equal(prev, v); !known || !eq {
							conflict = true
							break
						}
					}
					merged[k] = v
				}
				if conflict {
					continue
				}
				return merged, true, nil
			}
			it.right = nil
		}
		row, ok, err := it.left.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		it.leftRow = row
		right, err := it.buildRight()
		if err != nil {
			return nil, false, err
		}
		it.right = right
	}
}
