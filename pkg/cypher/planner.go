package cypher

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/nervusdb/nervusdb/pkg/storage"
)

// newSyntheticExternalID mints an external id for a node created by CREATE
// or MERGE, which (unlike the programmatic storage API) never supplies one
// explicitly. UUIDs keep it collision-free across processes without a
// shared counter.
func newSyntheticExternalID() string {
	return uuid.New().String()
}

// planner compiles one UnionPart's clause list into a RowIterator chain. It
// tracks each variable's bound type as clauses are visited and reports
// VariableTypeConflict when a name is reused with a different type; that
// is its only semantic check. An undefined variable is reported as
// UndefinedVariable when an expression using it is evaluated, not while
// planning.
type planner struct {
	env      *Env
	bound    map[string]string // variable -> "node" | "rel" | "value"
	synthGen int
}

func newPlanner(env *Env) *planner {
	return &planner{env: env, bound: map[string]string{}}
}

func (p *planner) synth(prefix string) string {
	p.synthGen++
	return fmt.Sprintf("\x00%s%d", prefix, p.synthGen)
}

func (p *planner) bindType(name, typ string) error {
	if name == "" {
		return nil
	}
	if existing, ok := p.bound[name]; ok {
		if existing != typ {
			return fmt.Errorf("%w: %s was bound as %s, reused as %s", ErrVariableTypeConflict, name, existing, typ)
		}
		return nil
	}
	p.bound[name] = typ
	return nil
}

// planClauses compiles a sequence of clauses into one RowIterator, carrying
// bound-variable state across MATCH/CREATE/MERGE/WITH/UNWIND boundaries
// within the part.
func (p *planner) planClauses(clauses []Clause) (RowIterator, error) {
	var it RowIterator = &singleRowIterator{}
	for _, c := range clauses {
		next, err := p.planClause(it, c)
		if err != nil {
			return nil, err
		}
		it = next
	}
	return it, nil
}

func (p *planner) planClause(src RowIterator, c Clause) (RowIterator, error) {
	switch n := c.(type) {
	case *MatchClause:
		return p.planMatch(src, n)
	case *CreateClause:
		return p.planCreate(src, n)
	case *MergeClause:
		return p.planMerge(src, n)
	case *SetClause:
		return p.planSet(src, n)
	case *RemoveClause:
		return p.planRemove(src, n)
	case *DeleteClause:
		return p.planDelete(src, n)
	case *UnwindClause:
		return p.planUnwind(src, n)
	case *WithClause:
		return p.planWith(src, n)
	case *ReturnClause:
		return p.planReturn(src, n)
	}
	return nil, fmt.Errorf("%w: unsupported clause %T", ErrNotImplemented, c)
}

// --- MATCH ---

func (p *planner) planMatch(src RowIterator, n *MatchClause) (RowIterator, error) {
	if !n.Optional {
		it, err := p.planPatternList(src, n.Pattern)
		if err != nil {
			return nil, err
		}
		if n.Where != nil {
			it = &filterIterator{env: p.env, src: it, pred: n.Where}
		}
		return it, nil
	}

	// OPTIONAL MATCH: build the inner chain fresh per outer row (it may
	// reference variables already bound by an outer MATCH), and nullify
	// every variable the pattern would have bound if nothing matches.
	var nullify []string
	for _, part := range n.Pattern {
		for _, np := range part.Nodes {
			if _, already := p.bound[np.Variable]; np.Variable != "" && !already {
				nullify = append(nullify, np.Variable)
			}
		}
		for _, rp := range part.Rels {
			if _, already := p.bound[rp.Variable]; rp.Variable != "" && !already {
				nullify = append(nullify, rp.Variable)
			}
		}
	}
	snapshotBound := cloneStringMap(p.bound)
	build := func(seed Row) (RowIterator, error) {
		p.bound = cloneStringMap(snapshotBound)
		inner, err := p.planPatternList(&seededSingleRow{row: seed}, n.Pattern)
		if err != nil {
			return nil, err
		}
		if n.Where != nil {
			inner = &filterIterator{env: p.env, src: inner, pred: n.Where}
		}
		return inner, nil
	}
	for _, v := range nullify {
		p.bound[v] = "value"
	}
	return &optionalIterator{build: build, nullify: nullify, src: src}, nil
}

// seededSingleRow yields one caller-provided row, used as the source of an
// OPTIONAL MATCH's freshly-built inner chain so it starts from the outer
// row's bindings instead of an empty one.
type seededSingleRow struct {
	row  Row
	done bool
}

func (s *seededSingleRow) Next() (Row, bool, error) {
	if s.done {
		return nil, false, nil
	}
	s.done = true
	return s.row, true, nil
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (p *planner) planPatternList(src RowIterator, parts []PatternPart) (RowIterator, error) {
	it := src
	for i, part := range parts {
		part := part
		if i == 0 {
			if _, isSingle := it.(*singleRowIterator); isSingle {
				partIt, err := p.planPatternPart(part)
				if err != nil {
					return nil, err
				}
				it = partIt
				continue
			}
		}
		left := it
		it = &cartesianIterator{left: left, buildRight: func() (RowIterator, error) { return p.planPatternPart(part) }}
	}
	return it, nil
}

func (p *planner) planPatternPart(part PatternPart) (RowIterator, error) {
	first := part.Nodes[0]
	if err := p.bindType(first.Variable, "node"); err != nil {
		return nil, err
	}
	fromVar := first.Variable
	if fromVar == "" {
		fromVar = p.synth("node")
	}
	var it RowIterator
	scan, err := newNodeScan(p.env, fromVar, first.Labels)
	if err != nil {
		return nil, err
	}
	it = scan
	if first.Properties != nil {
		it = &filterIterator{env: p.env, src: it, pred: propertyPatternPredicate(fromVar, first.Properties)}
	}

	for i, rel := range part.Rels {
		toNode := part.Nodes[i+1]
		if err := p.bindType(toNode.Variable, "node"); err != nil {
			return nil, err
		}
		if err := p.bindType(rel.Variable, "rel"); err != nil {
			return nil, err
		}
		relVar := rel.Variable
		if relVar == "" {
			relVar = p.synth("rel")
		}
		toVar := toNode.Variable
		if toVar == "" {
			toVar = p.synth("node")
		}
		rel.Variable = relVar

		if rel.VarLength {
			it = &varLengthExpandIterator{
				env: p.env, src: it, fromVar: fromVar, relVar: relVar, toVar: toVar,
				relTypes: rel.Types, direction: rel.Direction,
				minHops: rel.MinHops, maxHops: rel.MaxHops,
			}
		} else {
			expand := newExpand(p.env, it, fromVar, rel, toNode.Labels)
			it = &nodeBindIterator{env: p.env, src: expand, fromVar: fromVar, relVar: relVar, toVar: toVar, direction: rel.Direction}
		}
		if toNode.Properties != nil {
			it = &filterIterator{env: p.env, src: it, pred: propertyPatternPredicate(toVar, toNode.Properties)}
		}
		if rel.Properties != nil {
			it = &filterIterator{env: p.env, src: it, pred: propertyPatternPredicate(relVar, rel.Properties)}
		}
		fromVar = toVar
	}
	return it, nil
}

// propertyPatternPredicate turns an inline `{k: v, ...}` pattern map into an
// equality-AND expression tree evaluated against the bound variable.
func propertyPatternPredicate(variable string, props Expr) Expr {
	m, ok := props.(*MapLiteral)
	if !ok {
		return &BoolLiteral{Value: true}
	}
	var pred Expr = &BoolLiteral{Value: true}
	for i, k := range m.Keys {
		eq := &BinaryExpr{Op: "=", Left: &PropertyAccess{Target: &VarRef{Name: variable}, Property: k}, Right: m.Values[i]}
		if i == 0 {
			pred = eq
		} else {
			pred = &BinaryExpr{Op: "AND", Left: pred, Right: eq}
		}
	}
	return pred
}

// --- CREATE ---

func (p *planner) planCreate(src RowIterator, n *CreateClause) (RowIterator, error) {
	return &createIterator{env: p.env, src: src, pattern: n.Pattern}, nil
}

type createIterator struct {
	env     *Env
	src     RowIterator
	pattern []PatternPart
}

func (it *createIterator) Next() (Row, bool, error) {
	row, ok, err := it.src.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	row = row.clone()
	for _, part := range it.pattern {
		if err := it.createPart(row, part); err != nil {
			return nil, false, err
		}
	}
	return row, true, nil
}

func (it *createIterator) createPart(row Row, part PatternPart) error {
	nodeVals := make([]Value, len(part.Nodes))
	for i, np := range part.Nodes {
		if np.Variable != "" {
			if existing, ok := row[np.Variable]; ok && existing.IsNode() {
				nodeVals[i] = existing
				continue
			}
		}
		propVals, err := evalMapLiteral(np.Properties, it.env.evalCtx(row))
		if err != nil {
			return err
		}
		v, err := createNodeFromPattern(it.env, np, propVals)
		if err != nil {
			return err
		}
		nodeVals[i] = v
		if np.Variable != "" {
			row[np.Variable] = v
		}
	}
	for i, rp := range part.Rels {
		srcID := nodeVals[i].NodeVal().ID
		dstID := nodeVals[i+1].NodeVal().ID
		if rp.Direction == DirIn {
			srcID, dstID = dstID, srcID
		}
		if len(rp.Types) == 0 {
			return fmt.Errorf("%w: CREATE requires exactly one relationship type", ErrInvalidArgumentValue)
		}
		relTypeID, err := it.env.Engine.EnsureRelType(rp.Types[0])
		if err != nil {
			return err
		}
		ek := storage.EdgeKey{Src: srcID, Rel: relTypeID, Dst: dstID}
		if err := it.env.Txn.CreateEdge(ek); err != nil {
			return err
		}
		propVals, err := evalMapLiteral(rp.Properties, it.env.evalCtx(row))
		if err != nil {
			return err
		}
		for k, v := range propVals {
			sv, err := ValueToStorage(v)
			if err != nil {
				return err
			}
			if err := it.env.Txn.SetEdgeProperty(ek, k, sv); err != nil {
				return err
			}
		}
		relVal, err := materializeRel(it.env.Snap, ek)
		if err != nil {
			return err
		}
		if rp.Variable != "" {
			row[rp.Variable] = relVal
		}
	}
	return nil
}

func createNodeFromPattern(env *Env, np NodePattern, propVals map[string]Value) (Value, error) {
	var lbl storage.LabelId
	var labelName string
	if len(np.Labels) > 0 {
		labelName = np.Labels[0]
		id, err := env.Engine.EnsureLabel(labelName)
		if err != nil {
			return Value{}, err
		}
		lbl = id
	}
	ext := storage.ExternalId(newSyntheticExternalID())
	internal, err := env.Txn.CreateNode(ext, lbl)
	if err != nil {
		return Value{}, err
	}
	for k, v := range propVals {
		sv, err := ValueToStorage(v)
		if err != nil {
			return Value{}, err
		}
		if err := env.Txn.SetNodeProperty(internal, k, sv); err != nil {
			return Value{}, err
		}
	}
	var labels []string
	if labelName != "" {
		labels = []string{labelName}
	}
	return Node(&NodeValue{ID: internal, ExternalID: ext, Labels: labels, Props: propVals}), nil
}

func evalMapLiteral(e Expr, ctx *EvalContext) (map[string]Value, error) {
	if e == nil {
		return map[string]Value{}, nil
	}
	v, err := Eval(e, ctx)
	if err != nil {
		return nil, err
	}
	if !v.IsMap() {
		return nil, fmt.Errorf("%w: expected a map literal, got %s", ErrInvalidArgumentType, v.TypeName())
	}
	out := make(map[string]Value, len(v.MapKeys()))
	for _, k := range v.MapKeys() {
		val, _ := v.MapGet(k)
		out[k] = val
	}
	return out, nil
}

// --- MERGE ---

func (p *planner) planMerge(src RowIterator, n *MergeClause) (RowIterator, error) {
	if err := p.bindType(n.Pattern.Nodes[0].Variable, "node"); err != nil {
		return nil, err
	}
	return &mergeIterator{env: p.env, src: src, clause: n}, nil
}

// --- SET / REMOVE ---

func (p *planner) planSet(src RowIterator, n *SetClause) (RowIterator, error) {
	return &setIterator{env: p.env, src: src, items: n.Items}, nil
}

type setIterator struct {
	env   *Env
	src   RowIterator
	items []SetItem
}

func (it *setIterator) Next() (Row, bool, error) {
	row, ok, err := it.src.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	for _, item := range it.items {
		if err := applySetItem(it.env, row, item); err != nil {
			return nil, false, err
		}
	}
	return row, true, nil
}

func applySetItem(env *Env, row Row, item SetItem) error {
	bound, ok := row[item.Variable]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUndefinedVariable, item.Variable)
	}
	if len(item.Labels) > 0 {
		if !bound.IsNode() {
			return fmt.Errorf("%w: SET :Label requires a node, got %s", ErrInvalidArgumentType, bound.TypeName())
		}
		for _, l := range item.Labels {
			if _, err := env.Engine.EnsureLabel(l); err != nil {
				return err
			}
		}
		return nil
	}
	ctx := env.evalCtx(row)
	if item.Property != "" {
		v, err := Eval(item.Value, ctx)
		if err != nil {
			return err
		}
		sv, err := ValueToStorage(v)
		if err != nil {
			return err
		}
		switch {
		case bound.IsNode():
			return env.Txn.SetNodeProperty(bound.NodeVal().ID, item.Property, sv)
		case bound.IsRel():
			return env.Txn.SetEdgeProperty(bound.RelVal().Key, item.Property, sv)
		}
		return fmt.Errorf("%w: SET property requires a node or relationship, got %s", ErrInvalidArgumentType, bound.TypeName())
	}
	// whole-entity SET n = {...} or n += {...}
	mapVal, err := Eval(item.Value, ctx)
	if err != nil {
		return err
	}
	if !mapVal.IsMap() {
		return fmt.Errorf("%w: SET requires a map, got %s", ErrInvalidArgumentType, mapVal.TypeName())
	}
	if !item.Merge {
		var existing *storage.OrderedMap
		var err error
		switch {
		case bound.IsNode():
			existing, err = env.Snap.NodeProperties(bound.NodeVal().ID)
		case bound.IsRel():
			existing, err = env.Snap.EdgeProperties(bound.RelVal().Key)
		}
		if err != nil {
			return err
		}
		if existing != nil {
			for _, k := range existing.Keys() {
				if _, keep := mapVal.MapGet(k); keep {
					continue
				}
				switch {
				case bound.IsNode():
					if err := env.Txn.RemoveNodeProperty(bound.NodeVal().ID, k); err != nil {
						return err
					}
				case bound.IsRel():
					if err := env.Txn.RemoveEdgeProperty(bound.RelVal().Key, k); err != nil {
						return err
					}
				}
			}
		}
	}
	for _, k := range mapVal.MapKeys() {
		v, _ := mapVal.MapGet(k)
		sv, err := ValueToStorage(v)
		if err != nil {
			return err
		}
		switch {
		case bound.IsNode():
			if err := env.Txn.SetNodeProperty(bound.NodeVal().ID, k, sv); err != nil {
				return err
			}
		case bound.IsRel():
			if err := env.Txn.SetEdgeProperty(bound.RelVal().Key, k, sv); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *planner) planRemove(src RowIterator, n *RemoveClause) (RowIterator, error) {
	return &removeIterator{env: p.env, src: src, items: n.Items}, nil
}

type removeIterator struct {
	env   *Env
	src   RowIterator
	items []RemoveItem
}

func (it *removeIterator) Next() (Row, bool, error) {
	row, ok, err := it.src.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	for _, item := range it.items {
		bound, ok := row[item.Variable]
		if !ok {
			return nil, false, fmt.Errorf("%w: %s", ErrUndefinedVariable, item.Variable)
		}
		if item.Label != "" {
			// removing a label is a no-op on nodes created without a
			// secondary-label write path; primary labels are immutable
			// once assigned in this storage model.
			continue
		}
		switch {
		case bound.IsNode():
			if err := it.env.Txn.RemoveNodeProperty(bound.NodeVal().ID, item.Property); err != nil {
				return nil, false, err
			}
		case bound.IsRel():
			if err := it.env.Txn.RemoveEdgeProperty(bound.RelVal().Key, item.Property); err != nil {
				return nil, false, err
			}
		default:
			return nil, false, fmt.Errorf("%w: REMOVE requires a node or relationship, got %s", ErrInvalidArgumentType, bound.TypeName())
		}
	}
	return row, true, nil
}

// --- DELETE ---

func (p *planner) planDelete(src RowIterator, n *DeleteClause) (RowIterator, error) {
	return &deleteIterator{env: p.env, src: src, clause: n}, nil
}

type deleteIterator struct {
	env    *Env
	src    RowIterator
	clause *DeleteClause
}

func (it *deleteIterator) Next() (Row, bool, error) {
	row, ok, err := it.src.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	ctx := it.env.evalCtx(row)
	for _, e := range it.clause.Expressions {
		v, err := Eval(e, ctx)
		if err != nil {
			return nil, false, err
		}
		switch {
		case v.IsRel():
			if err := it.env.Txn.TombstoneEdge(v.RelVal().Key); err != nil {
				return nil, false, err
			}
			it.env.Overlay.recordTombstoneEdge(v.RelVal().Key)
		case v.IsNode():
			id := v.NodeVal().ID
			if !it.clause.Detach {
				out := it.env.Snap.Neighbors(id, 0)
				in := it.env.Snap.IncomingNeighbors(id, 0)
				if len(out) > 0 || len(in) > 0 {
					return nil, false, fmt.Errorf("%w: %s", storage.ErrDeleteConnected, v.NodeVal().ExternalID)
				}
			} else {
				for _, ek := range it.env.Snap.Neighbors(id, 0) {
					if err := it.env.Txn.TombstoneEdge(ek); err != nil {
						return nil, false, err
					}
					it.env.Overlay.recordTombstoneEdge(ek)
				}
				for _, ek := range it.env.Snap.IncomingNeighbors(id, 0) {
					if err := it.env.Txn.TombstoneEdge(ek); err != nil {
						return nil, false, err
					}
					it.env.Overlay.recordTombstoneEdge(ek)
				}
			}
			if err := it.env.Txn.TombstoneNode(id); err != nil {
				return nil, false, err
			}
			it.env.Overlay.recordTombstoneNode(id)
		case v.IsNull():
			// deleting null is a no-op
		default:
			return nil, false, fmt.Errorf("%w: DELETE requires a node, relationship, or null, got %s", ErrInvalidDelete, v.TypeName())
		}
	}
	return row, true, nil
}

// --- UNWIND ---

func (p *planner) planUnwind(src RowIterator, n *UnwindClause) (RowIterator, error) {
	if err := p.bindType(n.As, "value"); err != nil {
		return nil, err
	}
	return &unwindIterator{env: p.env, src: src, expr: n.Expr, as: n.As}, nil
}

// --- WITH / RETURN ---

func (p *planner) planWith(src RowIterator, n *WithClause) (RowIterator, error) {
	it, err := p.planProjection(src, n.Items, n.Distinct, n.OrderBy, n.Skip, n.Limit)
	if err != nil {
		return nil, err
	}
	if n.Where != nil {
		it = &filterIterator{env: p.env, src: it, pred: n.Where}
	}
	p.bound = map[string]string{}
	for _, item := range n.Items {
		if item.Alias != "" {
			p.bound[item.Alias] = "value"
		} else if vr, ok := item.Expr.(*VarRef); ok {
			p.bound[vr.Name] = "value"
		}
	}
	return it, nil
}

func (p *planner) planReturn(src RowIterator, n *ReturnClause) (RowIterator, error) {
	return p.planProjection(src, n.Items, n.Distinct, n.OrderBy, n.Skip, n.Limit)
}

func (p *planner) planProjection(src RowIterator, items []ProjectionItem, distinct bool, orderBy []OrderItem, skip, limit Expr) (RowIterator, error) {
	hasAgg := false
	for _, item := range items {
		if containsAggregate(item.Expr) {
			hasAgg = true
		}
	}
	var it RowIterator = src
	if hasAgg {
		it = &aggregateIterator{env: p.env, src: src, items: items}
	} else {
		it = &projectIterator{env: p.env, src: it, items: items}
	}
	if distinct {
		it = &distinctIterator{src: it}
	}
	if len(orderBy) > 0 {
		// ORDER BY after a projection only sees the projected aliases,
		// which is the common case for RETURN/WITH; this executor does
		// not support ordering by a pre-projection expression that was
		// dropped from the projection list.
		it = &orderByIterator{env: p.env, src: it, orderBy: orderBy}
	}
	if skip != nil || limit != nil {
		it = &skipLimitIterator{env: p.env, src: it, skipExpr: skip, limitExpr: limit}
	}
	return it, nil
}

func containsAggregate(e Expr) bool {
	switch n := e.(type) {
	case *FunctionCall:
		if IsAggregateFunction(n.Name) {
			return true
		}
		for _, a := range n.Args {
			if containsAggregate(a) {
				return true
			}
		}
	case *BinaryExpr:
		return containsAggregate(n.Left) || containsAggregate(n.Right)
	case *UnaryExpr:
		return containsAggregate(n.Expr)
	case *CaseExpr:
		if n.Test != nil && containsAggregate(n.Test) {
			return true
		}
		for _, w := range n.Whens {
			if containsAggregate(w.Cond) || containsAggregate(w.Then) {
				return true
			}
		}
		if n.Else != nil {
			return containsAggregate(n.Else)
		}
	}
	return false
}

// aggregateIterator groups the fully-materialized input by the projection's
// non-aggregate expressions and applies each aggregate function once per
// group, emitting one row per group.
type aggregateIterator struct {
	env   *Env
	src   RowIterator
	items []ProjectionItem

	out []Row
	pos int
	ran bool
}

func (it *aggregateIterator) Next() (Row, bool, error) {
	if !it.ran {
		if err := it.run(); err != nil {
			return nil, false, err
		}
		it.ran = true
	}
	if it.pos >= len(it.out) {
		return nil, false, nil
	}
	r := it.out[it.pos]
	it.pos++
	return r, true, nil
}

type aggGroup struct {
	keyRow Row
	acc    []aggAccumulator
}

func (it *aggregateIterator) run() error {
	groups := map[string]*aggGroup{}
	var order []string

	groupKeys := make([]int, 0)
	aggIdx := make([]int, 0)
	for i, item := range it.items {
		if containsAggregate(item.Expr) {
			aggIdx = append(aggIdx, i)
		} else {
			groupKeys = append(groupKeys, i)
		}
	}

	for {
		row, ok, err := it.src.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		ctx := it.env.evalCtx(row)
		keyRow := Row{}
		for _, i := range groupKeys {
			v, err := Eval(it.items[i].Expr, ctx)
			if err != nil {
				return err
			}
			keyRow[projAlias(it.items[i], i)] = v
		}
		gk := rowHashKey(keyRow)
		g, ok := groups[gk]
		if !ok {
			g = &aggGroup{keyRow: keyRow, acc: make([]aggAccumulator, len(aggIdx))}
			for j, i := range aggIdx {
				g.acc[j] = newAggAccumulator(it.items[i].Expr.(*FunctionCall))
			}
			groups[gk] = g
			order = append(order, gk)
		}
		for j, i := range aggIdx {
			fc := it.items[i].Expr.(*FunctionCall)
			if fc.Name == "count" && len(fc.Args) == 1 {
				if vr, ok := fc.Args[0].(*VarRef); ok && vr.Name == "*" {
					g.acc[j].addRaw(Bool(true))
					continue
				}
			}
			var argVal Value
			if len(fc.Args) > 0 {
				v, err := Eval(fc.Args[0], ctx)
				if err != nil {
					return err
				}
				argVal = v
			}
			g.acc[j].add(argVal)
		}
	}
	if len(order) == 0 && len(groupKeys) == 0 {
		// no input rows at all and no grouping keys: aggregates over an
		// empty set still produce one row (count()==0, sum()==0, etc).
		g := &aggGroup{keyRow: Row{}, acc: make([]aggAccumulator, len(aggIdx))}
		for j, i := range aggIdx {
			g.acc[j] = newAggAccumulator(it.items[i].Expr.(*FunctionCall))
		}
		groups[""] = g
		order = append(order, "")
	}

	for _, gk := range order {
		g := groups[gk]
		out := Row{}
		for _, i := range groupKeys {
			out[projAlias(it.items[i], i)] = g.keyRow[projAlias(it.items[i], i)]
		}
		for j, i := range aggIdx {
			out[projAlias(it.items[i], i)] = g.acc[j].result()
		}
		it.out = append(it.out, out)
	}
	return nil
}

func projAlias(item ProjectionItem, idx int) string {
	if item.Alias != "" {
		return item.Alias
	}
	if vr, ok := item.Expr.(*VarRef); ok {
		return vr.Name
	}
	return fmt.Sprintf("col%d", idx)
}

type aggAccumulator interface {
	add(v Value)
	addRaw(v Value)
	result() Value
}

func newAggAccumulator(fc *FunctionCall) aggAccumulator {
	switch fc.Name {
	case "count":
		return &countAcc{distinct: fc.Distinct, seen: map[string]bool{}}
	case "sum":
		return &sumAcc{}
	case "avg":
		return &avgAcc{}
	case "min":
		return &minMaxAcc{min: true}
	case "max":
		return &minMaxAcc{min: false}
	case "collect":
		return &collectAcc{distinct: fc.Distinct, seen: map[string]bool{}}
	}
	return &collectAcc{}
}

type countAcc struct {
	n        int64
	distinct bool
	seen     map[string]bool
}

func (a *countAcc) add(v Value) {
	if v.IsNull() {
		return
	}
	if a.distinct {
		k := rowHashKeyOf(v)
		if a.seen[k] {
			return
		}
		a.seen[k] = true
	}
	a.n++
}
func (a *countAcc) addRaw(v Value) { a.n++ }
func (a *countAcc) result() Value  { return Int(a.n) }

type sumAcc struct {
	i      int64
	f      float64
	isFloat bool
}

func (a *sumAcc) add(v Value) {
	if v.IsNull() {
		return
	}
	if v.IsFloat() || a.isFloat {
		a.isFloat = true
		a.f += v.AsFloat64()
		return
	}
	a.i += v.Int()
}
func (a *sumAcc) addRaw(v Value) {}
func (a *sumAcc) result() Value {
	if a.isFloat {
		return Float(a.f + float64(a.i))
	}
	return Int(a.i)
}

type avgAcc struct {
	sum float64
	n   int64
}

func (a *avgAcc) add(v Value) {
	if v.IsNull() || !v.IsNumber() {
		return
	}
	a.sum += v.AsFloat64()
	a.n++
}
func (a *avgAcc) addRaw(v Value) {}
func (a *avgAcc) result() Value {
	if a.n == 0 {
		return Null()
	}
	return Float(a.sum / float64(a.n))
}

type minMaxAcc struct {
	min  bool
	val  Value
	set  bool
}

func (a *minMaxAcc) add(v Value) {
	if v.IsNull() {
		return
	}
	if !a.set {
		a.val = v
		a.set = true
		return
	}
	c := Compare(v, a.val)
	if (a.min && c < 0) || (!a.min && c > 0) {
		a.val = v
	}
}
func (a *minMaxAcc) addRaw(v Value) {}
func (a *minMaxAcc) result() Value {
	if !a.set {
		return Null()
	}
	return a.val
}

type collectAcc struct {
	items    []Value
	distinct bool
	seen     map[string]bool
}

func (a *collectAcc) add(v Value) {
	if v.IsNull() {
		return
	}
	if a.distinct {
		k := rowHashKeyOf(v)
		if a.seen[k] {
			return
		}
		a.seen[k] = true
	}
	a.items = append(a.items, v)
}
func (a *collectAcc) addRaw(v Value) {}
func (a *collectAcc) result() Value  { return List(a.items) }

func rowHashKeyOf(v Value) string { return fmt.Sprintf("%v", hashKey(v)) }
