// Package depend implements DependencyRecorder: the edge set that drives
// cascading drops, owner changes, and extension membership. Edges
// are rows in a relation keyed by (dependent, referenced) rather than a
// pointer graph, so cyclic owner/owned references never materialize as
// a cyclic object graph.
package depend

import (
	"fmt"
	"sort"
	"sync"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/zoravur/catalogcore/pkg/catalogerr"
	"github.com/zoravur/catalogcore/pkg/oid"
)

// Kind is one of the four dependency-edge contracts.
type Kind int

const (
	// NORMAL: drop of the referenced object fails unless CASCADE.
	NORMAL Kind = iota
	// AUTO: drop of the referenced object silently drops the dependent.
	AUTO
	// INTERNAL: dependent is a helper of referenced; cannot be dropped by its own name.
	INTERNAL
	// EXTENSION: dependent belongs to an extension; transfers with it.
	EXTENSION
)

func (k Kind) String() string {
	switch k {
	case NORMAL:
		return "normal"
	case AUTO:
		return "auto"
	case INTERNAL:
		return "internal"
	case EXTENSION:
		return "extension"
	default:
		return "unknown_dependency_kind"
	}
}

// ObjectAddress is the ubiquitous (class, oid, subid) triple, modeled as
// a plain value type with total order rather than pointer identity.
type ObjectAddress struct {
	ClassId  oid.Oid
	ObjectId oid.Oid
	SubId    int32
}

// Less gives ObjectAddress a total order for use as a sorted-collection key.
func (a ObjectAddress) Less(b ObjectAddress) bool {
	if a.ClassId != b.ClassId {
		return a.ClassId < b.ClassId
	}
	if a.ObjectId != b.ObjectId {
		return a.ObjectId < b.ObjectId
	}
	return a.SubId < b.SubId
}

func (a ObjectAddress) key() string {
	return fmt.Sprintf("%d.%d.%d", a.ClassId, a.ObjectId, a.SubId)
}

// Edge is one (dependent, referenced, kind) row.
type Edge struct {
	Dep  ObjectAddress
	Ref  ObjectAddress
	Kind Kind
}

func edgeKey(dep, ref ObjectAddress, kind Kind) string {
	return dep.key() + "|" + ref.key() + "|" + kind.String()
}

// Recorder is the process-wide dependency store: one map for ordinary
// (per-database) edges, one for shared-owner edges, mirroring the
// local and shared depend catalogs.
type Recorder struct {
	mu     sync.Mutex
	edges  map[string]Edge
	owners map[string]Edge // keyed by dependent only: one owner edge per object
}

func New() *Recorder {
	return &Recorder{
		edges:  make(map[string]Edge),
		owners: make(map[string]Edge),
	}
}

// Record inserts one edge, deduplicating on the exact (dep, ref, kind)
// key so creators may emit edges in any order without pre-deduplicating.
func (r *Recorder) Record(dep, ref ObjectAddress, kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges[edgeKey(dep, ref, kind)] = Edge{Dep: dep, Ref: ref, Kind: kind}
}

// RecordOnOwner records dep's owner edge, stored in the separate
// shared-depend relation since ownership is cluster-wide, not per-database.
func (r *Recorder) RecordOnOwner(class oid.Oid, objectOid oid.Oid, ownerOid oid.Oid) {
	dep := ObjectAddress{ClassId: class, ObjectId: objectOid}
	ref := ObjectAddress{ClassId: authIdClassId, ObjectId: ownerOid}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[dep.key()] = Edge{Dep: dep, Ref: ref, Kind: NORMAL}
}

// authIdClassId is pg_authid's class oid, the referenced class of every
// owner edge.
const authIdClassId oid.Oid = 1260

// ColumnResolver maps a bare or qualified column name appearing in an
// expression to the attribute number of relOid's column, when relOid is
// the table the expression is attached to (e.g. a CHECK constraint).
type ColumnResolver func(name string) (subid int32, ok bool)

// FuncResolver maps a called function's name to its catalog oid.
type FuncResolver func(name string) (oid.Oid, bool)

// RecordOnSingleRelExpr walks the SQL expression exprSQL (a bare
// expression, as in a CHECK constraint) and records one edge per
// referenced column or function: a reference to one of relOid's own
// columns uses selfKind, everything else uses otherKind.
func (r *Recorder) RecordOnSingleRelExpr(dep ObjectAddress, exprSQL string, relOid oid.Oid, resolveCol ColumnResolver, resolveFunc FuncResolver, selfKind, otherKind Kind) error {
	tree, err := pg_query.Parse("SELECT " + exprSQL)
	if err != nil {
		return catalogerr.Wrap(catalogerr.SyntaxError, err, "failed to parse dependency expression")
	}
	stmts := tree.GetStmts()
	if len(stmts) == 0 {
		return nil
	}
	sel := stmts[0].GetStmt().GetSelectStmt()
	if sel == nil || len(sel.GetTargetList()) == 0 {
		return catalogerr.New(catalogerr.SyntaxError, "expression did not parse as a scalar expression")
	}
	root := sel.GetTargetList()[0].GetResTarget().GetVal()

	var edges []Edge
	walkExpr(root, func(colName string) {
		if resolveCol == nil {
			return
		}
		if subid, ok := resolveCol(colName); ok {
			edges = append(edges, Edge{Dep: dep, Ref: ObjectAddress{ClassId: relOid, SubId: subid}, Kind: selfKind})
		}
	}, func(funcName string) {
		if resolveFunc == nil {
			return
		}
		if fnOid, ok := resolveFunc(funcName); ok {
			edges = append(edges, Edge{Dep: dep, Ref: ObjectAddress{ClassId: procClassId, ObjectId: fnOid}, Kind: otherKind})
		}
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range edges {
		r.edges[edgeKey(e.Dep, e.Ref, e.Kind)] = e
	}
	return nil
}

// procClassId is pg_proc's class oid, the referenced class of a function edge.
const procClassId oid.Oid = 1255

// walkExpr recurses through a CHECK-constraint-shaped expression tree,
// reporting every column reference and function call it finds, using
// pg_query_go's typed node getters.
func walkExpr(node *pg_query.Node, onColumn func(name string), onFunc func(name string)) {
	if node == nil {
		return
	}
	switch {
	case node.GetColumnRef() != nil:
		for _, name := range columnRefFields(node.GetColumnRef()) {
			onColumn(name)
		}
	case node.GetFuncCall() != nil:
		fc := node.GetFuncCall()
		if name := funcCallName(fc); name != "" {
			onFunc(name)
		}
		for _, a := range fc.GetArgs() {
			walkExpr(a, onColumn, onFunc)
		}
	case node.GetAExpr() != nil:
		ae := node.GetAExpr()
		walkExpr(ae.GetLexpr(), onColumn, onFunc)
		walkExpr(ae.GetRexpr(), onColumn, onFunc)
	case node.GetBoolExpr() != nil:
		for _, a := range node.GetBoolExpr().GetArgs() {
			walkExpr(a, onColumn, onFunc)
		}
	case node.GetCaseExpr() != nil:
		ce := node.GetCaseExpr()
		for _, w := range ce.GetArgs() {
			if when := w.GetCaseWhen(); when != nil {
				walkExpr(when.GetExpr(), onColumn, onFunc)
				walkExpr(when.GetResult(), onColumn, onFunc)
			}
		}
		walkExpr(ce.GetDefresult(), onColumn, onFunc)
	case node.GetCoalesceExpr() != nil:
		for _, a := range node.GetCoalesceExpr().GetArgs() {
			walkExpr(a, onColumn, onFunc)
		}
	case node.GetMinMaxExpr() != nil:
		for _, a := range node.GetMinMaxExpr().GetArgs() {
			walkExpr(a, onColumn, onFunc)
		}
	case node.GetTypeCast() != nil:
		walkExpr(node.GetTypeCast().GetArg(), onColumn, onFunc)
	case node.GetNullTest() != nil:
		walkExpr(node.GetNullTest().GetArg(), onColumn, onFunc)
	}
}

func columnRefFields(cr *pg_query.ColumnRef) []string {
	var out []string
	for _, f := range cr.GetFields() {
		if s := f.GetString_(); s != nil {
			out = append(out, s.GetSval())
		}
	}
	return out
}

func funcCallName(fc *pg_query.FuncCall) string {
	var last string
	for _, n := range fc.GetFuncname() {
		if s := n.GetString_(); s != nil {
			last = s.GetSval()
		}
	}
	return last
}

// Rewrite deletes every edge sourced at dep, plus dep's shared-owner
// edge, so the caller may re-insert the correct set (used during ALTER
// operations that change referenced objects).
func (r *Recorder) Rewrite(dep ObjectAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.edges {
		if e.Dep == dep {
			delete(r.edges, k)
		}
	}
	delete(r.owners, dep.key())
}

// EdgesFrom returns every edge sourced at dep, ascending by referenced
// address then kind, for deterministic test assertions.
func (r *Recorder) EdgesFrom(dep ObjectAddress) []Edge {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Edge
	for _, e := range r.edges {
		if e.Dep == dep {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ref != out[j].Ref {
			return out[i].Ref.Less(out[j].Ref)
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// AddressSet is a deduplicating collection of ObjectAddress values.
type AddressSet struct {
	members map[ObjectAddress]struct{}
}

func NewAddressSet() *AddressSet {
	return &AddressSet{members: make(map[ObjectAddress]struct{})}
}

func (s *AddressSet) Add(addr ObjectAddress) {
	s.members[addr] = struct{}{}
}

func (s *AddressSet) Len() int { return len(s.members) }

func (s *AddressSet) Addresses() []ObjectAddress {
	out := make([]ObjectAddress, 0, len(s.members))
	for a := range s.members {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// RecordAll batch-inserts one edge per member of set, all sourced at dep
// with the same kind.
func (r *Recorder) RecordAll(dep ObjectAddress, set *AddressSet, kind Kind) {
	for _, ref := range set.Addresses() {
		r.Record(dep, ref, kind)
	}
}
