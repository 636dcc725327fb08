// Package aggregate creates user-defined aggregates. The validation
// pipeline exercises every other catalog collaborator:
// IdAllocator for the container function's oid, CatalogAccessor for the
// function and aggregate rows, DependencyRecorder for the edges back to
// the transition, moving-inverse and final functions (no edge is recorded
// for the sort operator), and EventTriggerCore for the post-create event.
package aggregate

import (
	"context"
	"strings"

	"github.com/zoravur/catalogcore/pkg/catalog"
	"github.com/zoravur/catalogcore/pkg/catalogerr"
	"github.com/zoravur/catalogcore/pkg/depend"
	"github.com/zoravur/catalogcore/pkg/eventtrigger"
	"github.com/zoravur/catalogcore/pkg/oid"
)

// MaxFuncArgs bounds a function's argument list; an aggregate's
// parameter list (direct + aggregated) must leave room for the implicit
// transition-type argument passed to the transition function.
const MaxFuncArgs = 100

// Kind distinguishes normal, ordered-set, and hypothetical-set
// aggregates.
type Kind int

const (
	Normal Kind = iota
	OrderedSet
	HypotheticalSet
)

// Parameter is one formal aggregate argument.
type Parameter struct {
	Name    string
	Type    string
	Default string // literal SQL text, "" if none
}

// Spec is every input Creator.Create accepts.
type Spec struct {
	Name      string
	Namespace oid.Oid
	Kind      Kind

	DirectArgCount int
	Parameters     []Parameter // aggregated arguments
	DirectParams   []Parameter // direct arguments (ordered-set/hypothetical-set only)
	VariadicType   string      // "" if the aggregate is not variadic

	TransitionFunc    string
	FinalFunc         string // "" if none
	FinalFuncExtra    bool   // final function receives extra (direct) args
	MovingFwdFunc     string // "" if no moving-aggregate support
	MovingInvFunc     string
	MovingFinalFunc   string
	SortOperator      string // "" if none

	TransitionType       string
	MovingTransitionType string
	TransitionSpaceHint  int
	InitialValue         *string
	MovingInitialValue   *string

	ResultType string // the container function's declared return type
	Owner      string // calling user, checked for USAGE/EXECUTE privileges
}

// FuncInfo is the catalog row of a looked-up function.
type FuncInfo struct {
	Oid      oid.Oid
	ReturnType string
	Strict   bool
	ArgTypes []string
}

// FunctionLookup resolves a function by name and exact argument-type
// list against the function catalog.
type FunctionLookup interface {
	Lookup(ctx context.Context, name string, argTypes []string) (FuncInfo, bool, error)
}

// PrivilegeChecker answers the USAGE and EXECUTE checks Create runs
// over every referenced type and function.
type PrivilegeChecker interface {
	HasUsageOnType(user, typeName string) bool
	HasExecuteOnFunc(user string, fn oid.Oid) bool
}

// IsPolymorphic reports whether typeName is one of the pseudo-types whose
// actual type is deduced at call time (anyelement, anyarray, anyrange,
// anyenum, anycompatible and its variants).
func IsPolymorphic(typeName string) bool {
	return strings.HasPrefix(typeName, "any")
}

// BinaryCoercible is a conservative stand-in for a full cast
// catalog: identical types are always coercible, and a polymorphic type
// is coercible to or from anything (the real type is resolved later).
func BinaryCoercible(from, to string) bool {
	return from == to || IsPolymorphic(from) || IsPolymorphic(to)
}

// Creator wires the collaborators an aggregate creation needs.
type Creator struct {
	Ids        *oid.Allocator
	Cat        *catalog.Accessor
	Deps       *depend.Recorder
	Events     *eventtrigger.Core
	Functions  FunctionLookup
	Privileges PrivilegeChecker

	ProcClassId      oid.Oid
	AggregateClassId oid.Oid
}

// procOidColumn names the oid column of the function catalog, passed
// through to IdAllocator.
const procOidColumn = "oid"

// Create validates spec and, if all rules pass,
// performs the four side effects in order, returning the container
// function's oid.
func (c *Creator) Create(ctx context.Context, sessionID string, spec Spec) (oid.Oid, error) {
	if err := c.validate(ctx, spec); err != nil {
		return oid.InvalidOid, err
	}

	fwd, err := c.lookupTransitionFunc(ctx, spec)
	if err != nil {
		return oid.InvalidOid, err
	}

	xid := c.Cat.Begin()
	h, err := c.Cat.Open(ctx, c.ProcClassId, catalog.RowExclusive)
	if err != nil {
		return oid.InvalidOid, err
	}
	defer h.Close(false)

	checker := c.Cat.IndexCheckerFor(c.ProcClassId)
	containerOid, err := c.Ids.NewOidFor(ctx, checker, procOidColumn, false)
	if err != nil {
		return oid.InvalidOid, err
	}

	procTuple := c.Cat.FormTuple(h, map[string]any{
		procOidColumn: containerOid,
		"proname":     spec.Name,
		"pronamespace": spec.Namespace,
		"prorettype":  spec.ResultType,
		"proisagg":    true,
	})
	if _, err := c.Cat.Insert(ctx, h, procTuple, xid); err != nil {
		return oid.InvalidOid, err
	}

	aggH, err := c.Cat.Open(ctx, c.AggregateClassId, catalog.RowExclusive)
	if err != nil {
		return oid.InvalidOid, err
	}
	defer aggH.Close(false)

	aggTuple := c.Cat.FormTuple(aggH, map[string]any{
		"aggfnoid":         containerOid,
		"aggkind":          spec.Kind,
		"aggtransfn":       spec.TransitionFunc,
		"aggfinalfn":       spec.FinalFunc,
		"aggmtransfn":      spec.MovingFwdFunc,
		"aggminvtransfn":   spec.MovingInvFunc,
		"aggmfinalfn":      spec.MovingFinalFunc,
		"aggsortop":        spec.SortOperator,
		"aggtranstype":     spec.TransitionType,
		"aggmtranstype":    spec.MovingTransitionType,
		"aggtransspace":    spec.TransitionSpaceHint,
		"agginitval":       spec.InitialValue,
		"aggminitval":      spec.MovingInitialValue,
	})
	if _, err := c.Cat.Insert(ctx, aggH, aggTuple, xid); err != nil {
		return oid.InvalidOid, err
	}

	container := depend.ObjectAddress{ClassId: c.ProcClassId, ObjectId: containerOid}
	c.Deps.Record(container, depend.ObjectAddress{ClassId: c.ProcClassId, ObjectId: fwd.Oid}, depend.NORMAL)
	if spec.MovingInvFunc != "" {
		if inv, ok, _ := c.Functions.Lookup(ctx, spec.MovingInvFunc, nil); ok {
			c.Deps.Record(container, depend.ObjectAddress{ClassId: c.ProcClassId, ObjectId: inv.Oid}, depend.NORMAL)
		}
	}
	for _, fn := range []string{spec.FinalFunc, spec.MovingFinalFunc} {
		if fn == "" {
			continue
		}
		if info, ok, _ := c.Functions.Lookup(ctx, fn, nil); ok {
			c.Deps.Record(container, depend.ObjectAddress{ClassId: c.ProcClassId, ObjectId: info.Oid}, depend.NORMAL)
		}
	}

	c.Cat.Commit(xid)

	c.Events.CollectSimple(sessionID, container, "", "CREATE AGGREGATE", false)
	return containerOid, nil
}

func (c *Creator) lookupTransitionFunc(ctx context.Context, spec Spec) (FuncInfo, error) {
	argTypes := c.transitionFuncArgTypes(spec)
	fn, ok, err := c.Functions.Lookup(ctx, spec.TransitionFunc, argTypes)
	if err != nil {
		return FuncInfo{}, err
	}
	if !ok {
		return FuncInfo{}, catalogerr.New(catalogerr.UndefinedObject,
			"transition function %q with signature %v not found", spec.TransitionFunc, argTypes)
	}
	if fn.ReturnType != spec.TransitionType {
		return FuncInfo{}, catalogerr.New(catalogerr.DatatypeMismatch,
			"transition function %q must return %s exactly, got %s", spec.TransitionFunc, spec.TransitionType, fn.ReturnType)
	}
	return fn, nil
}

// transitionFuncArgTypes builds the forward transition function's
// expected signature: (transition_type, input_types...) for normal
// aggregates, (transition_type, aggregated_inputs...) for ordered-set
// (direct args are not consumed).
func (c *Creator) transitionFuncArgTypes(spec Spec) []string {
	types := make([]string, 0, len(spec.Parameters)+1)
	types = append(types, spec.TransitionType)
	for _, p := range spec.Parameters {
		types = append(types, p.Type)
	}
	return types
}

// validate runs the definition rules in order, returning the first
// failure.
func (c *Creator) validate(ctx context.Context, spec Spec) error {
	// Rule 1: at least one transition function; parameter count bound.
	if spec.TransitionFunc == "" {
		return catalogerr.New(catalogerr.InvalidFunctionDefinition, "an aggregate must name a transition function")
	}
	if len(spec.Parameters)+len(spec.DirectParams) > MaxFuncArgs-1 {
		return catalogerr.New(catalogerr.InvalidFunctionDefinition,
			"aggregate has too many parameters (max %d)", MaxFuncArgs-1)
	}

	// Rule 2: if the transition type is polymorphic, some input must be too.
	if IsPolymorphic(spec.TransitionType) {
		anyPoly := false
		for _, p := range spec.Parameters {
			if IsPolymorphic(p.Type) {
				anyPoly = true
				break
			}
		}
		for _, p := range spec.DirectParams {
			if IsPolymorphic(p.Type) {
				anyPoly = true
				break
			}
		}
		if IsPolymorphic(spec.VariadicType) {
			anyPoly = true
		}
		if !anyPoly {
			return catalogerr.New(catalogerr.InvalidFunctionDefinition,
				"polymorphic transition type %s requires at least one polymorphic input type", spec.TransitionType)
		}
	}

	// Rule 3: ordered-set variadic must be of the open ANY type.
	if spec.Kind == OrderedSet && spec.VariadicType != "" && spec.VariadicType != "any" {
		return catalogerr.New(catalogerr.FeatureNotSupported,
			"an ordered-set aggregate's variadic arguments must be of type ANY, got %s", spec.VariadicType)
	}

	// Rule 4: hypothetical-set direct/aggregated argument alignment.
	if spec.Kind == HypotheticalSet && spec.VariadicType == "" {
		n := len(spec.Parameters)
		if n > len(spec.DirectParams) {
			return catalogerr.New(catalogerr.InvalidFunctionDefinition,
				"a hypothetical-set aggregate's last direct arguments must match its aggregated arguments")
		}
		for i := 0; i < n; i++ {
			d := len(spec.DirectParams) - n + i
			if spec.DirectParams[d].Type != spec.Parameters[i].Type {
				return catalogerr.New(catalogerr.InvalidFunctionDefinition,
					"hypothetical-set direct argument %d (%s) does not match aggregated argument type %s",
					d, spec.DirectParams[d].Type, spec.Parameters[i].Type)
			}
		}
	}

	// Rule 5 is enforced by lookupTransitionFunc, called separately so
	// its error carries UndefinedObject/DatatypeMismatch as appropriate.

	// Rule 6: strict transition function with no initial value needs a
	// binary-coercible first input.
	fwdInfo, ok, err := c.Functions.Lookup(ctx, spec.TransitionFunc, c.transitionFuncArgTypes(spec))
	if err != nil {
		return err
	}
	if ok && fwdInfo.Strict && spec.InitialValue == nil {
		if len(spec.Parameters) == 0 {
			return catalogerr.New(catalogerr.InvalidFunctionDefinition,
				"a strict transition function with no initial value requires at least one aggregated input")
		}
		if !BinaryCoercible(spec.Parameters[0].Type, spec.TransitionType) {
			return catalogerr.New(catalogerr.InvalidFunctionDefinition,
				"first input type %s must be binary-coercible to transition type %s", spec.Parameters[0].Type, spec.TransitionType)
		}
	}

	// Rule 7: moving-aggregate forward/inverse strictness must match.
	if spec.MovingFwdFunc != "" && spec.MovingInvFunc != "" {
		fwdMoving, okF, err := c.Functions.Lookup(ctx, spec.MovingFwdFunc, nil)
		if err != nil {
			return err
		}
		invMoving, okI, err := c.Functions.Lookup(ctx, spec.MovingInvFunc, nil)
		if err != nil {
			return err
		}
		if okF && okI && fwdMoving.Strict != invMoving.Strict {
			return catalogerr.New(catalogerr.InvalidFunctionDefinition,
				"moving-aggregate forward and inverse transition functions must have matching strictness")
		}
	}

	// Rule 8: a final function with extra args must not be strict.
	if spec.FinalFunc != "" && spec.FinalFuncExtra {
		finalInfo, ok, err := c.Functions.Lookup(ctx, spec.FinalFunc, nil)
		if err != nil {
			return err
		}
		if ok && finalInfo.Strict {
			return catalogerr.New(catalogerr.InvalidFunctionDefinition,
				"a final function receiving extra arguments must not be declared strict")
		}
	}

	// Rule 9: polymorphic or INTERNAL result type needs a matching argument.
	if IsPolymorphic(spec.ResultType) || spec.ResultType == "internal" {
		matched := false
		for _, p := range spec.Parameters {
			if p.Type == spec.ResultType || (IsPolymorphic(spec.ResultType) && IsPolymorphic(p.Type)) {
				matched = true
				break
			}
		}
		if !matched {
			return catalogerr.New(catalogerr.DatatypeMismatch,
				"result type %s requires a matching argument type for safety", spec.ResultType)
		}
	}

	// Rule 10: USAGE on every type, EXECUTE on every referenced function.
	if c.Privileges != nil {
		typesToCheck := []string{spec.TransitionType, spec.ResultType}
		for _, p := range spec.Parameters {
			typesToCheck = append(typesToCheck, p.Type)
		}
		for _, t := range typesToCheck {
			if t == "" || IsPolymorphic(t) {
				continue
			}
			if !c.Privileges.HasUsageOnType(spec.Owner, t) {
				return catalogerr.New(catalogerr.InsufficientPrivilege, "missing USAGE privilege on type %s", t)
			}
		}

		fnsToCheck := []string{
			spec.TransitionFunc, spec.MovingFwdFunc, spec.MovingInvFunc,
			spec.FinalFunc, spec.MovingFinalFunc,
		}
		for _, name := range fnsToCheck {
			if name == "" {
				continue
			}
			info, ok, err := c.Functions.Lookup(ctx, name, nil)
			if err != nil {
				return err
			}
			if !ok {
				// A missing transition function surfaces as UndefinedObject
				// from lookupTransitionFunc; other unresolved functions are
				// skipped here, as in the rules above.
				continue
			}
			if !c.Privileges.HasExecuteOnFunc(spec.Owner, info.Oid) {
				return catalogerr.New(catalogerr.InsufficientPrivilege, "missing EXECUTE privilege on function %s", name)
			}
		}
	}

	return nil
}
