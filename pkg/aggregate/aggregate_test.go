package aggregate

import (
	"context"
	"testing"

	faker "github.com/go-faker/faker/v4"

	"github.com/zoravur/catalogcore/pkg/catalog"
	"github.com/zoravur/catalogcore/pkg/catalogcfg"
	"github.com/zoravur/catalogcore/pkg/catalogerr"
	"github.com/zoravur/catalogcore/pkg/depend"
	"github.com/zoravur/catalogcore/pkg/eventtrigger"
	"github.com/zoravur/catalogcore/pkg/oid"
	"github.com/zoravur/catalogcore/pkg/prng"
)

const (
	procClassId oid.Oid = 1255
	aggClassId  oid.Oid = 2600
	nsOid       oid.Oid = 2200
)

type stubFuncs struct {
	fns map[string]FuncInfo
}

func (s stubFuncs) Lookup(_ context.Context, name string, _ []string) (FuncInfo, bool, error) {
	f, ok := s.fns[name]
	return f, ok, nil
}

type stubPrivs struct {
	deniedType string
	deniedFunc oid.Oid
}

func (s stubPrivs) HasUsageOnType(_ string, typeName string) bool { return typeName != s.deniedType }
func (s stubPrivs) HasExecuteOnFunc(_ string, fn oid.Oid) bool {
	return s.deniedFunc == 0 || fn != s.deniedFunc
}

func newTestCreator(fns map[string]FuncInfo, privs PrivilegeChecker) *Creator {
	acc := catalog.New(nil)
	acc.DefineRelation(procClassId, "oid", []string{"proname", "pronamespace"})
	acc.DefineRelation(aggClassId, "", []string{"aggfnoid"})
	return &Creator{
		Ids:              oid.New(nil),
		Cat:              acc,
		Deps:             depend.New(),
		Events:           eventtrigger.New(catalogcfg.New(), nil),
		Functions:        stubFuncs{fns: fns},
		Privileges:       privs,
		ProcClassId:      procClassId,
		AggregateClassId: aggClassId,
	}
}

func int4Sum() map[string]FuncInfo {
	return map[string]FuncInfo{
		"int4_sum": {Oid: 2110, ReturnType: "int8", Strict: false, ArgTypes: []string{"int8", "int4"}},
	}
}

func validSumSpec() Spec {
	return Spec{
		Name:           "my_sum",
		Namespace:      nsOid,
		Kind:           Normal,
		Parameters:     []Parameter{{Name: "x", Type: "int4"}},
		TransitionFunc: "int4_sum",
		TransitionType: "int8",
		ResultType:     "int8",
		Owner:          "alice",
	}
}

func TestCreateRecordsDependenciesAndCollects(t *testing.T) {
	faker.SetCryptoSource(prng.New(3))
	c := newTestCreator(int4Sum(), stubPrivs{})
	sess := "s1"

	var collected []eventtrigger.CollectedCommand
	c.Events.RegisterTrigger(&eventtrigger.Trigger{
		Name: "capture", Event: eventtrigger.EventDdlCommandEnd, Enabled: eventtrigger.EnableAlways,
		Fn: func(ctx *eventtrigger.Context) error {
			cmds, err := ctx.DdlCommands()
			collected = append(collected, cmds...)
			return err
		},
	})

	spec := validSumSpec()
	spec.Name = faker.Username()

	c.Events.BeginQuery(sess)
	containerOid, err := c.Create(context.Background(), sess, spec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if containerOid < oid.FirstUnpinnedObjectId {
		t.Fatalf("container oid %d is in the pinned range", containerOid)
	}
	if err := c.Events.DdlCommandEnd(sess, eventtrigger.RoleOrigin, "", "CREATE AGGREGATE"); err != nil {
		t.Fatalf("DdlCommandEnd: %v", err)
	}
	c.Events.EndQuery(sess)

	container := depend.ObjectAddress{ClassId: procClassId, ObjectId: containerOid}
	edges := c.Deps.EdgesFrom(container)
	if len(edges) != 1 {
		t.Fatalf("want 1 dependency edge (transition function), got %d", len(edges))
	}
	if edges[0].Ref.ObjectId != 2110 || edges[0].Kind != depend.NORMAL {
		t.Fatalf("unexpected edge %+v", edges[0])
	}

	if len(collected) != 1 {
		t.Fatalf("want 1 collected command, got %d", len(collected))
	}
	if collected[0].CommandTag != "CREATE AGGREGATE" {
		t.Fatalf("collected tag %q", collected[0].CommandTag)
	}
}

func TestCreateRejectsNonPolymorphicInputsForPolymorphicTransition(t *testing.T) {
	fns := map[string]FuncInfo{
		"array_accum": {Oid: 2335, ReturnType: "anyarray", Strict: false},
	}
	c := newTestCreator(fns, stubPrivs{})

	spec := Spec{
		Name:           "bad_accum",
		Namespace:      nsOid,
		Kind:           Normal,
		Parameters:     []Parameter{{Name: "x", Type: "int4"}},
		TransitionFunc: "array_accum",
		TransitionType: "anyarray",
		ResultType:     "int4",
		Owner:          "alice",
	}
	_, err := c.Create(context.Background(), "s1", spec)
	if kind, ok := catalogerr.KindOf(err); !ok || kind != catalogerr.InvalidFunctionDefinition {
		t.Fatalf("want InvalidFunctionDefinition, got %v", err)
	}
}

func TestCreateRejectsOrderedSetGeneralVariadic(t *testing.T) {
	c := newTestCreator(int4Sum(), stubPrivs{})
	spec := validSumSpec()
	spec.Kind = OrderedSet
	spec.VariadicType = "int4"

	_, err := c.Create(context.Background(), "s1", spec)
	if kind, ok := catalogerr.KindOf(err); !ok || kind != catalogerr.FeatureNotSupported {
		t.Fatalf("want FeatureNotSupported, got %v", err)
	}
}

func TestCreateRejectsMovingStrictnessMismatch(t *testing.T) {
	fns := int4Sum()
	fns["m_fwd"] = FuncInfo{Oid: 3000, ReturnType: "int8", Strict: true}
	fns["m_inv"] = FuncInfo{Oid: 3001, ReturnType: "int8", Strict: false}
	c := newTestCreator(fns, stubPrivs{})

	spec := validSumSpec()
	spec.MovingFwdFunc = "m_fwd"
	spec.MovingInvFunc = "m_inv"
	spec.MovingTransitionType = "int8"

	_, err := c.Create(context.Background(), "s1", spec)
	if kind, ok := catalogerr.KindOf(err); !ok || kind != catalogerr.InvalidFunctionDefinition {
		t.Fatalf("want InvalidFunctionDefinition, got %v", err)
	}
}

func TestCreateRejectsTransitionReturnTypeMismatch(t *testing.T) {
	fns := map[string]FuncInfo{
		"wrong_ret": {Oid: 3002, ReturnType: "int4", Strict: false},
	}
	c := newTestCreator(fns, stubPrivs{})

	spec := validSumSpec()
	spec.TransitionFunc = "wrong_ret"

	_, err := c.Create(context.Background(), "s1", spec)
	if kind, ok := catalogerr.KindOf(err); !ok || kind != catalogerr.DatatypeMismatch {
		t.Fatalf("want DatatypeMismatch, got %v", err)
	}
}

func TestCreateRejectsMissingFunctionExecute(t *testing.T) {
	c := newTestCreator(int4Sum(), stubPrivs{deniedFunc: 2110})

	_, err := c.Create(context.Background(), "s1", validSumSpec())
	if kind, ok := catalogerr.KindOf(err); !ok || kind != catalogerr.InsufficientPrivilege {
		t.Fatalf("want InsufficientPrivilege, got %v", err)
	}
}

func TestCreateRejectsMissingTypeUsage(t *testing.T) {
	c := newTestCreator(int4Sum(), stubPrivs{deniedType: "int8"})

	_, err := c.Create(context.Background(), "s1", validSumSpec())
	if kind, ok := catalogerr.KindOf(err); !ok || kind != catalogerr.InsufficientPrivilege {
		t.Fatalf("want InsufficientPrivilege, got %v", err)
	}
}

func TestCreateRejectsStrictTransitionWithoutSeedableInput(t *testing.T) {
	fns := map[string]FuncInfo{
		"strict_tf": {Oid: 3003, ReturnType: "int8", Strict: true},
	}
	c := newTestCreator(fns, stubPrivs{})

	spec := validSumSpec()
	spec.TransitionFunc = "strict_tf"
	spec.Parameters = []Parameter{{Name: "x", Type: "text"}} // not coercible to int8

	_, err := c.Create(context.Background(), "s1", spec)
	if kind, ok := catalogerr.KindOf(err); !ok || kind != catalogerr.InvalidFunctionDefinition {
		t.Fatalf("want InvalidFunctionDefinition, got %v", err)
	}
}
