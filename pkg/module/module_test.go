package module

import (
	"context"
	"testing"

	"github.com/zoravur/catalogcore/pkg/catalog"
	"github.com/zoravur/catalogcore/pkg/catalogcfg"
	"github.com/zoravur/catalogcore/pkg/catalogerr"
	"github.com/zoravur/catalogcore/pkg/depend"
	"github.com/zoravur/catalogcore/pkg/eventtrigger"
	"github.com/zoravur/catalogcore/pkg/oid"
)

const testNamespaceClassId oid.Oid = 2615

type fakeSession struct {
	owner      oid.Oid
	searchPath []string
}

func (s *fakeSession) Owner() oid.Oid          { return s.owner }
func (s *fakeSession) SetOwner(o oid.Oid)      { s.owner = o }
func (s *fakeSession) SearchPath() []string    { return s.searchPath }
func (s *fakeSession) SetSearchPath(p []string) { s.searchPath = p }

type recordingExecutor struct {
	ran           []string
	ownerAtRun    []oid.Oid
	searchPathRun [][]string
	session       *fakeSession
}

func (e *recordingExecutor) Execute(ctx context.Context, sql string) error {
	e.ran = append(e.ran, sql)
	e.ownerAtRun = append(e.ownerAtRun, e.session.owner)
	e.searchPathRun = append(e.searchPathRun, append([]string(nil), e.session.searchPath...))
	return nil
}

func newTestCreator(session *fakeSession, exec CommandExecutor) *Creator {
	cat := catalog.New(nil)
	cat.DefineRelation(testNamespaceClassId, "oid", []string{"nspname"})
	return &Creator{
		Ids:              oid.New(nil),
		Cat:              cat,
		Deps:             depend.New(),
		Events:           eventtrigger.New(catalogcfg.New(), nil),
		Session:          session,
		Exec:             exec,
		NamespaceClassId: testNamespaceClassId,
	}
}

func TestModuleCreateSwapsIdentityAndRestores(t *testing.T) {
	session := &fakeSession{owner: 10, searchPath: []string{"public"}}
	exec := &recordingExecutor{session: session}
	c := newTestCreator(session, exec)

	nsOid, err := c.Create(context.Background(), "sess-1", Spec{
		Name:        "my_module",
		Owner:       99,
		SubCommands: []string{"CREATE TABLE t(a int)"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if nsOid == oid.InvalidOid {
		t.Fatal("expected a valid namespace oid")
	}
	if len(exec.ran) != 1 {
		t.Fatalf("expected one sub-command to run, got %d", len(exec.ran))
	}
	if exec.ownerAtRun[0] != 99 {
		t.Fatalf("sub-command ran under owner %d, want 99", exec.ownerAtRun[0])
	}
	if len(exec.searchPathRun[0]) != 1 || exec.searchPathRun[0][0] != "my_module" {
		t.Fatalf("sub-command ran under search path %v, want [my_module]", exec.searchPathRun[0])
	}

	if session.owner != 10 {
		t.Fatalf("owner not restored: got %d, want 10", session.owner)
	}
	if len(session.searchPath) != 1 || session.searchPath[0] != "public" {
		t.Fatalf("search path not restored: got %v", session.searchPath)
	}
}

func TestModuleCreateRejectsReservedName(t *testing.T) {
	session := &fakeSession{}
	c := newTestCreator(session, &recordingExecutor{session: session})
	_, err := c.Create(context.Background(), "sess-1", Spec{Name: "pg_forbidden"})
	kind, ok := catalogerr.KindOf(err)
	if !ok || kind != catalogerr.InsufficientPrivilege {
		t.Fatalf("want InsufficientPrivilege, got %v", err)
	}
}

func TestModuleCreateAllowsReservedNameWithOverride(t *testing.T) {
	session := &fakeSession{}
	c := newTestCreator(session, &recordingExecutor{session: session})
	_, err := c.Create(context.Background(), "sess-1", Spec{Name: "pg_allowed", AllowSystemTableMods: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestModuleCreateRestoresIdentityOnSubCommandError(t *testing.T) {
	session := &fakeSession{owner: 10, searchPath: []string{"public"}}
	c := newTestCreator(session, failingExecutor{})
	_, err := c.Create(context.Background(), "sess-1", Spec{Name: "broken", Owner: 50, SubCommands: []string{"bad sql"}})
	if err == nil {
		t.Fatal("expected an error from the failing sub-command")
	}
	if session.owner != 10 || session.searchPath[0] != "public" {
		t.Fatalf("identity not restored after sub-command failure: owner=%d path=%v", session.owner, session.searchPath)
	}
}

type failingExecutor struct{}

func (failingExecutor) Execute(ctx context.Context, sql string) error {
	return catalogerr.New(catalogerr.SyntaxError, "boom")
}
