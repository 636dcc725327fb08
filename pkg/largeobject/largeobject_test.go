package largeobject

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

const (
	testLOClassId    oid.Oid = 2613
	testChunkClassId oid.Oid = 2614
)

func newMgr() *Mgr {
	cat := catalog.New(nil)
	cat.DefineRelation(testLOClassId, "loid", nil)
	cat.DefineRelation(testChunkClassId, "", nil)
	return &Mgr{
		Ids:                oid.New(nil),
		Cat:                cat,
		Deps:               depend.New(),
		Events:             eventtrigger.New(catalogcfg.New(), nil),
		LargeObjectClassId: testLOClassId,
		ChunkClassId:       testChunkClassId,
	}
}

func TestCreateWriteAndDrop(t *testing.T) {
	m := newMgr()
	ctx := context.Background()

	loid, err := m.Create(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if loid == oid.InvalidOid {
		t.Fatal("expected a valid loid")
	}

	payload := make([]byte, PageSize*2+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := m.Write(ctx, loid, payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := m.Drop(ctx, "s1", loid); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}

	if err := m.Drop(ctx, "s1", loid); err == nil {
		t.Fatal("expected dropping an already-dropped large object to fail")
	}
}

func TestDropRejectsPinnedObject(t *testing.T) {
	m := newMgr()
	if err := m.Drop(context.Background(), "s1", 5); err == nil {
		t.Fatal("expected pinned-object drop to fail")
	} else if kind, ok := catalogerr.KindOf(err); !ok || kind != catalogerr.InsufficientPrivilege {
		t.Fatalf("want InsufficientPrivilege, got %v", err)
	}
}

func TestDropUnknownObject(t *testing.T) {
	m := newMgr()
	err := m.Drop(context.Background(), "s1", 999)
	kind, ok := catalogerr.KindOf(err)
	if !ok || kind != catalogerr.UndefinedObject {
		t.Fatalf("want UndefinedObject, got %v", err)
	}
}
