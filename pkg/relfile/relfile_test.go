package relfile

import (
	"context"
	"testing"

	"github.com/zoravur/catalogcore/pkg/oid"
)

// fakeStat simulates a tablespace directory where a fixed set of paths are
// already occupied by existing relation files.
type fakeStat struct {
	occupied map[string]bool
}

func (f *fakeStat) Exists(path string) (bool, error) {
	return f.occupied[path], nil
}

func TestAllocatePermanentAvoidsCollision(t *testing.T) {
	ids := oid.New(nil)
	ids.NextOid() // advance off FirstNormalObjectId so counters are predictable-ish

	stat := &fakeStat{occupied: map[string]bool{}}
	// Pre-occupy whatever the first three candidates would be by allocating
	// them up front and recording their paths as taken.
	probe := New(ids, "/data", stat, nil)
	for i := 0; i < 3; i++ {
		loc, err := probe.Allocate(context.Background(), Permanent, defaultTablespaceOid, 5, InvalidBackendId, nil, "")
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		stat.occupied[loc.PathUnder("/data")] = true
	}

	loc, err := probe.Allocate(context.Background(), Permanent, defaultTablespaceOid, 5, InvalidBackendId, nil, "")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if stat.occupied[loc.PathUnder("/data")] {
		t.Fatalf("Allocate returned an already-occupied path: %s", loc.PathUnder("/data"))
	}
}

func TestAllocateGlobalTablespaceHasNoDatabaseOid(t *testing.T) {
	ids := oid.New(nil)
	stat := &fakeStat{occupied: map[string]bool{}}
	a := New(ids, "/data", stat, nil)

	loc, err := a.Allocate(context.Background(), Permanent, GlobalTablespaceOid, 99, InvalidBackendId, nil, "")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if loc.DatabaseOid != oid.InvalidOid {
		t.Fatalf("expected InvalidOid database for global tablespace relation, got %d", loc.DatabaseOid)
	}
	want := "/data/global/" + itoa(uint32(loc.RelNumber))
	if got := loc.PathUnder("/data"); got != want {
		t.Fatalf("PathUnder = %q, want %q", got, want)
	}
}

func TestAllocateTemporaryCarriesBackendId(t *testing.T) {
	ids := oid.New(nil)
	stat := &fakeStat{occupied: map[string]bool{}}
	a := New(ids, "/data", stat, nil)

	loc, err := a.Allocate(context.Background(), Temporary, defaultTablespaceOid, 5, 42, nil, "")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if loc.BackendNumber != 42 {
		t.Fatalf("BackendNumber = %d, want 42", loc.BackendNumber)
	}
}

func TestAllocateRespectsClassCatalogIndex(t *testing.T) {
	ids := oid.New(nil)
	ids.NextOid() // seed counter forward a bit
	stat := &fakeStat{occupied: map[string]bool{}}
	a := New(ids, "/data", stat, nil)

	idx := &fakeClassIndex{occupied: map[oid.Oid]bool{}}
	loc, err := a.Allocate(context.Background(), Permanent, defaultTablespaceOid, 5, InvalidBackendId, idx, "oid")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	idx.occupied[loc.RelNumber] = true

	loc2, err := a.Allocate(context.Background(), Permanent, defaultTablespaceOid, 5, InvalidBackendId, idx, "oid")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if loc2.RelNumber == loc.RelNumber {
		t.Fatalf("Allocate returned a relnumber occupied in the class catalog: %d", loc2.RelNumber)
	}
}

type fakeClassIndex struct {
	occupied map[oid.Oid]bool
}

func (f *fakeClassIndex) OidExists(_ context.Context, _ string, candidate oid.Oid) (bool, error) {
	return f.occupied[candidate], nil
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
