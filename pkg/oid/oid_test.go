package oid

import (
	"context"
	"sync"
	"testing"
)

func TestNextOidNeverReturnsInvalid(t *testing.T) {
	a := New(nil)
	for i := 0; i < 1000; i++ {
		if got := a.NextOid(); got == InvalidOid {
			t.Fatalf("NextOid returned InvalidOid at iteration %d", i)
		}
	}
}

func TestNextOidWrapsPastPinnedRange(t *testing.T) {
	a := New(nil)
	a.counter = ^Oid(0) // one below the uint32 boundary
	got := a.NextOid()  // wraps to 0, must be pushed past the pinned range
	if got < FirstUnpinnedObjectId {
		t.Fatalf("post-wraparound oid %d is below FirstUnpinnedObjectId %d", got, FirstUnpinnedObjectId)
	}
}

func TestNextOidMonotonicWithinRun(t *testing.T) {
	a := New(nil)
	prev := a.NextOid()
	for i := 0; i < 100; i++ {
		cur := a.NextOid()
		if cur <= prev {
			t.Fatalf("expected monotonic increase, got %d after %d", cur, prev)
		}
		prev = cur
	}
}

// fakeIndex simulates the OID-index probe against a fixed set of already
// occupied oids, as if two sessions had each inserted one uncommitted row.
type fakeIndex struct {
	mu       sync.Mutex
	occupied map[Oid]bool
}

func (f *fakeIndex) OidExists(_ context.Context, _ string, candidate Oid) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.occupied[candidate], nil
}

// TestNewOidForAvoidsOccupied: two concurrent inserters have
// each taken an oid (100001, 100002) under a dirty snapshot; NewOidFor must
// never hand either of those back out.
func TestNewOidForAvoidsOccupied(t *testing.T) {
	a := New(nil)
	a.counter = 100000
	idx := &fakeIndex{occupied: map[Oid]bool{100001: true, 100002: true}}

	seen := map[Oid]bool{}
	for i := 0; i < 10; i++ {
		got, err := a.NewOidFor(context.Background(), idx, "oid", false)
		if err != nil {
			t.Fatalf("NewOidFor: %v", err)
		}
		if got == 100001 || got == 100002 {
			t.Fatalf("NewOidFor returned an occupied oid: %d", got)
		}
		if seen[got] {
			t.Fatalf("NewOidFor returned duplicate oid %d", got)
		}
		seen[got] = true
	}
}

func TestNewOidForBootstrapModeSkipsIndex(t *testing.T) {
	a := New(nil)
	got, err := a.NewOidFor(context.Background(), nil, "oid", true)
	if err != nil {
		t.Fatalf("NewOidFor bootstrap: %v", err)
	}
	if got == InvalidOid {
		t.Fatalf("bootstrap NewOidFor returned InvalidOid")
	}
}

func TestNewOidForRetriesUntilFree(t *testing.T) {
	a := New(nil)
	a.counter = FirstUnpinnedObjectId - 1
	// Every candidate up to FirstUnpinnedObjectId+500 is occupied except the 501st.
	occ := map[Oid]bool{}
	for o := FirstUnpinnedObjectId; o < FirstUnpinnedObjectId+500; o++ {
		occ[o] = true
	}
	idx := &fakeIndex{occupied: occ}
	got, err := a.NewOidFor(context.Background(), idx, "oid", false)
	if err != nil {
		t.Fatalf("NewOidFor: %v", err)
	}
	if occ[got] {
		t.Fatalf("NewOidFor returned an occupied oid: %d", got)
	}
}
