package catalog

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/zoravur/catalogcore/pkg/fixgres"
	"github.com/zoravur/catalogcore/pkg/prng"
)

const pollIntervalForTest = 20 * time.Millisecond

// TestMain boots one disposable Postgres container for the whole
// package; each test then opens its own schema-scoped sandbox into it.
func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := fixgres.Boot(ctx, fixgres.WithDBName("catalogcore")); err != nil {
		fmt.Fprintf(os.Stderr, "fixgres boot: %v\n", err)
		os.Exit(1)
	}
	code := m.Run()
	_ = fixgres.ShutdownNow()
	os.Exit(code)
}

func TestPgStorePersistAndRefreshRoundTrips(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	defer sbx.Close()

	ctx := context.Background()
	store, err := OpenPgStore(ctx, sbx.DSN)
	if err != nil {
		t.Fatalf("OpenPgStore: %v", err)
	}
	defer store.Close()

	if err := store.Persist(ctx, 1259, 1, map[string]any{"relname": "pg_class"}); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := store.Persist(ctx, 1259, 2, map[string]any{"relname": "pg_attribute"}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if err := store.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	snap := store.Snapshot()
	if len(snap.Rows) != 2 {
		t.Fatalf("want 2 rows, got %d", len(snap.Rows))
	}
	if snap.Checksum == "" {
		t.Fatalf("want non-empty checksum")
	}

	if err := store.Persist(ctx, 1259, 1, map[string]any{"relname": "pg_class_renamed"}); err != nil {
		t.Fatalf("Persist (update): %v", err)
	}
	if err := store.Refresh(ctx); err != nil {
		t.Fatalf("Refresh after update: %v", err)
	}
	updated := store.Snapshot()
	if len(updated.Rows) != 2 {
		t.Fatalf("want 2 rows after upsert, got %d", len(updated.Rows))
	}
	if updated.Checksum == snap.Checksum {
		t.Fatalf("want checksum to change after an update")
	}
}

func TestPgStoreStartAutoRefreshPicksUpNewRows(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	defer sbx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := OpenPgStore(ctx, sbx.DSN)
	if err != nil {
		t.Fatalf("OpenPgStore: %v", err)
	}
	defer store.Close()

	stop := store.StartAutoRefresh(ctx, pollIntervalForTest)
	defer stop()

	if err := store.Persist(ctx, 2608, 1, map[string]any{"relname": "pg_largeobject"}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	// StartAutoRefresh runs on its own ticker; a direct Refresh call gives
	// the test a deterministic point to assert from instead of racing the
	// ticker interval.
	if err := store.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(store.Snapshot().Rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(store.Snapshot().Rows))
	}
}

// Round-trips a drop-log record, exercising the text[] marshaling of
// the address-name and address-arg lists in both directions.
func TestPgStoreDroppedObjectsRoundTrip(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	defer sbx.Close()

	ctx := context.Background()
	store, err := OpenPgStore(ctx, sbx.DSN)
	if err != nil {
		t.Fatalf("OpenPgStore: %v", err)
	}
	defer store.Close()

	rec := DroppedObjectRecord{
		ClassId:        1259,
		ObjectId:       50001,
		SubId:          0,
		ObjectType:     "table",
		ObjectIdentity: "public.widgets",
		AddressNames:   pq.StringArray{"public", "widgets"},
		AddressArgs:    pq.StringArray{},
	}
	if err := store.PersistDroppedObject(ctx, rec); err != nil {
		t.Fatalf("PersistDroppedObject: %v", err)
	}

	got, err := store.DroppedObjects(ctx)
	if err != nil {
		t.Fatalf("DroppedObjects: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 drop record, got %d", len(got))
	}
	if got[0].ObjectIdentity != "public.widgets" {
		t.Fatalf("identity round-trip: got %q", got[0].ObjectIdentity)
	}
	if len(got[0].AddressNames) != 2 || got[0].AddressNames[0] != "public" || got[0].AddressNames[1] != "widgets" {
		t.Fatalf("address_names round-trip: got %v", got[0].AddressNames)
	}
}

// TestPgStorePersistManyRowsIsStableAcrossRuns uses prng's deterministic
// reader to fill each row's payload, so a failure is reproducible from
// the fixed seed alone instead of depending on a particular random run.
func TestPgStorePersistManyRowsIsStableAcrossRuns(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	defer sbx.Close()

	ctx := context.Background()
	store, err := OpenPgStore(ctx, sbx.DSN)
	if err != nil {
		t.Fatalf("OpenPgStore: %v", err)
	}
	defer store.Close()

	const seed, n = 42, 25
	r := prng.New(seed)
	for i := 0; i < n; i++ {
		buf := make([]byte, 32)
		if _, err := io.ReadFull(r, buf); err != nil {
			t.Fatalf("prng read: %v", err)
		}
		payload := map[string]any{"blob": base64.StdEncoding.EncodeToString(buf)}
		if err := store.Persist(ctx, 9000, uint64(i+1), payload); err != nil {
			t.Fatalf("Persist row %d: %v", i, err)
		}
	}

	if err := store.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := len(store.Snapshot().Rows); got != n {
		t.Fatalf("want %d rows, got %d", n, got)
	}
}
