package catalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/zoravur/catalogcore/pkg/catalogerr"
	"github.com/zoravur/catalogcore/pkg/oid"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose's base-FS and dialect are process-global; serialize migration
// runs so two stores opening concurrently cannot interleave them.
var gooseMu sync.Mutex

// PgRow is one persisted catalog row, the pgstore analogue of Tuple.
type PgRow struct {
	ClassId oid.Oid
	Values  map[string]any
}

// PgSnapshot is a checksum-stamped, JSON-serializable view of every row
// a PgStore has cached, the same "cheap to hand to a client, detect
// staleness by checksum" shape pkg/richcatalog used for live schema
// introspection, generalized here to this repo's own relation rows
// instead of an arbitrary user schema.
type PgSnapshot struct {
	Rows        []PgRow   `json:"rows"`
	Checksum    string    `json:"checksum"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// PgStore is the persistent-catalog variant: an Accessor-shaped cache
// backed by a real Postgres table (one row per relation, one JSON
// column per tuple) via database/sql over the pgx/v5/stdlib driver, the
// same driver pkg/fixgres uses for its disposable-Postgres sandboxes so
// the two compose directly in integration tests. It is not wired as the
// default store (pkg/catalog.Accessor remains in-memory) but exists to
// give GET /api/catalog a route to a durable snapshot when one is
// configured. Its schema is owned by the embedded goose migrations, the
// stand-in for the bootstrap .dat files an initdb would load.
type PgStore struct {
	db *sql.DB

	mu   sync.RWMutex
	snap PgSnapshot
}

const (
	rowsTable  = "catalogcore_rows"
	dropsTable = "catalogcore_dropped_objects"
)

// OpenPgStore connects to connString via pgx/v5/stdlib and brings the
// backing schema up to date through goose.
func OpenPgStore(ctx context.Context, connString string) (*PgStore, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, catalogerr.Wrap(catalogerr.InternalError, err, "pgstore: open connection")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, catalogerr.Wrap(catalogerr.InternalError, err, "pgstore: ping")
	}
	s := &PgStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgStore) migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return catalogerr.Wrap(catalogerr.InternalError, err, "pgstore: set goose dialect")
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return catalogerr.Wrap(catalogerr.InternalError, err, "pgstore: run migrations")
	}
	return nil
}

// Persist writes one tuple from an in-memory Accessor's relation out to
// the backing table, upserting on (class_id, ctid).
func (s *PgStore) Persist(ctx context.Context, classId oid.Oid, ctid uint64, values map[string]any) error {
	b, err := json.Marshal(values)
	if err != nil {
		return catalogerr.Wrap(catalogerr.InternalError, err, "pgstore: marshal tuple")
	}
	const q = `INSERT INTO ` + rowsTable + ` (class_id, ctid, tuple_values) VALUES ($1, $2, $3)
		ON CONFLICT (class_id, ctid) DO UPDATE SET tuple_values = EXCLUDED.tuple_values`
	if _, err := s.db.ExecContext(ctx, q, uint32(classId), ctid, b); err != nil {
		return catalogerr.Wrap(catalogerr.InternalError, err, "pgstore: upsert tuple")
	}
	return nil
}

// Refresh reloads every row from the backing table and recomputes the
// snapshot's checksum, the same staleness-detection shape richcatalog
// used for live schema introspection.
func (s *PgStore) Refresh(ctx context.Context) error {
	const q = `SELECT class_id, ctid, tuple_values FROM ` + rowsTable + ` ORDER BY class_id, ctid`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return catalogerr.Wrap(catalogerr.InternalError, err, "pgstore: query rows")
	}
	defer rows.Close()

	var out []PgRow
	for rows.Next() {
		var classId uint32
		var ctid uint64
		var raw []byte
		if err := rows.Scan(&classId, &ctid, &raw); err != nil {
			return catalogerr.Wrap(catalogerr.InternalError, err, "pgstore: scan row")
		}
		var values map[string]any
		if err := json.Unmarshal(raw, &values); err != nil {
			return catalogerr.Wrap(catalogerr.InternalError, err, "pgstore: unmarshal values")
		}
		out = append(out, PgRow{ClassId: oid.Oid(classId), Values: values})
	}
	if err := rows.Err(); err != nil {
		return catalogerr.Wrap(catalogerr.InternalError, err, "pgstore: row iteration")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = PgSnapshot{Rows: out, Checksum: checksumRows(out), GeneratedAt: time.Time{}}
	return nil
}

func checksumRows(rows []PgRow) string {
	h := sha256.New()
	for _, r := range rows {
		b, _ := json.Marshal(r)
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Snapshot returns the most recently refreshed view.
func (s *PgStore) Snapshot() PgSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// StartAutoRefresh polls Refresh on an interval until ctx is canceled,
// mirroring richcatalog's polling auto-refresh loop.
func (s *PgStore) StartAutoRefresh(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_ = s.Refresh(ctx)
			}
		}
	}()
	return cancel
}

// DroppedObjectRecord is one row of the durable drop log, the persisted
// form of an eventtrigger SQLDropObject.
type DroppedObjectRecord struct {
	ClassId        oid.Oid
	ObjectId       oid.Oid
	SubId          int32
	ObjectType     string
	ObjectIdentity string
	AddressNames   pq.StringArray
	AddressArgs    pq.StringArray
}

// PersistDroppedObject appends one record to the drop log. The name and
// argument lists travel as text[] via pq's array marshaling.
func (s *PgStore) PersistDroppedObject(ctx context.Context, rec DroppedObjectRecord) error {
	const q = `INSERT INTO ` + dropsTable + `
		(class_id, object_id, sub_id, object_type, object_identity, address_names, address_args)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, q,
		uint32(rec.ClassId), uint32(rec.ObjectId), rec.SubId,
		rec.ObjectType, rec.ObjectIdentity,
		pq.Array(rec.AddressNames), pq.Array(rec.AddressArgs))
	if err != nil {
		return catalogerr.Wrap(catalogerr.InternalError, err, "pgstore: insert dropped object")
	}
	return nil
}

// DroppedObjects reads the full drop log back, scanning the text[]
// columns through pq.Array.
func (s *PgStore) DroppedObjects(ctx context.Context) ([]DroppedObjectRecord, error) {
	const q = `SELECT class_id, object_id, sub_id, object_type, object_identity, address_names, address_args
		FROM ` + dropsTable + ` ORDER BY class_id, object_id, sub_id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, catalogerr.Wrap(catalogerr.InternalError, err, "pgstore: query dropped objects")
	}
	defer rows.Close()

	var out []DroppedObjectRecord
	for rows.Next() {
		var rec DroppedObjectRecord
		var classId, objectId uint32
		if err := rows.Scan(&classId, &objectId, &rec.SubId, &rec.ObjectType, &rec.ObjectIdentity,
			pq.Array(&rec.AddressNames), pq.Array(&rec.AddressArgs)); err != nil {
			return nil, catalogerr.Wrap(catalogerr.InternalError, err, "pgstore: scan dropped object")
		}
		rec.ClassId, rec.ObjectId = oid.Oid(classId), oid.Oid(objectId)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, catalogerr.Wrap(catalogerr.InternalError, err, "pgstore: dropped object iteration")
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *PgStore) Close() error {
	return s.db.Close()
}
