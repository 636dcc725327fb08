// Package largeobject creates, writes, and drops large
// objects, each stored as a sequence of chunk rows keyed by
// (loid, pageno). loid allocation goes through pkg/oid the same way
// every other object id does; drop is pinned-object-protected via
// pkg/classify.IsPinned, since a large object backing a system catalog
// blob must never be droppable by an ordinary DROP LARGE OBJECT.
package largeobject

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/zoravur/catalogcore/pkg/catalog"
	"github.com/zoravur/catalogcore/pkg/catalogerr"
	"github.com/zoravur/catalogcore/pkg/classify"
	"github.com/zoravur/catalogcore/pkg/depend"
	"github.com/zoravur/catalogcore/pkg/eventtrigger"
	"github.com/zoravur/catalogcore/pkg/oid"
)

// PageSize bounds one chunk's payload, mirroring pg_largeobject's
// LOBLKSIZE-style fixed chunk size.
const PageSize = 2048

const loidOidColumn = "loid"

// Mgr wires the collaborators large-object create/drop need.
type Mgr struct {
	Ids    *oid.Allocator
	Cat    *catalog.Accessor
	Deps   *depend.Recorder
	Events *eventtrigger.Core

	LargeObjectClassId oid.Oid // the pg_largeobject_metadata analogue
	ChunkClassId       oid.Oid // the pg_largeobject analogue
}

// Create allocates a new large object id, inserts its metadata row,
// records an owner dependency, and posts the create event. The object
// starts with no chunks; callers add data with Write.
func (m *Mgr) Create(ctx context.Context, sessionID string, owner oid.Oid) (oid.Oid, error) {
	xid := m.Cat.Begin()
	h, err := m.Cat.Open(ctx, m.LargeObjectClassId, catalog.RowExclusive)
	if err != nil {
		return oid.InvalidOid, err
	}
	defer h.Close(false)

	checker := m.Cat.IndexCheckerFor(m.LargeObjectClassId)
	loid, err := m.Ids.NewOidFor(ctx, checker, loidOidColumn, false)
	if err != nil {
		return oid.InvalidOid, err
	}

	tuple := m.Cat.FormTuple(h, map[string]any{
		loidOidColumn: loid,
		"lomowner":    owner,
	})
	if _, err := m.Cat.Insert(ctx, h, tuple, xid); err != nil {
		return oid.InvalidOid, err
	}
	m.Cat.Commit(xid)

	if owner != oid.InvalidOid {
		m.Deps.RecordOnOwner(m.LargeObjectClassId, loid, owner)
	}
	if m.Events != nil {
		addr := depend.ObjectAddress{ClassId: m.LargeObjectClassId, ObjectId: loid}
		m.Events.CollectSimple(sessionID, addr, "", "CREATE LARGE OBJECT", false)
	}
	return loid, nil
}

// Write stores data as one or more (loid, pageno) chunk rows, each at
// most PageSize bytes, overwriting any existing chunks at the same
// page numbers.
func (m *Mgr) Write(ctx context.Context, loid oid.Oid, data []byte) error {
	h, err := m.Cat.Open(ctx, m.ChunkClassId, catalog.RowExclusive)
	if err != nil {
		return err
	}
	defer h.Close(false)

	xid := m.Cat.Begin()
	for pageno := 0; pageno*PageSize < len(data) || (len(data) == 0 && pageno == 0); pageno++ {
		start := pageno * PageSize
		if start >= len(data) {
			break
		}
		end := start + PageSize
		if end > len(data) {
			end = len(data)
		}
		tuple := m.Cat.FormTuple(h, map[string]any{
			"loid":   loid,
			"pageno": int32(pageno),
			"data":   append([]byte(nil), data[start:end]...),
		})
		if _, err := m.Cat.Insert(ctx, h, tuple, xid); err != nil {
			return err
		}
	}
	m.Cat.Commit(xid)
	return nil
}

// Drop removes the large object's metadata row and every chunk row,
// refusing when the object is pinned.
func (m *Mgr) Drop(ctx context.Context, sessionID string, loid oid.Oid) error {
	if classify.IsPinned(uint32(m.LargeObjectClassId), uint32(loid)) {
		return catalogerr.New(catalogerr.InsufficientPrivilege,
			"large object %d is pinned and cannot be dropped", loid)
	}

	h, err := m.Cat.Open(ctx, m.LargeObjectClassId, catalog.RowExclusive)
	if err != nil {
		return err
	}
	defer h.Close(false)

	rows, err := m.Cat.Sysscan(ctx, h, catalog.CurrentMVCC, 0, func(t *catalog.Tuple) bool {
		v, ok := t.Values[loidOidColumn]
		if !ok {
			return false
		}
		id, ok := v.(oid.Oid)
		return ok && id == loid
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return catalogerr.New(catalogerr.UndefinedObject, "large object %d does not exist", loid)
	}

	xid := m.Cat.Begin()
	for _, t := range rows {
		if err := m.Cat.Delete(ctx, h, t.Ctid, xid); err != nil {
			return err
		}
	}
	m.Cat.Commit(xid)

	if err := m.dropChunks(ctx, loid); err != nil {
		return err
	}

	addr := depend.ObjectAddress{ClassId: m.LargeObjectClassId, ObjectId: loid}
	m.Deps.Rewrite(addr)
	if m.Events != nil {
		obj := eventtrigger.SQLDropObject{
			Address:        addr,
			ObjectType:     "large object",
			ObjectIdentity: fmt.Sprintf("%d", loid),
			Original:       true,
			Normal:         true,
			AddressNames:   pq.StringArray{fmt.Sprintf("%d", loid)},
		}
		m.Events.CollectDrop(sessionID, obj, true)
	}
	return nil
}

func (m *Mgr) dropChunks(ctx context.Context, loid oid.Oid) error {
	h, err := m.Cat.Open(ctx, m.ChunkClassId, catalog.RowExclusive)
	if err != nil {
		return err
	}
	defer h.Close(false)

	rows, err := m.Cat.Sysscan(ctx, h, catalog.CurrentMVCC, 0, func(t *catalog.Tuple) bool {
		v, ok := t.Values["loid"]
		if !ok {
			return false
		}
		id, ok := v.(oid.Oid)
		return ok && id == loid
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	xid := m.Cat.Begin()
	for _, t := range rows {
		if err := m.Cat.Delete(ctx, h, t.Ctid, xid); err != nil {
			return err
		}
	}
	m.Cat.Commit(xid)
	return nil
}
