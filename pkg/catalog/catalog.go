// Package catalog implements CatalogAccessor: the common transactional
// pattern around one catalog row — open a catalog relation under a lock,
// form/insert/update/delete a tuple, keep the relation's simulated unique
// indexes current, and release the lock on every exit path.
//
// This is an in-memory, MVCC-aware store rather than a client of a live
// server: each row carries an xmin/xmax pair and visibility is decided by
// one of three snapshot policies (current MVCC, see-everything, catalog
// snapshot), without requiring a running Postgres.
package catalog

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/catalogcore/pkg/catalogerr"
	"github.com/zoravur/catalogcore/pkg/classify"
	"github.com/zoravur/catalogcore/pkg/oid"
)

// LockMode is the granularity at which a relation handle is locked.
type LockMode int

const (
	AccessShare LockMode = iota
	RowExclusive
	ShareRowExclusive
)

// SnapshotPolicy selects which tuple versions a scan sees.
type SnapshotPolicy int

const (
	// CurrentMVCC sees rows committed before the snapshot's xid, plus the
	// snapshot's own writes; used for ordinary reads.
	CurrentMVCC SnapshotPolicy = iota
	// SeeEverything exposes uncommitted and recently-deleted rows but
	// treats committed-deleted rows as absent. Used by IdAllocator so two
	// concurrent inserters never choose the same oid.
	SeeEverything
	// CatalogSnapshot sees only rows committed at scan time; used by cache
	// lookups (e.g. the login fast path's has_login_event_triggers read).
	CatalogSnapshot
)

// Tuple is one version of a catalog row.
type Tuple struct {
	Ctid   uint64
	Values map[string]any
	Xmin   uint64
	Xmax   uint64 // 0 until deleted
}

// Clone returns a value copy of t safe to hand to a caller.
func (t *Tuple) Clone() *Tuple {
	cp := &Tuple{Ctid: t.Ctid, Xmin: t.Xmin, Xmax: t.Xmax, Values: make(map[string]any, len(t.Values))}
	for k, v := range t.Values {
		cp.Values[k] = v
	}
	return cp
}

type relation struct {
	mu          sync.RWMutex
	classId     oid.Oid
	oidColumn   string // "" if the relation carries no oid column
	uniqueCols  [][]string
	tuples      []*Tuple
	nextCtid    uint64
}

// Handle is an open catalog relation under a held lock.
type Handle struct {
	ClassId oid.Oid
	Lock    LockMode
	rel     *relation
	locked  bool
}

// lock acquires rel's mutex at the granularity mode implies: AccessShare
// takes a read lock, everything else (RowExclusive, ShareRowExclusive)
// takes a write lock, since this store does not distinguish concurrent
// writers from each other at finer grain than "one writer at a time".
func (h *Handle) lock() {
	if h.Lock == AccessShare {
		h.rel.mu.RLock()
	} else {
		h.rel.mu.Lock()
	}
	h.locked = true
}

func (h *Handle) unlock() {
	if !h.locked {
		return
	}
	if h.Lock == AccessShare {
		h.rel.mu.RUnlock()
	} else {
		h.rel.mu.Unlock()
	}
	h.locked = false
}

// Close releases h's lock unless keepLock is true, in which case the lock
// is retained until ReleaseLock is called (modeling "kept until
// transaction commit").
func (h *Handle) Close(keepLock bool) {
	if !keepLock {
		h.unlock()
	}
}

// ReleaseLock releases a lock kept open by Close(keepLock=true).
func (h *Handle) ReleaseLock() { h.unlock() }

// Accessor is the process-wide catalog store.
type Accessor struct {
	mu        sync.RWMutex
	relations map[oid.Oid]*relation
	committed map[uint64]bool
	nextXid   uint64
	log       *zap.Logger
}

func New(log *zap.Logger) *Accessor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Accessor{
		relations: make(map[oid.Oid]*relation),
		committed: make(map[uint64]bool),
		nextXid:   1,
		log:       log,
	}
}

// DefineRelation registers classId as a catalog relation carrying
// oidColumn (empty if none) with the given unique-column groups, each
// enforced as a unique index; a nil or empty group declares no index.
// Every relation with an oid column gets a unique index whose first key
// is that column; NewOidFor relies on it.
func (a *Accessor) DefineRelation(classId oid.Oid, oidColumn string, uniqueCols ...[]string) {
	groups := make([][]string, 0, len(uniqueCols)+1)
	if oidColumn != "" {
		groups = append(groups, []string{oidColumn})
	}
	for _, cols := range uniqueCols {
		if len(cols) > 0 {
			groups = append(groups, cols)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.relations[classId] = &relation{classId: classId, oidColumn: oidColumn, uniqueCols: groups, nextCtid: 1}
}

func (a *Accessor) getRelation(classId oid.Oid) (*relation, error) {
	a.mu.RLock()
	rel, ok := a.relations[classId]
	a.mu.RUnlock()
	if !ok {
		return nil, catalogerr.New(catalogerr.UndefinedObject, "catalog relation %d is not defined", classId)
	}
	return rel, nil
}

// Begin starts a new transaction and returns its xid. Rows written under
// this xid are visible to SeeEverything scans immediately and to
// CurrentMVCC/CatalogSnapshot scans only after Commit.
func (a *Accessor) Begin() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	xid := a.nextXid
	a.nextXid++
	return xid
}

// Commit marks xid's writes visible to future CurrentMVCC and
// CatalogSnapshot scans.
func (a *Accessor) Commit(xid uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.committed[xid] = true
}

func (a *Accessor) isCommitted(xid uint64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.committed[xid]
}

// Open acquires classId's relation lock at mode and returns a Handle. The
// relation must already be registered via DefineRelation.
func (a *Accessor) Open(ctx context.Context, classId oid.Oid, mode LockMode) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, catalogerr.Wrap(catalogerr.QueryCanceled, err, "catalog open interrupted")
	}
	rel, err := a.getRelation(classId)
	if err != nil {
		return nil, err
	}
	h := &Handle{ClassId: classId, Lock: mode, rel: rel}
	h.lock()
	return h, nil
}

// FormTuple builds a Tuple from column values. A column absent from
// values, or explicitly mapped to nil, is stored as a SQL null.
func (a *Accessor) FormTuple(_ *Handle, values map[string]any) *Tuple {
	cp := make(map[string]any, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return &Tuple{Values: cp}
}

// Insert writes tuple as a new row under xid, enforcing every unique
// index declared for the relation, and returns the row's oid if the
// relation carries an oid column.
func (a *Accessor) Insert(ctx context.Context, h *Handle, tuple *Tuple, xid uint64) (oid.Oid, error) {
	if err := ctx.Err(); err != nil {
		return oid.InvalidOid, catalogerr.Wrap(catalogerr.QueryCanceled, err, "catalog insert interrupted")
	}
	for _, cols := range h.rel.uniqueCols {
		if dup := a.findLiveDuplicate(h.rel, cols, tuple.Values, xid); dup {
			return oid.InvalidOid, catalogerr.New(catalogerr.DuplicateObject,
				"a row already exists with the same value for %v", cols)
		}
	}

	tuple.Xmin = xid
	tuple.Xmax = 0
	tuple.Ctid = h.rel.nextCtid
	h.rel.nextCtid++
	h.rel.tuples = append(h.rel.tuples, tuple)

	if h.rel.oidColumn == "" {
		return oid.InvalidOid, nil
	}
	v, ok := tuple.Values[h.rel.oidColumn]
	if !ok {
		return oid.InvalidOid, catalogerr.New(catalogerr.InternalError, "inserted tuple missing oid column %q", h.rel.oidColumn)
	}
	o, ok := v.(oid.Oid)
	if !ok {
		return oid.InvalidOid, catalogerr.New(catalogerr.InternalError, "oid column %q has non-oid value %v", h.rel.oidColumn, v)
	}
	return o, nil
}

// findLiveDuplicate reports whether a tuple visible under SeeEverything
// (relative to xid) already carries the same values for cols.
func (a *Accessor) findLiveDuplicate(rel *relation, cols []string, values map[string]any, xid uint64) bool {
	for _, t := range rel.tuples {
		if !a.visible(t, SeeEverything, xid) {
			continue
		}
		match := true
		for _, c := range cols {
			if t.Values[c] != values[c] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Update performs a normal MVCC update: the row at oldCtid is marked
// deleted under xid and newTuple is inserted as a fresh version.
func (a *Accessor) Update(ctx context.Context, h *Handle, oldCtid uint64, newTuple *Tuple, xid uint64) error {
	if err := ctx.Err(); err != nil {
		return catalogerr.Wrap(catalogerr.QueryCanceled, err, "catalog update interrupted")
	}
	old := a.findByCtid(h.rel, oldCtid)
	if old == nil {
		return catalogerr.New(catalogerr.UndefinedObject, "no tuple with ctid %d in relation %d", oldCtid, h.rel.classId)
	}
	old.Xmax = xid
	newTuple.Xmin = xid
	newTuple.Xmax = 0
	newTuple.Ctid = h.rel.nextCtid
	h.rel.nextCtid++
	h.rel.tuples = append(h.rel.tuples, newTuple)
	return nil
}

// InPlaceUpdate physically overwrites the tuple's values without
// disturbing xmin/xmax, permitted only on classify.IsInplaceUpdatable
// relations (pg_class, pg_database). Used by the login-event fast flag.
func (a *Accessor) InPlaceUpdate(h *Handle, ctid uint64, newValues map[string]any) error {
	if !classify.IsInplaceUpdatable(uint32(h.rel.classId)) {
		return catalogerr.New(catalogerr.FeatureNotSupported,
			"relation %d is not in-place updatable", h.rel.classId)
	}
	t := a.findByCtid(h.rel, ctid)
	if t == nil {
		return catalogerr.New(catalogerr.UndefinedObject, "no tuple with ctid %d in relation %d", ctid, h.rel.classId)
	}
	for k, v := range newValues {
		t.Values[k] = v
	}
	return nil
}

// Delete marks the tuple at ctid deleted under xid.
func (a *Accessor) Delete(ctx context.Context, h *Handle, ctid uint64, xid uint64) error {
	if err := ctx.Err(); err != nil {
		return catalogerr.Wrap(catalogerr.QueryCanceled, err, "catalog delete interrupted")
	}
	t := a.findByCtid(h.rel, ctid)
	if t == nil {
		return catalogerr.New(catalogerr.UndefinedObject, "no tuple with ctid %d in relation %d", ctid, h.rel.classId)
	}
	t.Xmax = xid
	return nil
}

func (a *Accessor) findByCtid(rel *relation, ctid uint64) *Tuple {
	for _, t := range rel.tuples {
		if t.Ctid == ctid {
			return t
		}
	}
	return nil
}

// visible decides whether tuple t is visible to a scan under policy,
// evaluated as of transaction asOfXid (the scanning transaction's own
// xid, always visible to itself).
func (a *Accessor) visible(t *Tuple, policy SnapshotPolicy, asOfXid uint64) bool {
	xminOK := t.Xmin == asOfXid || a.isCommitted(t.Xmin)
	switch policy {
	case SeeEverything:
		// Visible unless a committed delete removed it; an uncommitted or
		// in-progress delete (including our own) still hides a fresh read
		// of a row we ourselves are deleting, but oid allocation only
		// cares about insert collisions, so any non-committed delete
		// counts as "still occupying the oid".
		if t.Xmax == 0 {
			return true
		}
		return !a.isCommitted(t.Xmax)
	case CatalogSnapshot:
		if !a.isCommitted(t.Xmin) {
			return false
		}
		return t.Xmax == 0 || !a.isCommitted(t.Xmax)
	default: // CurrentMVCC
		if !xminOK {
			return false
		}
		if t.Xmax == 0 {
			return true
		}
		return t.Xmax != asOfXid && !a.isCommitted(t.Xmax)
	}
}

// Sysscan returns every tuple in h's relation visible under policy as of
// asOfXid that also satisfies filter (nil filter = no extra predicate).
func (a *Accessor) Sysscan(ctx context.Context, h *Handle, policy SnapshotPolicy, asOfXid uint64, filter func(*Tuple) bool) ([]*Tuple, error) {
	if err := ctx.Err(); err != nil {
		return nil, catalogerr.Wrap(catalogerr.QueryCanceled, err, "catalog scan interrupted")
	}
	var out []*Tuple
	for _, t := range h.rel.tuples {
		if !a.visible(t, policy, asOfXid) {
			continue
		}
		if filter != nil && !filter(t) {
			continue
		}
		out = append(out, t.Clone())
	}
	return out, nil
}

// indexCheckerAdapter implements oid.IndexChecker against one relation of
// this Accessor, bridging pkg/oid's interface without pkg/oid importing
// pkg/catalog.
type indexCheckerAdapter struct {
	acc     *Accessor
	classId oid.Oid
}

// OidExists reads the relation's tuples without taking rel.mu itself, like
// Insert and Sysscan: the allocating caller already holds the relation's
// lock through its open Handle, and a second lock here would deadlock.
func (c indexCheckerAdapter) OidExists(ctx context.Context, oidColumn string, candidate oid.Oid) (bool, error) {
	rel, err := c.acc.getRelation(c.classId)
	if err != nil {
		return false, err
	}
	for _, t := range rel.tuples {
		if !c.acc.visible(t, SeeEverything, 0) {
			continue
		}
		if v, ok := t.Values[oidColumn]; ok && v == candidate {
			return true, nil
		}
	}
	return false, nil
}

// IndexCheckerFor returns an oid.IndexChecker scoped to classId, suitable
// for passing to oid.Allocator.NewOidFor.
func (a *Accessor) IndexCheckerFor(classId oid.Oid) oid.IndexChecker {
	return indexCheckerAdapter{acc: a, classId: classId}
}

// RelationSummary is one relation's directory entry, the unit GET
// /api/catalog reports per defined relation.
type RelationSummary struct {
	ClassId   oid.Oid `json:"classId"`
	OidColumn string  `json:"oidColumn,omitempty"`
	LiveRows  int     `json:"liveRows"`
}

// RelationDirectory reports every defined relation and how many rows in
// it are currently live under SeeEverything, the admin snapshot GET
// /api/catalog serves.
func (a *Accessor) RelationDirectory() []RelationSummary {
	a.mu.RLock()
	rels := make(map[oid.Oid]*relation, len(a.relations))
	for classId, rel := range a.relations {
		rels[classId] = rel
	}
	a.mu.RUnlock()

	out := make([]RelationSummary, 0, len(rels))
	for classId, rel := range rels {
		rel.mu.RLock()
		live := 0
		for _, t := range rel.tuples {
			if a.visible(t, SeeEverything, 0) {
				live++
			}
		}
		rel.mu.RUnlock()
		out = append(out, RelationSummary{ClassId: classId, OidColumn: rel.oidColumn, LiveRows: live})
	}
	return out
}
