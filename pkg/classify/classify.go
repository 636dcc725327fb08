// Package classify implements the catalog core's pure, catalog-free
// classification predicates: system/user, catalog/toast, shared/local,
// pinned/droppable. No function in this package may read a catalog
// relation; the relation cache and lock manager
// depend on that to decide a lock tag before a class row is safely
// lockable.
package classify

import "sort"

// ClassRow is the minimal cached projection of a pg_class-equivalent row
// the classifier needs; callers populate it from the relation cache, never
// from a live catalog scan.
type ClassRow struct {
	Oid       uint32
	Namespace uint32
	Shared    bool
}

// namespace sentinels. Real clusters assign these during initdb; they are
// fixed, well-known oids and are therefore safe to hardcode here exactly
// as the pinned/shared sets below are.
const (
	PgCatalogNamespaceOid uint32 = 11
	PgToastNamespaceOid   uint32 = 99
)

// firstUnpinnedObjectId mirrors oid.FirstUnpinnedObjectId. Duplicated here
// (rather than imported) to keep this package free of any dependency
// beyond the standard library, matching its "pure predicates" contract.
const firstUnpinnedObjectId uint32 = 12000

// IsCatalogOid reports whether oid falls below the pinned-range threshold.
func IsCatalogOid(oid uint32) bool {
	return oid < firstUnpinnedObjectId
}

// pinnedExceptions lists oids that are below the pinned threshold yet are
// NOT pinned: the public namespace and the template1 and postgres database
// rows. The list is matched by oid alone; other database rows and large
// objects are not in it.
var pinnedExceptions = newSortedSet([]uint32{
	publicNamespaceOid,
	templateDatabaseOid,
	postgresDatabaseOid,
})

const (
	publicNamespaceOid  uint32 = 2200
	templateDatabaseOid uint32 = 1
	postgresDatabaseOid uint32 = 5
)

// IsPinned reports whether oid names a pinned system object: catalog-range
// and not one of the explicit exceptions. class is accepted for symmetry
// for symmetry with the other predicates but unused, since
// pinning never depends on anything but the oid itself.
func IsPinned(class uint32, oid uint32) bool {
	_ = class
	return IsCatalogOid(oid) && !pinnedExceptions.contains(oid)
}

// IsSystemNamespace reports whether ns is the pg_catalog namespace.
func IsSystemNamespace(ns uint32) bool {
	return ns == PgCatalogNamespaceOid
}

// IsToastNamespace reports whether ns is the shared pg_toast namespace or
// tempNamespace, the caller's own session-local temp-toast namespace.
func IsToastNamespace(ns uint32, tempNamespace uint32) bool {
	return ns == PgToastNamespaceOid || (tempNamespace != 0 && ns == tempNamespace)
}

// IsSystemRelation reports whether row is a catalog relation or lives in a
// toast namespace. tempNamespace is the calling session's temp-toast
// namespace, or 0 if it has none.
func IsSystemRelation(row ClassRow, tempNamespace uint32) bool {
	return IsCatalogOid(row.Oid) || IsToastNamespace(row.Namespace, tempNamespace)
}

// IsCatalogRelation reports whether row's oid alone places it in catalog
// range, ignoring namespace. Distinct from IsSystemRelation: a user temp
// table's toast table is a system relation but not a catalog relation.
func IsCatalogRelation(row ClassRow) bool {
	return IsCatalogOid(row.Oid)
}

// sharedSet enumerates every relation, index, toast table, and toast
// index of the shared catalogs: authid, auth-members,
// database, db-role-settings, parameter-acl, replication-origin,
// shared-depend, shared-description, shared-seclabel, subscription, and
// tablespace. This set must be updated in lockstep with the bootstrap
// .dat files; TestSharedSetMatchesRegressionFixture cross-checks it.
var sharedSet = newSortedSet([]uint32{
	// pg_authid and its index
	1260, 2676,
	// pg_auth_members and its indexes
	1261, 2694, 2695,
	// pg_database and its index
	1262, 2671,
	// pg_db_role_setting and its index
	2964, 2965,
	// pg_parameter_acl and its index
	6243, 6244,
	// pg_replication_origin and its indexes
	6000, 6001, 6002,
	// pg_shdepend and its indexes
	1214, 1232, 1233,
	// pg_shdescription and its index
	2396, 2397,
	// pg_shseclabel and its index
	3592, 3593,
	// pg_subscription and its index
	6100, 6114,
	// pg_tablespace and its index
	1213, 2697,
	// toast tables and toast indexes of the above
	4171, 4172, 4181, 4182, 2966, 2967, 4060, 4061, 4064, 4065,
})

// IsSharedRelation reports whether oid is in the hand-maintained shared
// set. Zero catalog access.
func IsSharedRelation(oid uint32) bool {
	return sharedSet.contains(oid)
}

// AllSharedOids returns a copy of the shared set's members, ascending.
// Exposed for the regression cross-check against the bootstrap data.
func AllSharedOids() []uint32 {
	out := make([]uint32, len(sharedSet.members))
	copy(out, sharedSet.members)
	return out
}

// inplaceUpdatableSet is the class catalog's own oid and the database
// catalog's oid: the only two relations the login fast path and a few
// hot counters are permitted to in-place update.
var inplaceUpdatableSet = newSortedSet([]uint32{
	1259, // pg_class
	1262, // pg_database
})

// IsInplaceUpdatable reports whether oid names a relation that may be
// physically rewritten in place, bypassing MVCC.
func IsInplaceUpdatable(oid uint32) bool {
	return inplaceUpdatableSet.contains(oid)
}

// IsReservedName reports whether s begins with the reserved "pg_" prefix.
func IsReservedName(s string) bool {
	return len(s) >= 3 && s[0] == 'p' && s[1] == 'g' && s[2] == '_'
}

// sortedSet is a binary-search predicate over a small constant array, per
// the design note recommending sorted arrays over a catalog probe.
type sortedSet struct {
	members []uint32
}

func newSortedSet(vals []uint32) sortedSet {
	cp := append([]uint32(nil), vals...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	return sortedSet{members: cp}
}

func (s sortedSet) contains(v uint32) bool {
	i := sort.Search(len(s.members), func(i int) bool { return s.members[i] >= v })
	return i < len(s.members) && s.members[i] == v
}
