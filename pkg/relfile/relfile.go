// Package relfile builds a RelFileLocator whose on-disk path does not
// already exist, optionally cross-checking relation-number uniqueness
// against the class catalog's OID index (used when the relation-file
// number and the relation's OID must be the same value).
package relfile

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/zoravur/catalogcore/pkg/catalogerr"
	"github.com/zoravur/catalogcore/pkg/oid"
)

// GlobalTablespaceOid is the sentinel tablespace whose relations live under
// global/ rather than base/<db>/ or pg_tblspc/<ts>/<db>/.
const GlobalTablespaceOid oid.Oid = 1664

// InvalidBackendId marks a relation as not session-local.
const InvalidBackendId int32 = -1

// Persistence classifies how durably a relation's contents are written.
type Persistence int

const (
	Permanent Persistence = iota
	Unlogged
	Temporary
)

// RelFileLocator names a relation's on-disk files.
type RelFileLocator struct {
	TablespaceOid oid.Oid
	DatabaseOid   oid.Oid // InvalidOid when the relation is cluster-shared
	RelNumber     oid.Oid
	BackendNumber int32 // InvalidBackendId unless Temporary
}

// Path renders the on-disk path for loc under dataDir. The layout is
// bit-exact and must agree across the server: global/<n> for shared
// catalogs, base/<db>/<n> for the default tablespace, pg_tblspc/<ts>/<db>/<n>
// otherwise.
func (loc RelFileLocator) Path(dataDir string) string {
	if loc.TablespaceOid == GlobalTablespaceOid {
		return fmt.Sprintf("%s/global/%d", dataDir, loc.RelNumber)
	}
	if loc.TablespaceOid == defaultTablespaceOid {
		return fmt.Sprintf("%s/base/%d/%d", dataDir, loc.DatabaseOid, loc.RelNumber)
	}
	return fmt.Sprintf("%s/pg_tblspc/%d/%d/%d", dataDir, loc.TablespaceOid, loc.DatabaseOid, loc.RelNumber)
}

// defaultTablespaceOid is the cluster's "pg_default" tablespace; relations
// there live under base/<db>/<n> rather than pg_tblspc/<ts>/<db>/<n>.
const defaultTablespaceOid oid.Oid = 1663

// PathUnder renders the same three path forms as Path: global/<n>,
// the default tablespace's base/<db>/<n>, and pg_tblspc/<ts>/<db>/<n>.
func (loc RelFileLocator) PathUnder(dataDir string) string {
	switch loc.TablespaceOid {
	case GlobalTablespaceOid:
		return fmt.Sprintf("%s/global/%d", dataDir, loc.RelNumber)
	case defaultTablespaceOid:
		return fmt.Sprintf("%s/base/%d/%d", dataDir, loc.DatabaseOid, loc.RelNumber)
	default:
		return fmt.Sprintf("%s/pg_tblspc/%d/%d/%d", dataDir, loc.TablespaceOid, loc.DatabaseOid, loc.RelNumber)
	}
}

// StatChecker abstracts filesystem existence checks so tests can simulate
// collisions without touching disk. A non-nil error other than "does not
// exist" is treated as a collision: an
// unreadable tablespace directory must not spin the allocator forever.
type StatChecker interface {
	Exists(path string) (bool, error)
}

// OSStatChecker is the default StatChecker backed by os.Stat.
type OSStatChecker struct{}

func (OSStatChecker) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	// Any other stat error (permission denied, stale NFS handle, ...) is
	// treated as a collision: the eventual file-create attempt will fail
	// with a clearer error than an infinite retry loop would.
	return true, err
}

// Allocator picks a colliding-free RelFileLocator.
type Allocator struct {
	ids     *oid.Allocator
	dataDir string
	stat    StatChecker
	log     *zap.Logger
}

func New(ids *oid.Allocator, dataDir string, stat StatChecker, log *zap.Logger) *Allocator {
	if stat == nil {
		stat = OSStatChecker{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{ids: ids, dataDir: dataDir, stat: stat, log: log}
}

// Allocate picks a RelFileLocator for persistence p in tablespace ts,
// owned by database dbOid, for session backendID (ignored unless p is
// Temporary). If classCatalog is non-nil, the chosen RelNumber is also
// checked for uniqueness against the class catalog's OID index (the case
// where relfilenumber and relation oid coincide); otherwise a bare
// NextOid() supplies the candidate.
func (a *Allocator) Allocate(ctx context.Context, p Persistence, ts, dbOid oid.Oid, backendID int32, classCatalog oid.IndexChecker, classOidColumn string) (RelFileLocator, error) {
	loc := RelFileLocator{TablespaceOid: ts, BackendNumber: InvalidBackendId}
	if p == Temporary {
		loc.BackendNumber = backendID
	}
	if ts == GlobalTablespaceOid {
		loc.DatabaseOid = oid.InvalidOid
	} else {
		loc.DatabaseOid = dbOid
	}

	for {
		if err := ctx.Err(); err != nil {
			return RelFileLocator{}, catalogerr.Wrap(catalogerr.QueryCanceled, err, "relfile allocation interrupted")
		}

		var candidate oid.Oid
		var err error
		if classCatalog != nil {
			candidate, err = a.ids.NewOidFor(ctx, classCatalog, classOidColumn, false)
		} else {
			candidate = a.ids.NextOid()
		}
		if err != nil {
			return RelFileLocator{}, err
		}
		loc.RelNumber = candidate

		exists, statErr := a.stat.Exists(loc.PathUnder(a.dataDir))
		if exists {
			if statErr != nil {
				a.log.Debug("relfile allocation: treating stat error as collision",
					zap.String("path", loc.PathUnder(a.dataDir)), zap.Error(statErr))
			}
			continue
		}
		return loc, nil
	}
}
