// Package oid implements the catalog core's identifier allocator: a
// process-wide monotonic OID counter (NextOid) plus a per-relation
// uniqueness search driven by an index probe (NewOidFor).
package oid

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/catalogcore/pkg/catalogerr"
)

// Oid is a 32-bit object identifier, unique within a ClassId.
type Oid uint32

const (
	// InvalidOid is never returned by this allocator.
	InvalidOid Oid = 0

	// FirstGenbkiObjectId is the smallest oid assignable by genbki.pl's
	// manual numbering during a build; every oid below it is a hand-picked
	// bootstrap oid baked into the .dat files.
	FirstGenbkiObjectId Oid = 10000

	// FirstUnpinnedObjectId is the smallest oid NextOid may ever return;
	// every live oid below it is pinned (Classifier.IsPinned depends on
	// this constant alone, with no catalog access).
	FirstUnpinnedObjectId Oid = 12000

	// FirstNormalObjectId is the smallest oid a fresh initdb leaves for
	// user-created objects; it is also this allocator's default start
	// value for a newly constructed cluster.
	FirstNormalObjectId Oid = 16384
)

// retryLogThreshold escalation: log at 10^6 retries, double the interval
// up to 1.28*10^8, then log every 1.28*10^8 retries.
const (
	initialRetryLogThreshold = 1_000_000
	maxRetryLogInterval      = 128_000_000
)

// IndexChecker probes a system catalog's OID-index for a candidate value
// under a "see-everything" snapshot (uncommitted and recently-deleted rows
// visible, truly dead rows treated as absent). CatalogAccessor implements
// this; pkg/oid depends only on the interface to avoid an import cycle.
type IndexChecker interface {
	// OidExists reports whether a row with oidColumn = candidate is visible
	// to the see-everything snapshot in the relation this checker was
	// opened against.
	OidExists(ctx context.Context, oidColumn string, candidate Oid) (bool, error)
}

// Allocator is the process-wide OID generator. Its counter is protected by
// a single mutex; it never yields two identical values within one process
// lifetime except across wraparound, where the pinned range is skipped.
type Allocator struct {
	mu      sync.Mutex
	counter Oid
	log     *zap.Logger
}

// New constructs an Allocator starting at FirstNormalObjectId, the value a
// freshly initialized cluster leaves for the first user-created object.
func New(log *zap.Logger) *Allocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{counter: FirstNormalObjectId, log: log}
}

// NextOid returns the next raw counter value, skipping the pinned range on
// wraparound. Never returns InvalidOid.
func (a *Allocator) NextOid() Oid {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.counter++
	if a.counter < FirstUnpinnedObjectId {
		// Either wrapped past the uint32 boundary (counter == 0) or some
		// caller seeded the allocator below the pinned threshold; either
		// way, the next live oid must never land in the pinned range.
		a.counter = FirstUnpinnedObjectId
	}
	return a.counter
}

// NewOidFor finds an oid not present in the relation identified by chk
// according to its OID index, whose first key is oidColumn. bootstrapMode
// skips the index probe entirely (no usable indexes exist yet).
func (a *Allocator) NewOidFor(ctx context.Context, chk IndexChecker, oidColumn string, bootstrapMode bool) (Oid, error) {
	if bootstrapMode || chk == nil {
		return a.NextOid(), nil
	}

	var retries int64
	nextLogAt := int64(initialRetryLogThreshold)
	logged := false

	for {
		if err := ctx.Err(); err != nil {
			return InvalidOid, catalogerr.Wrap(catalogerr.QueryCanceled, err, "new_oid_for interrupted")
		}

		candidate := a.NextOid()
		exists, err := chk.OidExists(ctx, oidColumn, candidate)
		if err != nil {
			return InvalidOid, catalogerr.Wrap(catalogerr.InternalError, err, "oid index probe failed")
		}
		if !exists {
			if logged {
				a.log.Info("new_oid_for succeeded after retries",
					zap.Int64("retries", retries), zap.Uint32("oid", uint32(candidate)))
			}
			return candidate, nil
		}

		retries++
		if retries >= nextLogAt {
			logged = true
			a.log.Warn("new_oid_for: many collisions while searching for a free oid",
				zap.Int64("retries", retries), zap.String("oid_column", oidColumn))
			if nextLogAt < maxRetryLogInterval {
				nextLogAt *= 2
				if nextLogAt > maxRetryLogInterval {
					nextLogAt = maxRetryLogInterval
				}
			} else {
				nextLogAt += maxRetryLogInterval
			}
		}
	}
}
