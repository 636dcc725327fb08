// Package waitlsn blocks a session until a named replication LSN is
// confirmed at a
// chosen durability point, with a timeout and a no-snapshot precondition.
//
// The real collaborator this blocks against is a replication-progress
// tracker fed over the network by the walwatch module, mirroring the
// source's relationship between WaitForLsn and the WAL receiver: this
// package only knows the Tracker/Notifier interfaces, never the wire
// format walwatch speaks.
package waitlsn

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zoravur/catalogcore/pkg/catalogcfg"
	"github.com/zoravur/catalogcore/pkg/catalogerr"
)

// LSN is a replication log sequence number, compared numerically exactly
// like pglogrepl.LSN.
type LSN uint64

// Tracker answers "how far has replication progressed" and "is this
// server currently a standby". internal/wal implements this against a
// live walwatch TCP stream; tests use a fake.
type Tracker interface {
	// Observed returns the highest LSN so far confirmed for mode.
	Observed(mode catalogcfg.WaitForLsnMode) LSN
	// InRecovery reports whether the server is currently replaying WAL as
	// a standby (false on a primary).
	InRecovery() bool
}

// Notifier lets a Tracker wake parked waiters the moment it advances,
// instead of forcing every waiter onto a fixed poll interval.
type Notifier interface {
	// Subscribe registers for a best-effort wakeup on every advance;
	// unsubscribe must always be called once the waiter is done.
	Subscribe() (wake <-chan struct{}, unsubscribe func())
}

// SnapshotHolder reports whether the calling session holds an active or
// registered MVCC snapshot. Wait
// must never be called while holding one, since the session's own xmin
// could then deadlock WAL replay against itself.
type SnapshotHolder interface {
	HasActiveSnapshot() bool
}

// Status is the outcome of a Wait call when opts.NoThrow suppresses the
// corresponding error.
type Status string

const (
	StatusReached       Status = "reached"
	StatusTimeout        Status = "timeout"
	StatusRecoveryEnded  Status = "recovery_ended"
	StatusNotInRecovery  Status = "not_in_recovery"
)

// pollInterval bounds how long a waiter can go without rechecking Tracker
// even with no Notifier wired in, so a missed wakeup is never fatal.
const pollInterval = 50 * time.Millisecond

// Wait blocks until target is observed for mode, opts.Timeout elapses,
// recovery ends out from under a standby_* wait, or ctx is canceled.
//
// mode selects which durability point to wait for: standby_replay,
// standby_write, and standby_flush only make sense while the server is in
// recovery; primary_flush only makes sense while it is not. Requesting the
// wrong mode for the server's current role is reported as
// StatusNotInRecovery, honoring opts.NoThrow the same way a timeout does.
func Wait(ctx context.Context, log *zap.Logger, tracker Tracker, notifier Notifier, snap SnapshotHolder, mode catalogcfg.WaitForLsnMode, target LSN, opts catalogcfg.WaitForLsnOptions) (Status, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if snap != nil && snap.HasActiveSnapshot() {
		return "", catalogerr.New(catalogerr.ObjectNotInPrerequisiteState,
			"WaitForLsn cannot be called while the session holds an active snapshot")
	}

	inRecovery := tracker.InRecovery()
	wantsRecovery := mode != catalogcfg.PrimaryFlush
	if wantsRecovery != inRecovery {
		return statusResult(opts.NoThrow, StatusNotInRecovery,
			catalogerr.New(catalogerr.ObjectNotInPrerequisiteState,
				"WaitForLsn mode %s is incompatible with the server's current recovery state", mode))
	}

	if tracker.Observed(mode) >= target {
		return StatusReached, nil
	}

	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var wake <-chan struct{}
	if notifier != nil {
		var unsubscribe func()
		wake, unsubscribe = notifier.Subscribe()
		defer unsubscribe()
	}

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	log.Debug("wait_for_lsn: blocking",
		zap.String("mode", mode.String()), zap.Uint64("target", uint64(target)))

	for {
		select {
		case <-ctx.Done():
			return "", catalogerr.Wrap(catalogerr.QueryCanceled, ctx.Err(), "WaitForLsn interrupted")
		case <-timeoutCh:
			return statusResult(opts.NoThrow, StatusTimeout,
				catalogerr.New(catalogerr.QueryCanceled, "timed out waiting for LSN to be %s", mode))
		case <-wake:
		case <-poll.C:
		}

		if tracker.Observed(mode) >= target {
			return StatusReached, nil
		}
		if wantsRecovery && !tracker.InRecovery() {
			return statusResult(opts.NoThrow, StatusRecoveryEnded,
				catalogerr.New(catalogerr.ObjectNotInPrerequisiteState,
					"recovery ended before the target LSN was reached"))
		}
	}
}

// statusResult implements the no_throw contract: return the status string
// instead of raising when opts.NoThrow is set.
func statusResult(noThrow bool, status Status, err error) (Status, error) {
	if noThrow {
		return status, nil
	}
	return "", err
}
