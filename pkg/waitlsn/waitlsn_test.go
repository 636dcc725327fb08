package waitlsn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zoravur/catalogcore/pkg/catalogcfg"
	"github.com/zoravur/catalogcore/pkg/catalogerr"
)

type fakeTracker struct {
	mu         sync.Mutex
	observed   LSN
	inRecovery bool
}

func (f *fakeTracker) Observed(catalogcfg.WaitForLsnMode) LSN {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.observed
}

func (f *fakeTracker) InRecovery() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inRecovery
}

func (f *fakeTracker) advance(to LSN) {
	f.mu.Lock()
	f.observed = to
	f.mu.Unlock()
}

type fakeSnapshot struct{ active bool }

func (f fakeSnapshot) HasActiveSnapshot() bool { return f.active }

func TestWaitForLsnAlreadyReached(t *testing.T) {
	tr := &fakeTracker{observed: 100, inRecovery: true}
	status, err := Wait(context.Background(), nil, tr, nil, fakeSnapshot{}, catalogcfg.StandbyFlush, 50, catalogcfg.WaitForLsnOptions{})
	if err != nil || status != StatusReached {
		t.Fatalf("want reached, got %v %v", status, err)
	}
}

func TestWaitForLsnActiveSnapshotRejected(t *testing.T) {
	tr := &fakeTracker{inRecovery: true}
	_, err := Wait(context.Background(), nil, tr, nil, fakeSnapshot{active: true}, catalogcfg.StandbyFlush, 1, catalogcfg.WaitForLsnOptions{})
	kind, ok := catalogerr.KindOf(err)
	if !ok || kind != catalogerr.ObjectNotInPrerequisiteState {
		t.Fatalf("want ObjectNotInPrerequisiteState, got %v", err)
	}
}

// TestWaitForLsnPrimaryFlushDuringRecovery: a
// mode that doesn't match the server's current role is rejected outright.
func TestWaitForLsnPrimaryFlushDuringRecovery(t *testing.T) {
	tr := &fakeTracker{inRecovery: true}
	_, err := Wait(context.Background(), nil, tr, nil, fakeSnapshot{}, catalogcfg.PrimaryFlush, 1, catalogcfg.WaitForLsnOptions{})
	kind, ok := catalogerr.KindOf(err)
	if !ok || kind != catalogerr.ObjectNotInPrerequisiteState {
		t.Fatalf("want ObjectNotInPrerequisiteState, got %v", err)
	}
}

func TestWaitForLsnTimeoutNoThrow(t *testing.T) {
	tr := &fakeTracker{inRecovery: true}
	status, err := Wait(context.Background(), nil, tr, nil, fakeSnapshot{}, catalogcfg.StandbyFlush, 100,
		catalogcfg.WaitForLsnOptions{Timeout: 10 * time.Millisecond, NoThrow: true})
	if err != nil {
		t.Fatalf("no_throw should suppress the error, got %v", err)
	}
	if status != StatusTimeout {
		t.Fatalf("want timeout status, got %v", status)
	}
}

func TestWaitForLsnTimeoutThrows(t *testing.T) {
	tr := &fakeTracker{inRecovery: true}
	_, err := Wait(context.Background(), nil, tr, nil, fakeSnapshot{}, catalogcfg.StandbyFlush, 100,
		catalogcfg.WaitForLsnOptions{Timeout: 10 * time.Millisecond})
	kind, ok := catalogerr.KindOf(err)
	if !ok || kind != catalogerr.QueryCanceled {
		t.Fatalf("want QueryCanceled, got %v", err)
	}
}

func TestWaitForLsnWakesOnAdvance(t *testing.T) {
	tr := &fakeTracker{inRecovery: true}
	done := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		tr.advance(42)
	}()
	go func() {
		status, err := Wait(context.Background(), nil, tr, nil, fakeSnapshot{}, catalogcfg.StandbyReplay, 42,
			catalogcfg.WaitForLsnOptions{Timeout: time.Second})
		if err != nil || status != StatusReached {
			t.Errorf("want reached, got %v %v", status, err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the tracker advanced")
	}
}

func TestWaitForLsnCanceled(t *testing.T) {
	tr := &fakeTracker{inRecovery: true}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Wait(ctx, nil, tr, nil, fakeSnapshot{}, catalogcfg.StandbyFlush, 100, catalogcfg.WaitForLsnOptions{})
	kind, ok := catalogerr.KindOf(err)
	if !ok || kind != catalogerr.QueryCanceled {
		t.Fatalf("want QueryCanceled, got %v", err)
	}
}
