package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrijs2005/texcouncil/internal/logging"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
	"github.com/dmitrijs2005/texcouncil/internal/server/services"
)

type fakeReconciler struct {
	targets    []services.ReconcileTarget
	targetsErr error
	fail       map[string]bool
	changed    map[string]bool

	mu       sync.Mutex
	calls    []string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeReconciler) Targets(context.Context) ([]services.ReconcileTarget, error) {
	return f.targets, f.targetsErr
}

func (f *fakeReconciler) Reconcile(_ context.Context, ownerID string, res models.Resolution) (*services.ReconcileResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	f.calls = append(f.calls, ownerID+"/"+string(res))
	f.mu.Unlock()

	if f.fail[ownerID] {
		return nil, errors.New("boom")
	}
	out := &services.ReconcileResult{}
	if f.changed[ownerID] {
		out.Created = []string{"c1"}
	}
	return out, nil
}

type fakeFinalizer struct {
	n     int
	err   error
	calls atomic.Int32
}

func (f *fakeFinalizer) FinalizePending(context.Context) (int, error) {
	f.calls.Add(1)
	return f.n, f.err
}

func targets(owners ...string) []services.ReconcileTarget {
	var out []services.ReconcileTarget
	for _, o := range owners {
		for _, r := range models.Resolutions {
			out = append(out, services.ReconcileTarget{OwnerID: o, Resolution: r})
		}
	}
	return out
}

func TestRunOnce_ReconcilesEveryTargetWithinLimit(t *testing.T) {
	r := &fakeReconciler{
		targets: targets("a", "b", "c", "d"),
		fail:    map[string]bool{"b": true},
		changed: map[string]bool{"c": true},
	}
	f := &fakeFinalizer{n: 2}
	w := NewWorker(r, f, time.Minute, 2, logging.Nop())

	s := w.RunOnce(context.Background())

	want := len(targets("a", "b", "c", "d"))
	assert.Equal(t, want, s.Targets)
	assert.Len(t, r.calls, want)
	assert.Equal(t, len(models.Resolutions), s.Failed)
	assert.Equal(t, len(models.Resolutions), s.Changed)
	assert.Equal(t, 2, s.Finalized)
	assert.LessOrEqual(t, r.peak.Load(), int32(2))
}

func TestRunOnce_TargetListingFailure(t *testing.T) {
	r := &fakeReconciler{targetsErr: errors.New("db down")}
	f := &fakeFinalizer{err: errors.New("db down")}
	w := NewWorker(r, f, time.Minute, 4, logging.Nop())

	s := w.RunOnce(context.Background())
	assert.Equal(t, Summary{}, s)
	assert.Empty(t, r.calls)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	r := &fakeReconciler{targets: targets("a")}
	f := &fakeFinalizer{}
	w := NewWorker(r, f, 5*time.Millisecond, 1, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return f.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_DisabledWithoutInterval(t *testing.T) {
	f := &fakeFinalizer{}
	w := NewWorker(&fakeReconciler{}, f, 0, 0, logging.Nop())

	w.Run(context.Background())
	assert.Equal(t, int32(0), f.calls.Load())
	assert.Equal(t, 1, w.parallelism)
}
