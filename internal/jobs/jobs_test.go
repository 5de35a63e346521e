package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSweeper struct {
	calls  atomic.Int32
	closed int
	err    error
}

func (f *fakeSweeper) CloseExpiredBets(context.Context) (int, error) {
	f.calls.Add(1)
	return f.closed, f.err
}

func (f *fakeSweeper) ReconcileAll(context.Context) (int, error) {
	f.calls.Add(1)
	return f.closed, f.err
}

func TestRunner_AddRejectsBadSchedule(t *testing.T) {
	r := New(context.Background(), zap.NewNop())
	if err := r.Add("sweep", "whenever", CloseSweep(&fakeSweeper{}, zap.NewNop())); err == nil {
		t.Error("expected schedule error")
	}
	for _, spec := range []string{"@every 1m", "0 */15 * * * *", "*/5 * * * *"} {
		if err := r.Add("sweep", spec, CloseSweep(&fakeSweeper{}, zap.NewNop())); err != nil {
			t.Errorf("%q: %v", spec, err)
		}
	}
}

func TestParseSchedule_MatchesAdd(t *testing.T) {
	r := New(context.Background(), zap.NewNop())
	for _, spec := range []string{"@every 1m", "@hourly", "0 */15 * * * *", "*/5 * * * *", "whenever", "* * *", ""} {
		parseErr := ParseSchedule(spec)
		addErr := r.Add("sweep", spec, CloseSweep(&fakeSweeper{}, zap.NewNop()))
		if (parseErr == nil) != (addErr == nil) {
			t.Errorf("%q: ParseSchedule=%v, Add=%v", spec, parseErr, addErr)
		}
	}
}

func TestRunner_LogsJobOutcome(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	r := New(context.Background(), zap.New(core))

	ok := &fakeSweeper{closed: 2}
	r.wrap("sweep", CloseSweep(ok, zap.New(core)))()
	if ok.calls.Load() != 1 {
		t.Fatalf("sweeper called %d times", ok.calls.Load())
	}
	if logs.FilterMessage("expired bets closed").Len() != 1 || logs.FilterMessage("job finished").Len() != 1 {
		t.Errorf("unexpected logs: %v", logs.All())
	}

	failing := &fakeSweeper{err: errors.New("boom")}
	r.wrap("reconcile", Reconcile(failing, zap.New(core)))()
	failed := logs.FilterMessage("job failed").All()
	if len(failed) != 1 || failed[0].ContextMap()["job"] != "reconcile" {
		t.Errorf("failure not logged: %v", failed)
	}
}

func TestRunner_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, zap.NewNop())
	if err := r.Add("reconcile", "@every 1h", Reconcile(&fakeSweeper{}, zap.NewNop())); err != nil {
		t.Fatal(err)
	}
	r.Start()
	r.Stop()
}
