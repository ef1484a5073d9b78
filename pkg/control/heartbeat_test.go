package control

import (
	"context"
	"testing"
	"time"
)

func TestProbeWorkers(t *testing.T) {
	f := newControlFixture(t)
	h := NewHeartbeat(f.ctl)

	h.probeWorkers(context.Background())

	calls := f.workers.calls(&f.workers.heartbeats)
	if len(calls) != 1 || calls[0] != "10.0.0.7:8081" {
		t.Errorf("heartbeats = %v", calls)
	}
}

func TestProbeWorkersFailureDoesNotRecord(t *testing.T) {
	f := newControlFixture(t)
	f.st.AgeWorker("bench-1", 5*time.Minute)
	f.workers.err = context.DeadlineExceeded

	h := NewHeartbeat(f.ctl)
	h.probeWorkers(context.Background())

	// the failed probe must not refresh the heartbeat
	workers, _ := f.st.Workers(context.Background())
	if time.Since(workers[0].LastHeartbeat) < time.Minute {
		t.Error("heartbeat refreshed despite probe failure")
	}
}

func TestSweepWorkerTimeouts(t *testing.T) {
	f := newControlFixture(t)
	ctx := context.Background()
	f.ctl.Reserve(ctx, "client-1", 1, "usbip", nil)
	f.st.AgeWorker("bench-1", 5*time.Minute)

	h := NewHeartbeat(f.ctl)
	h.sweepWorkerTimeouts(ctx)

	frames := drainEvents(t, f.ctl.Sender(), "client-1", 1)
	if frames[0].Event != "failure" || frames[0].Serial != "AAA" {
		t.Fatalf("frame = %+v", frames[0])
	}
	if frames[0].Contents["reason"] != "worker timeout" {
		t.Errorf("contents = %v", frames[0].Contents)
	}
}

func TestSweepExpired(t *testing.T) {
	f := newControlFixture(t)
	ctx := context.Background()

	// an already-expired reservation
	f.st.MakeReservations(ctx, 1, "client-1", -time.Minute)

	h := NewHeartbeat(f.ctl)
	h.sweepExpired(ctx)

	if calls := f.workers.calls(&f.workers.unreserves); len(calls) != 1 || calls[0] != "AAA" {
		t.Fatalf("unreserves = %v", calls)
	}
	frames := drainEvents(t, f.ctl.Sender(), "client-1", 1)
	if frames[0].Event != "expired" || frames[0].Serial != "AAA" {
		t.Errorf("frame = %+v", frames[0])
	}
}

func TestWarnEndingSoon(t *testing.T) {
	f := newControlFixture(t)
	ctx := context.Background()
	f.st.MakeReservations(ctx, 1, "client-1", 10*time.Minute)

	h := NewHeartbeat(f.ctl)
	h.warnEndingSoon(ctx)

	frames := drainEvents(t, f.ctl.Sender(), "client-1", 1)
	if frames[0].Event != "ending_soon" || frames[0].Serial != "AAA" {
		t.Errorf("frame = %+v", frames[0])
	}
}

func TestHeartbeatStartStop(t *testing.T) {
	f := newControlFixture(t)
	h := NewHeartbeat(f.ctl)
	h.Start()
	h.Stop()
}
