package control

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/usbipice/usbipice/pkg/util"
)

// Heartbeat runs the control plane's periodic sweeps: worker liveness
// probes, worker timeouts, reservation expiry and ending-soon warnings.
// Each sweep has its own ticker; a tick that lands while the previous body
// still runs is skipped rather than queued.
type Heartbeat struct {
	ctl *Control

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeat builds the sweeps around ctl.
func NewHeartbeat(ctl *Control) *Heartbeat {
	return &Heartbeat{ctl: ctl}
}

// Start launches all four loops.
func (h *Heartbeat) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	cfg := h.ctl.cfg
	h.loop(ctx, "worker-heartbeat", cfg.HeartbeatPoll, h.probeWorkers)
	h.loop(ctx, "worker-timeout", cfg.TimeoutPoll, h.sweepWorkerTimeouts)
	h.loop(ctx, "reservation-expire", cfg.ReservationPoll, h.sweepExpired)
	h.loop(ctx, "ending-soon", cfg.EndingSoonPoll, h.warnEndingSoon)
}

// Stop cancels the loops and waits for in-flight bodies.
func (h *Heartbeat) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *Heartbeat) loop(ctx context.Context, name string, every time.Duration, body func(ctx context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		log := util.WithComponent(name)
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		var running int32
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !atomic.CompareAndSwapInt32(&running, 0, 1) {
					log.Warn("previous sweep still running, skipping tick")
					continue
				}
				h.wg.Add(1)
				go func() {
					defer h.wg.Done()
					defer atomic.StoreInt32(&running, 0)
					body(ctx)
				}()
			}
		}
	}()
}

// probeWorkers hits every worker's heartbeat endpoint and records the
// successes in the store.
func (h *Heartbeat) probeWorkers(ctx context.Context) {
	workers, err := h.ctl.st.Workers(ctx)
	if err != nil {
		h.ctl.log.Warnf("listing workers: %v", err)
		return
	}
	for _, w := range workers {
		if err := h.ctl.workers.Heartbeat(ctx, w.IP, w.ServerPort); err != nil {
			h.ctl.log.Warnf("worker %s heartbeat failed: %v", w.Name, err)
			continue
		}
		if err := h.ctl.st.HeartbeatWorker(ctx, w.Name); err != nil {
			h.ctl.log.Warnf("recording heartbeat for %s: %v", w.Name, err)
		}
	}
}

// sweepWorkerTimeouts ends every reservation stranded on a silent worker
// and tells its holder the device failed.
func (h *Heartbeat) sweepWorkerTimeouts(ctx context.Context) {
	stranded, err := h.ctl.st.WorkerTimeouts(ctx, h.ctl.cfg.WorkerTimeout)
	if err != nil {
		h.ctl.log.Warnf("worker timeout sweep: %v", err)
		return
	}
	for _, s := range stranded {
		h.ctl.log.Warnf("worker %s timed out, dropping %s", s.Worker, s.Serial)
		h.ctl.sender.SendTo(s.ClientID, s.Serial, "failure",
			map[string]interface{}{"reason": "worker timeout"})
	}
}

// sweepExpired ends reservations past their expiry.
func (h *Heartbeat) sweepExpired(ctx context.Context) {
	expired, err := h.ctl.st.ReservationTimeouts(ctx)
	if err != nil {
		h.ctl.log.Warnf("expiry sweep: %v", err)
		return
	}
	for _, ref := range expired {
		h.ctl.log.Infof("reservation on %s for %s expired", ref.Serial, ref.ClientID)
		h.ctl.release(ctx, ref, "expired", nil)
	}
}

// warnEndingSoon tells holders their reservations are close to expiry so
// they can extend in time.
func (h *Heartbeat) warnEndingSoon(ctx context.Context) {
	soon, err := h.ctl.st.ReservationsEndingSoon(ctx, h.ctl.cfg.EndingSoonWindow)
	if err != nil {
		h.ctl.log.Warnf("ending-soon sweep: %v", err)
		return
	}
	for _, serial := range soon {
		if err := h.ctl.sender.Send(ctx, serial, "ending_soon", nil); err != nil {
			h.ctl.log.Warnf("ending-soon for %s: %v", serial, err)
		}
	}
}
