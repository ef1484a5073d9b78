package client

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbipice/usbipice/pkg/usb"
)

const (
	detectorPoll    = 4 * time.Second
	detectorTimeout = 15 * time.Second
	// detectorDelay gives a fresh attachment time to settle before it can
	// be declared gone.
	detectorDelay = 15 * time.Second
)

type trackedDevice struct {
	busid    string
	started  time.Time
	lastSeen time.Time
}

// TimeoutDetector watches the local usbip ports and unbinds devices whose
// import silently died, which the kernel does not always report.
type TimeoutDetector struct {
	client  *Client
	adapter usb.Adapter
	log     *logrus.Entry

	poll    time.Duration
	timeout time.Duration
	delay   time.Duration

	mu      sync.Mutex
	tracked map[string]*trackedDevice

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewTimeoutDetector builds a detector and hooks it into the client's
// event stream: exports are tracked automatically, endings untracked.
func NewTimeoutDetector(c *Client, adapter usb.Adapter) *TimeoutDetector {
	d := &TimeoutDetector{
		client:  c,
		adapter: adapter,
		log:     c.log.Logger.WithField("component", "timeout-detector"),
		poll:    detectorPoll,
		timeout: detectorTimeout,
		delay:   detectorDelay,
		tracked: make(map[string]*trackedDevice),
		stop:    make(chan struct{}),
	}

	c.On("export", []string{"serial", "busid"}, func(args []interface{}) {
		serial, _ := args[0].(string)
		busid, _ := args[1].(string)
		d.Track(serial, busid)
	})
	for _, eventName := range []string{"disconnect", "expired", "failure", "ended"} {
		c.On(eventName, []string{"serial"}, func(args []interface{}) {
			serial, _ := args[0].(string)
			d.Untrack(serial)
		})
	}
	return d
}

// Observe refreshes tracked devices from local hotplug traffic. A device
// the port listing momentarily misses still counts as alive while its
// nodes keep appearing.
func (d *TimeoutDetector) Observe(observer usb.Observer) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.stop:
				return
			case ev, ok := <-observer.Events():
				if !ok {
					return
				}
				if ev.Action == "add" {
					d.markSeen(ev.Properties.Serial())
				}
			}
		}
	}()
}

func (d *TimeoutDetector) markSeen(serial string) {
	if serial == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if tr, ok := d.tracked[serial]; ok {
		tr.lastSeen = time.Now()
	}
}

// Track starts watching serial's import.
func (d *TimeoutDetector) Track(serial, busid string) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracked[serial] = &trackedDevice{busid: busid, started: now, lastSeen: now}
}

// Untrack stops watching serial.
func (d *TimeoutDetector) Untrack(serial string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tracked, serial)
}

// Start launches the poll loop.
func (d *TimeoutDetector) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.poll)
		defer ticker.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-ticker.C:
				d.sweep()
			}
		}
	}()
}

// Stop halts the loop.
func (d *TimeoutDetector) Stop() {
	close(d.stop)
	d.wg.Wait()
}

func (d *TimeoutDetector) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), d.poll)
	ports, err := d.adapter.Ports(ctx)
	cancel()
	if err != nil {
		d.log.Warnf("listing ports: %v", err)
		return
	}
	present := make(map[string]bool, len(ports))
	for _, p := range ports {
		present[p.BusID] = true
	}

	now := time.Now()
	var gone []string
	d.mu.Lock()
	for serial, tr := range d.tracked {
		if present[tr.busid] {
			tr.lastSeen = now
			continue
		}
		if now.Sub(tr.started) > d.delay && now.Sub(tr.lastSeen) > d.timeout {
			gone = append(gone, serial)
			delete(d.tracked, serial)
		}
	}
	d.mu.Unlock()

	for _, serial := range gone {
		d.log.Warnf("import for %s vanished, unbinding", serial)
		if err := d.client.Unbind(serial); err != nil {
			d.log.Warnf("unbind %s: %v", serial, err)
		}
	}
}
