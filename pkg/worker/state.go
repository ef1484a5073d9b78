// Package worker runs the per-host daemon: it watches hotplug events,
// drives every attached board through its lifecycle state machine and
// serves reservation calls from the control plane.
package worker

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/usbipice/usbipice/pkg/usb"
)

// State is one phase of a device's lifecycle. Handlers run outside the
// device lock on a snapshot of the current state; a handler that fires
// after the device already moved on acts on a dead state, whose transition
// latch makes it harmless.
type State interface {
	Name() string
	// Start runs right after the state is installed, outside the lock.
	Start()
	// HandleAdd and HandleRemove receive udev events for the device.
	HandleAdd(props usb.Properties)
	HandleRemove(props usb.Properties)
	// HandleKernelRemove receives raw kernel remove events, which beat the
	// udev feed by the time udev needs for rule processing.
	HandleKernelRemove(devpath string)
	// HandleRequest receives client requests routed through the socket.
	HandleRequest(event string, contents map[string]interface{})
	// HandleExit runs inside the device lock as the state is replaced.
	HandleExit()

	// markRetired burns the state's transition latch when it is replaced
	// from outside, so a stale timer or handler cannot move the machine.
	markRetired()
}

// base carries what every state shares: its device and a transition latch
// ensuring a state moves the machine at most once.
type base struct {
	dev      *Device
	switched int32
}

// transition installs next unless this state already transitioned.
func (b *base) transition(next State) {
	if !atomic.CompareAndSwapInt32(&b.switched, 0, 1) {
		return
	}
	b.dev.switchTo(next)
}

// active reports whether this state may still transition.
func (b *base) active() bool {
	return atomic.LoadInt32(&b.switched) == 0
}

func (b *base) markRetired() {
	atomic.StoreInt32(&b.switched, 1)
}

func (b *base) log() *logrus.Entry {
	return b.dev.log
}

// No-op defaults; states override what they care about.
func (b *base) HandleAdd(usb.Properties)                     {}
func (b *base) HandleRemove(usb.Properties)                  {}
func (b *base) HandleKernelRemove(string)                    {}
func (b *base) HandleRequest(string, map[string]interface{}) {}
func (b *base) HandleExit()                                  {}

// requestArgs projects named fields out of a request's contents. A missing
// field drops the request with a warning instead of panicking a handler.
func requestArgs(log *logrus.Entry, event string, contents map[string]interface{}, fields ...string) ([]interface{}, bool) {
	args := make([]interface{}, 0, len(fields))
	for _, field := range fields {
		v, ok := contents[field]
		if !ok {
			log.Warnf("dropping %s request: missing field %q", event, field)
			return nil, false
		}
		args = append(args, v)
	}
	return args, true
}
