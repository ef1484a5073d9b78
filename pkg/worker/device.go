package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbipice/usbipice/pkg/config"
	"github.com/usbipice/usbipice/pkg/store"
	"github.com/usbipice/usbipice/pkg/usb"
	"github.com/usbipice/usbipice/pkg/util"
)

// NotifyFunc pushes an event toward whichever client holds the device.
type NotifyFunc func(serial, event string, contents map[string]interface{})

// Env bundles the device's view of the outside world. Tests populate it
// with fakes.
type Env struct {
	Config   *config.Worker
	Store    store.Store
	Adapter  usb.Adapter
	Uploader *usb.Uploader
	Console  usb.ConsoleOpener
	Notify   NotifyFunc
}

// Device is one attached board and its lifecycle state machine. The mutex
// guards the state pointer and the hotplug cache; it is never held while a
// handler or Start runs.
type Device struct {
	serial string
	env    *Env
	log    *logrus.Entry

	mountDir string
	mediaDir string

	mu    sync.Mutex
	state State
	known map[string]usb.Properties // DEVPATH -> last add
}

// NewDevice builds the device, lays out its scratch directories and enters
// the default-firmware flash phase.
func NewDevice(serial string, env *Env) (*Device, error) {
	root := filepath.Join(env.Config.MediaRoot, serial)
	d := &Device{
		serial:   serial,
		env:      env,
		log:      util.WithSerial(serial),
		mountDir: filepath.Join(root, "mount"),
		mediaDir: filepath.Join(root, "media"),
		known:    make(map[string]usb.Properties),
	}
	for _, dir := range []string{d.mountDir, d.mediaDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("scratch dir for %s: %w", serial, err)
		}
	}
	d.switchTo(newFlashState(d, env.Config.DefaultFirmware, store.StatusFlashingDefault, func() State {
		return newTestState(d)
	}))
	return d, nil
}

// Serial returns the device serial number.
func (d *Device) Serial() string {
	return d.serial
}

// switchTo retires the current state and installs next. HandleExit runs
// under the lock so no handler sees a half-retired state; Start and the
// hotplug replay run outside it.
func (d *Device) switchTo(next State) {
	d.mu.Lock()
	if _, down := d.state.(*shutdownState); down {
		d.mu.Unlock()
		return
	}
	if d.state != nil {
		d.state.HandleExit()
		d.state.markRetired()
	}
	d.state = next
	replay := make([]usb.Properties, 0, len(d.known))
	for _, props := range d.known {
		replay = append(replay, props)
	}
	d.mu.Unlock()

	d.log.Infof("state is now %s", next.Name())
	next.Start()
	for _, props := range replay {
		next.HandleAdd(props)
	}
}

// current snapshots the state for a handler call.
func (d *Device) current() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// StateName reports the current state for diagnostics.
func (d *Device) StateName() string {
	return d.current().Name()
}

// HandleAdd records the node and forwards the event.
func (d *Device) HandleAdd(props usb.Properties) {
	d.mu.Lock()
	d.known[props.DevPath()] = props
	state := d.state
	d.mu.Unlock()
	state.HandleAdd(props)
}

// HandleRemove forgets the node and forwards the event.
func (d *Device) HandleRemove(props usb.Properties) {
	d.mu.Lock()
	delete(d.known, props.DevPath())
	state := d.state
	d.mu.Unlock()
	state.HandleRemove(props)
}

// HandleKernelRemove forwards a raw kernel remove.
func (d *Device) HandleKernelRemove(devpath string) {
	d.current().HandleKernelRemove(devpath)
}

// HandleRequest forwards a client request.
func (d *Device) HandleRequest(event string, contents map[string]interface{}) {
	d.current().HandleRequest(event, contents)
}

// KnowsDevPath reports whether devpath belongs to one of the device's
// current nodes.
func (d *Device) KnowsDevPath(devpath string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.known[devpath]
	return ok
}

// Reserve moves an available device into the named reservable state.
// args is the reservation's args object, handed to the state factory.
func (d *Device) Reserve(reservable string, args map[string]interface{}) error {
	factory, err := reservableFactory(reservable)
	if err != nil {
		return err
	}

	d.mu.Lock()
	ready, ok := d.state.(*readyState)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %s is %s: %w", d.serial, d.StateName(), util.ErrPreconditionFailed)
	}
	ready.transition(factory(d, args))
	return nil
}

// Unreserve retires whatever reservable state is active and reflashes the
// default firmware.
func (d *Device) Unreserve() {
	d.setStatus(store.StatusAwaitFlashDefault)
	d.switchTo(newFlashState(d, d.env.Config.DefaultFirmware, store.StatusFlashingDefault, func() State {
		return newTestState(d)
	}))
}

// Shutdown retires the current state without installing a replacement.
func (d *Device) Shutdown() {
	d.mu.Lock()
	if d.state != nil {
		d.state.HandleExit()
		d.state.markRetired()
	}
	d.state = &shutdownState{}
	d.mu.Unlock()
}

func (d *Device) setStatus(status store.DeviceStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.env.Store.UpdateDeviceStatus(ctx, d.serial, status); err != nil {
		d.log.Warnf("status update to %s failed: %v", status, err)
	}
}

func (d *Device) notify(event string, contents map[string]interface{}) {
	if d.env.Notify != nil {
		d.env.Notify(d.serial, event, contents)
	}
}

// ttyNode returns the devnode of the device's serial console, if present.
func (d *Device) ttyNode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, props := range d.known {
		if props.Subsystem() == "tty" && props.DevName() != "" {
			return props.DevName()
		}
	}
	return ""
}

// shutdownState swallows everything after Shutdown.
type shutdownState struct{}

func (*shutdownState) Name() string                                 { return "ShutdownState" }
func (*shutdownState) Start()                                       {}
func (*shutdownState) HandleAdd(usb.Properties)                     {}
func (*shutdownState) HandleRemove(usb.Properties)                  {}
func (*shutdownState) HandleKernelRemove(string)                    {}
func (*shutdownState) HandleRequest(string, map[string]interface{}) {}
func (*shutdownState) HandleExit()                                  {}
func (*shutdownState) markRetired()                                 {}
