package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbipice/usbipice/pkg/config"
	"github.com/usbipice/usbipice/pkg/event"
	"github.com/usbipice/usbipice/pkg/store"
	"github.com/usbipice/usbipice/pkg/usb"
	"github.com/usbipice/usbipice/pkg/util"
)

// Manager owns every device on this worker. It registers the worker,
// replays the current udev database, then follows both hotplug feeds and
// fans events out to the per-serial state machines.
type Manager struct {
	cfg    *config.Worker
	st     store.Store
	sender *event.Sender
	log    *logrus.Entry

	adapter  usb.Adapter
	runner   usb.Runner
	uploader *usb.Uploader
	console  usb.ConsoleOpener

	udev   usb.Observer
	kernel usb.Observer

	mu      sync.Mutex
	devices map[string]*Device

	wg sync.WaitGroup
}

// ManagerOptions carries the swappable seams. Zero values select the real
// host implementations.
type ManagerOptions struct {
	Adapter  usb.Adapter
	Runner   usb.Runner
	Uploader *usb.Uploader
	Console  usb.ConsoleOpener
	Udev     usb.Observer
	Kernel   usb.Observer
}

// NewManager wires a manager against the store. The event sender routes
// device events to whichever client the store says holds the reservation.
func NewManager(cfg *config.Worker, st store.Store, opts ManagerOptions) *Manager {
	if opts.Runner == nil {
		opts.Runner = usb.ExecRunner{}
	}
	if opts.Adapter == nil {
		opts.Adapter = usb.NewExecAdapter(opts.Runner)
	}
	if opts.Uploader == nil {
		opts.Uploader = usb.NewUploader(opts.Runner)
	}
	if opts.Console == nil {
		opts.Console = usb.OpenConsole
	}

	m := &Manager{
		cfg:      cfg,
		st:       st,
		log:      util.WithComponent("manager"),
		adapter:  opts.Adapter,
		runner:   opts.Runner,
		uploader: opts.Uploader,
		console:  opts.Console,
		udev:     opts.Udev,
		kernel:   opts.Kernel,
		devices:  make(map[string]*Device),
	}
	m.sender = event.NewSender(st.DeviceCallback)
	return m
}

// Sender exposes the event sender for the socket server.
func (m *Manager) Sender() *event.Sender {
	return m.sender
}

// Run registers the worker, adopts already-plugged boards and starts the
// hotplug loops. It returns once the observers are running.
func (m *Manager) Run(ctx context.Context) error {
	err := m.st.AddWorker(ctx, m.cfg.Name, m.cfg.VirtualIP, m.cfg.VirtualPort)
	if err != nil {
		return err
	}

	if m.udev == nil {
		if m.udev, err = usb.NewUdevObserver(ctx); err != nil {
			return err
		}
	}
	if m.kernel == nil {
		if m.kernel, err = usb.NewKernelObserver(); err != nil {
			return err
		}
	}

	devices, err := usb.ScanDevices(ctx, m.runner)
	if err != nil {
		m.log.Warnf("initial scan failed: %v", err)
	}
	for _, props := range devices {
		m.handleUdev(usb.Event{Action: "add", Properties: props})
	}

	m.wg.Add(2)
	go m.udevLoop()
	go m.kernelLoop()
	return nil
}

func (m *Manager) udevLoop() {
	defer m.wg.Done()
	for ev := range m.udev.Events() {
		m.handleUdev(ev)
	}
}

func (m *Manager) kernelLoop() {
	defer m.wg.Done()
	for ev := range m.kernel.Events() {
		if ev.Action != "remove" {
			continue
		}
		devpath := ev.Properties.DevPath()
		for _, dev := range m.snapshot() {
			dev.HandleKernelRemove(devpath)
		}
	}
}

// handleUdev routes one post-udev event to its device by serial number.
// Boards appear on the first usb_device add with an allowed vendor id.
func (m *Manager) handleUdev(ev usb.Event) {
	serial := ev.Properties.Serial()
	if serial == "" {
		return
	}

	m.mu.Lock()
	dev, known := m.devices[serial]
	m.mu.Unlock()

	if !known {
		if ev.Action != "add" || ev.Properties.DevType() != "usb_device" ||
			!ev.Properties.HasVendor(m.cfg.VendorIDs) {
			return
		}
		var err error
		if dev, err = m.adopt(serial); err != nil {
			m.log.Errorf("adopting %s: %v", serial, err)
			return
		}
	}

	switch ev.Action {
	case "add":
		dev.HandleAdd(ev.Properties)
	case "remove":
		dev.HandleRemove(ev.Properties)
	}
}

func (m *Manager) adopt(serial string) (*Device, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.st.AddDevice(ctx, serial, m.cfg.Name); err != nil {
		return nil, err
	}

	env := &Env{
		Config:   m.cfg,
		Store:    m.st,
		Adapter:  m.adapter,
		Uploader: m.uploader,
		Console:  m.console,
		Notify:   m.notify,
	}
	dev, err := NewDevice(serial, env)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.devices[serial] = dev
	m.mu.Unlock()
	m.log.Infof("adopted device %s", serial)
	return dev, nil
}

func (m *Manager) notify(serial, eventName string, contents map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.sender.Send(ctx, serial, eventName, contents); err != nil {
		m.log.Warnf("event %s for %s undeliverable: %v", eventName, serial, err)
	}
}

func (m *Manager) device(serial string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[serial]
	if !ok {
		return nil, util.ErrNotFound
	}
	return dev, nil
}

func (m *Manager) snapshot() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Device, 0, len(m.devices))
	for _, dev := range m.devices {
		out = append(out, dev)
	}
	return out
}

// Reserve moves serial into the named reservable state.
func (m *Manager) Reserve(serial, reservable string, args map[string]interface{}) error {
	dev, err := m.device(serial)
	if err != nil {
		return err
	}
	return dev.Reserve(reservable, args)
}

// Unreserve returns serial to the default-firmware pipeline.
func (m *Manager) Unreserve(serial string) error {
	dev, err := m.device(serial)
	if err != nil {
		return err
	}
	dev.Unreserve()
	return nil
}

// Request routes a client's socket request to the device, after checking
// the client actually holds the reservation.
func (m *Manager) Request(clientID, serial, eventName string, contents map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	holder, err := m.st.DeviceCallback(ctx, serial)
	if err != nil || holder != clientID {
		m.log.Warnf("dropping %s request for %s from %s: not the holder", eventName, serial, clientID)
		return
	}
	dev, err := m.device(serial)
	if err != nil {
		m.log.Warnf("dropping %s request for unknown device %s", eventName, serial)
		return
	}
	dev.HandleRequest(eventName, contents)
}

// DeviceCount reports how many boards the manager runs.
func (m *Manager) DeviceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

// Shutdown retires every device and deregisters the worker so the control
// plane stops routing reservations here.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.udev != nil {
		m.udev.Close()
	}
	if m.kernel != nil {
		m.kernel.Close()
	}
	m.wg.Wait()

	for _, dev := range m.snapshot() {
		dev.Shutdown()
	}
	if _, err := m.st.RemoveWorker(ctx, m.cfg.Name); err != nil {
		m.log.Warnf("deregistering worker: %v", err)
	}
	m.sender.Close()
}
