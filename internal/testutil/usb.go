package testutil

import (
	"context"
	"sync"

	"github.com/usbipice/usbipice/pkg/usb"
)

// FakeAdapter records usbip operations and answers Ports from a canned
// slice.
type FakeAdapter struct {
	mu          sync.Mutex
	Bound       []string
	Unbound     []string
	Attached    []string
	Detached    []int
	Bootloaders []string
	PortList    []usb.Port
	Err         error
}

func (a *FakeAdapter) Bind(ctx context.Context, busid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Bound = append(a.Bound, busid)
	return a.Err
}

func (a *FakeAdapter) Unbind(ctx context.Context, busid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Unbound = append(a.Unbound, busid)
	return a.Err
}

func (a *FakeAdapter) Attach(ctx context.Context, host string, port int, busid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Attached = append(a.Attached, busid)
	return a.Err
}

func (a *FakeAdapter) Detach(ctx context.Context, portID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Detached = append(a.Detached, portID)
	return a.Err
}

func (a *FakeAdapter) Ports(ctx context.Context) ([]usb.Port, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]usb.Port(nil), a.PortList...), a.Err
}

func (a *FakeAdapter) SendBootloader(ctx context.Context, devnode string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Bootloaders = append(a.Bootloaders, devnode)
	return a.Err
}

// SetPorts swaps the canned Ports answer.
func (a *FakeAdapter) SetPorts(ports []usb.Port) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.PortList = ports
}

// FakeObserver is a hotplug observer fed by the test.
type FakeObserver struct {
	ch   chan usb.Event
	once sync.Once
}

func NewFakeObserver() *FakeObserver {
	return &FakeObserver{ch: make(chan usb.Event, 16)}
}

func (o *FakeObserver) Events() <-chan usb.Event {
	return o.ch
}

func (o *FakeObserver) Emit(action string, props usb.Properties) {
	o.ch <- usb.Event{Action: action, Properties: props}
}

func (o *FakeObserver) Close() error {
	o.once.Do(func() { close(o.ch) })
	return nil
}
