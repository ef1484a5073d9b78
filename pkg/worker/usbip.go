package worker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/usbipice/usbipice/pkg/usb"
)

// usbipState exports the board over usbip for the reservation's lifetime.
// The client hears an export event with the coordinates it needs to attach
// and a disconnect event the moment the kernel loses the device.
type usbipState struct {
	base

	// mu guards busid and devpath; udev, kernel and request handlers all
	// run on different goroutines.
	mu      sync.Mutex
	busid   string
	devpath string
}

func newUsbipState(d *Device) State {
	return &usbipState{base: base{dev: d}}
}

func (s *usbipState) Name() string { return "UsbipState" }

func (s *usbipState) Start() {
	s.dev.notify("initialized", map[string]interface{}{"reservable": "usbip"})
}

func (s *usbipState) HandleAdd(props usb.Properties) {
	if !s.active() || props.DevType() != "usb_device" {
		return
	}
	busid, err := usb.ParseBusID(props.DevPath())
	if err != nil {
		s.log().Warnf("export skipped: %v", err)
		return
	}

	s.mu.Lock()
	if s.busid == busid {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.dev.env.Adapter.Bind(ctx, busid); err != nil {
		// busid stays unset, so the next add event retries the bind
		s.log().Warnf("usbip bind %s: %v", busid, err)
		return
	}
	s.mu.Lock()
	s.busid = busid
	s.devpath = props.DevPath()
	s.mu.Unlock()

	cfg := s.dev.env.Config
	s.dev.notify("export", map[string]interface{}{
		"busid":      busid,
		"server_ip":  cfg.VirtualIP,
		"usbip_port": cfg.UsbipPort,
	})
}

// HandleKernelRemove fires off the raw kernel feed, before udev finishes
// processing, so the client learns about a vanished device as early as
// possible.
func (s *usbipState) HandleKernelRemove(devpath string) {
	s.mu.Lock()
	if s.busid == "" || !strings.HasPrefix(devpath, s.devpath) {
		s.mu.Unlock()
		return
	}
	busid := s.busid
	s.busid = ""
	s.devpath = ""
	s.mu.Unlock()

	s.dev.notify("disconnect", map[string]interface{}{"busid": busid})
}

func (s *usbipState) HandleRequest(event string, contents map[string]interface{}) {
	if event != "unbind" {
		s.log().Warnf("unknown request %q", event)
		return
	}
	s.unbind()
}

func (s *usbipState) unbind() {
	s.mu.Lock()
	busid := s.busid
	s.busid = ""
	s.devpath = ""
	s.mu.Unlock()
	if busid == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.dev.env.Adapter.Unbind(ctx, busid); err != nil {
		s.log().Warnf("usbip unbind %s: %v", busid, err)
	}
}

func (s *usbipState) HandleExit() {
	s.unbind()
}
