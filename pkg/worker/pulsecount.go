package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/usbipice/usbipice/pkg/store"
	"github.com/usbipice/usbipice/pkg/usb"
	"github.com/usbipice/usbipice/pkg/util"
)

const (
	// bitstream transfer pacing; the counter firmware's UART buffer
	// overruns on anything faster.
	pulseChunkSize  = 512
	pulseChunkDelay = 10 * time.Microsecond
)

// pulseCountState runs the pulse-counter firmware: the client uploads FPGA
// bitstreams over the reservation socket and gets pulse counts back as
// result events.
type pulseCountState struct {
	base

	mu      sync.Mutex
	console io.ReadWriteCloser
}

func newPulseCountState(d *Device) State {
	return &pulseCountState{base: base{dev: d}}
}

func (s *pulseCountState) Name() string { return "PulseCountState" }

func (s *pulseCountState) Start() {
	s.dev.notify("initialized", map[string]interface{}{"reservable": "pulsecount"})
}

func (s *pulseCountState) HandleAdd(props usb.Properties) {
	if !s.active() || props.Subsystem() != "tty" || props.DevName() == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	console, err := s.dev.env.Console(ctx, props.DevName(), consoleBaud)
	if err != nil {
		s.log().Errorf("console %s: %v", props.DevName(), err)
		s.transition(newBrokenState(s.dev, "console open failed"))
		return
	}

	s.mu.Lock()
	if s.console != nil {
		s.console.Close()
	}
	s.console = console
	s.mu.Unlock()

	go s.readResults(console)
}

// readResults follows the counter firmware's console output and turns the
// lines the client cares about into result events.
func (s *pulseCountState) readResults(console io.Reader) {
	for line := range usb.ReadLines(console) {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "pulses:"):
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "pulses:")))
			if err != nil {
				s.log().Warnf("garbled pulse count %q", line)
				continue
			}
			s.dev.notify("results", map[string]interface{}{"pulses": n})

		case strings.Contains(line, "Watchdog timeout"):
			s.dev.notify("results", map[string]interface{}{"error": "watchdog timeout"})

		case strings.Contains(line, "Waiting for bitstream transfer"):
			s.dev.notify("bitstream_ready", nil)
		}
	}
}

func (s *pulseCountState) HandleRequest(event string, contents map[string]interface{}) {
	if event != "bitstream" {
		s.log().Warnf("unknown request %q", event)
		return
	}
	args, ok := requestArgs(s.log(), event, contents, "data")
	if !ok {
		return
	}
	encoded, ok := args[0].(string)
	if !ok {
		s.log().Warnf("dropping bitstream request: data is not a string")
		return
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		s.log().Warnf("dropping bitstream request: %v", err)
		return
	}

	s.mu.Lock()
	console := s.console
	s.mu.Unlock()
	if console == nil {
		s.log().Warn("dropping bitstream request: no console yet")
		return
	}

	if err := usb.WriteChunked(console, data, pulseChunkSize, pulseChunkDelay); err != nil {
		s.log().Errorf("bitstream transfer failed: %v", err)
		s.transition(newBrokenState(s.dev, "bitstream transfer failed"))
	}
}

func (s *pulseCountState) HandleExit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.console != nil {
		s.console.Close()
		s.console = nil
	}
}

// reservables maps the reservation types clients may ask for to their
// state factories. Factories receive the reservation's args object; the
// built-in reservables take none. usbip hands the raw device over;
// pulsecount first flashes the counter firmware, then accepts bitstreams.
var reservables = map[string]func(d *Device, args map[string]interface{}) State{
	"usbip": func(d *Device, args map[string]interface{}) State {
		return newUsbipState(d)
	},
	"pulsecount": func(d *Device, args map[string]interface{}) State {
		return newFlashState(d, d.env.Config.PulseFirmware, store.StatusReserved, func() State {
			return newPulseCountState(d)
		})
	},
}

// reservableFactory resolves a reservation type name.
func reservableFactory(name string) (func(d *Device, args map[string]interface{}) State, error) {
	factory, ok := reservables[name]
	if !ok {
		return nil, fmt.Errorf("reservable %q: %w", name, util.ErrUnknownReservable)
	}
	return factory, nil
}
