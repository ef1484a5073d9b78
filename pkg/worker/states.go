package worker

import (
	"context"
	"time"

	"github.com/usbipice/usbipice/pkg/store"
	"github.com/usbipice/usbipice/pkg/usb"
)

const (
	// flashTimeout bounds the wait for the bootloader volume plus the copy.
	flashTimeout = 60 * time.Second
	// testTimeout bounds the whole firmware verification phase.
	testTimeout = 30 * time.Second
	// consoleGreeting is printed by the stock image right after boot.
	consoleGreeting = "default firmware"
	// greetingWait is how long after the console appears the greeting may
	// take.
	greetingWait = 2 * time.Second

	consoleBaud = 115200
)

// flashState reboots the board into its bootloader and copies firmware.
// The same state serves the default image and reservable-specific images;
// they differ only in the reported status and the follow-up state.
type flashState struct {
	base
	firmware string
	status   store.DeviceStatus
	next     func() State
	timer    *time.Timer
}

func newFlashState(d *Device, firmware string, status store.DeviceStatus, next func() State) *flashState {
	return &flashState{base: base{dev: d}, firmware: firmware, status: status, next: next}
}

func (s *flashState) Name() string { return "FlashState" }

func (s *flashState) Start() {
	s.dev.setStatus(s.status)
	s.timer = time.AfterFunc(flashTimeout, func() {
		s.log().Warnf("no flashable volume within %s", flashTimeout)
		s.transition(newBrokenState(s.dev, "flash timeout"))
	})
}

func (s *flashState) HandleAdd(props usb.Properties) {
	if !s.active() {
		return
	}
	switch {
	case props.Subsystem() == "tty" && props.DevName() != "":
		// board is running an application image, kick it into the bootloader
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.dev.env.Adapter.SendBootloader(ctx, props.DevName()); err != nil {
			s.log().Warnf("bootloader trigger failed: %v", err)
		}

	case props.DevType() == "partition" && props.DevName() != "":
		s.flash(props.DevName())
	}
}

func (s *flashState) flash(devnode string) {
	ctx, cancel := context.WithTimeout(context.Background(), flashTimeout)
	defer cancel()

	err := s.dev.env.Uploader.Upload(ctx, devnode, s.dev.mountDir, s.firmware)
	if err != nil {
		s.log().Errorf("flashing %s failed: %v", s.firmware, err)
		s.transition(newBrokenState(s.dev, "flash failed"))
		return
	}
	s.log().Infof("flashed %s", s.firmware)
	s.transition(s.next())
}

func (s *flashState) HandleExit() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

// testState verifies the freshly flashed default image by waiting for its
// console greeting.
type testState struct {
	base
	timer *time.Timer
}

func newTestState(d *Device) *testState {
	return &testState{base: base{dev: d}}
}

func (s *testState) Name() string { return "TestState" }

func (s *testState) Start() {
	s.dev.setStatus(store.StatusTesting)
	s.timer = time.AfterFunc(testTimeout, func() {
		s.log().Warnf("no console within %s", testTimeout)
		s.transition(newBrokenState(s.dev, "test timeout"))
	})
}

func (s *testState) HandleAdd(props usb.Properties) {
	if !s.active() || props.Subsystem() != "tty" || props.DevName() == "" {
		return
	}
	go s.check(props.DevName())
}

func (s *testState) check(devnode string) {
	ctx, cancel := context.WithTimeout(context.Background(), greetingWait+5*time.Second)
	defer cancel()

	console, err := s.dev.env.Console(ctx, devnode, consoleBaud)
	if err != nil {
		s.log().Errorf("console %s: %v", devnode, err)
		s.transition(newBrokenState(s.dev, "console open failed"))
		return
	}

	errc := make(chan error, 1)
	go func() { errc <- usb.ExpectString(console, consoleGreeting, greetingWait) }()
	err = <-errc
	console.Close()

	if err != nil {
		s.log().Errorf("firmware verification failed: %v", err)
		s.transition(newBrokenState(s.dev, "wrong greeting"))
		return
	}
	s.transition(newReadyState(s.dev))
}

func (s *testState) HandleExit() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

// readyState is the reservable idle phase.
type readyState struct {
	base
}

func newReadyState(d *Device) *readyState {
	return &readyState{base: base{dev: d}}
}

func (s *readyState) Name() string { return "ReadyState" }

func (s *readyState) Start() {
	s.dev.setStatus(store.StatusAvailable)
}

func (s *readyState) HandleRemove(props usb.Properties) {
	if props.DevType() != "usb_device" {
		return
	}
	s.log().Warn("device unplugged while available")
	s.transition(newBrokenState(s.dev, "unplugged"))
}

// brokenState parks a device that failed somewhere. Whoever holds the
// reservation hears about it once; recovery needs a replug or operator
// action.
type brokenState struct {
	base
	reason string
}

func newBrokenState(d *Device, reason string) *brokenState {
	return &brokenState{base: base{dev: d}, reason: reason}
}

func (s *brokenState) Name() string { return "BrokenState" }

func (s *brokenState) Start() {
	s.dev.setStatus(store.StatusBroken)
	s.dev.notify("failure", map[string]interface{}{"reason": s.reason})
}

func (s *brokenState) HandleAdd(props usb.Properties) {
	if !s.active() || props.DevType() != "usb_device" {
		return
	}
	// a replug earns another trip through flash and test
	s.log().Info("replugged, reflashing")
	s.transition(newFlashState(s.dev, s.dev.env.Config.DefaultFirmware,
		store.StatusFlashingDefault, func() State { return newTestState(s.dev) }))
}
