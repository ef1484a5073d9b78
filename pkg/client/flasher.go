package client

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbipice/usbipice/pkg/usb"
	"github.com/usbipice/usbipice/pkg/util"
)

// FirmwareFlasher flashes a UF2 image onto locally attached boards by
// kicking them into the bootloader and watching for their volumes.
type FirmwareFlasher struct {
	adapter  usb.Adapter
	uploader *usb.Uploader
	log      *logrus.Entry
}

// NewFirmwareFlasher builds a flasher; nil seams get the real host
// implementations.
func NewFirmwareFlasher(adapter usb.Adapter, uploader *usb.Uploader) *FirmwareFlasher {
	if adapter == nil {
		adapter = usb.NewExecAdapter(nil)
	}
	if uploader == nil {
		uploader = usb.NewUploader(nil)
	}
	return &FirmwareFlasher{
		adapter:  adapter,
		uploader: uploader,
		log:      util.WithComponent("flasher"),
	}
}

// Flash writes firmware onto every board in serials, following observer's
// hotplug feed. Boards whose volume never shows up before timeout land in
// failed.
func (f *FirmwareFlasher) Flash(ctx context.Context, observer usb.Observer, serials []string, firmware string, timeout time.Duration) (flashed, failed []string) {
	pending := make(map[string]bool, len(serials))
	for _, serial := range serials {
		pending[serial] = true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return flashed, f.drain(pending, failed)
		case <-deadline.C:
			return flashed, f.drain(pending, failed)
		case ev, ok := <-observer.Events():
			if !ok {
				return flashed, f.drain(pending, failed)
			}
			if ev.Action != "add" || !pending[ev.Properties.Serial()] {
				continue
			}
			serial := ev.Properties.Serial()
			props := ev.Properties

			switch {
			case props.Subsystem() == "tty" && props.DevName() != "":
				if err := f.adapter.SendBootloader(ctx, props.DevName()); err != nil {
					f.log.Warnf("bootloader trigger for %s: %v", serial, err)
				}

			case props.DevType() == "partition" && props.DevName() != "":
				if f.flashOne(ctx, props.DevName(), firmware, serial) {
					flashed = append(flashed, serial)
				} else {
					failed = append(failed, serial)
				}
				delete(pending, serial)
			}
		}
	}
	return flashed, failed
}

func (f *FirmwareFlasher) flashOne(ctx context.Context, devnode, firmware, serial string) bool {
	mountDir, err := os.MkdirTemp("", "usbipice-flash-")
	if err != nil {
		f.log.Errorf("scratch dir for %s: %v", serial, err)
		return false
	}
	defer os.RemoveAll(mountDir)

	if err := f.uploader.Upload(ctx, devnode, mountDir, firmware); err != nil {
		f.log.Errorf("flashing %s: %v", serial, err)
		return false
	}
	f.log.Infof("flashed %s onto %s", firmware, serial)
	return true
}

// drain rolls whatever never completed into failed.
func (f *FirmwareFlasher) drain(pending map[string]bool, failed []string) []string {
	for serial := range pending {
		f.log.Warnf("flash for %s timed out", serial)
		failed = append(failed, serial)
	}
	return failed
}
