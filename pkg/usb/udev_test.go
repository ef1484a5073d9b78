package usb

import (
	"context"
	"strings"
	"testing"
)

const exportDB = `P: /devices/pci0000:00/0000:00:14.0/usb3/3-1
E: DEVPATH=/devices/pci0000:00/0000:00:14.0/usb3/3-1
E: SUBSYSTEM=usb
E: DEVTYPE=usb_device
E: ID_VENDOR_ID=2e8a
E: ID_MODEL_ID=000a
E: ID_SERIAL_SHORT=E463A8574B3F3C2B

P: /devices/pci0000:00/0000:00:14.0/usb3/3-1/3-1:1.0/tty/ttyACM0
N: ttyACM0
E: DEVPATH=/devices/pci0000:00/0000:00:14.0/usb3/3-1/3-1:1.0/tty/ttyACM0
E: DEVNAME=/dev/ttyACM0
E: SUBSYSTEM=tty
E: ID_SERIAL_SHORT=E463A8574B3F3C2B
`

func TestParseExportDB(t *testing.T) {
	devices := parseExportDB(exportDB)
	if len(devices) != 2 {
		t.Fatalf("parsed %d devices, want 2", len(devices))
	}

	usb := devices[0]
	if usb.Serial() != "E463A8574B3F3C2B" || usb.VendorID() != "2e8a" {
		t.Errorf("usb device = %v", usb)
	}
	tty := devices[1]
	if tty.DevName() != "/dev/ttyACM0" || tty.Subsystem() != "tty" {
		t.Errorf("tty device = %v", tty)
	}
}

func TestScanDevices(t *testing.T) {
	runner := newScriptRunner()
	runner.Outputs["udevadm"] = exportDB

	devices, err := ScanDevices(context.Background(), runner)
	if err != nil {
		t.Fatalf("ScanDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Errorf("devices = %v", devices)
	}
	if !runner.CalledWith("udevadm info --export-db") {
		t.Errorf("calls = %v", runner.Calls())
	}
}

func TestMonitorParse(t *testing.T) {
	// exercise the block parser through a canned monitor transcript
	transcript := `monitor will print the received events for:
UDEV - the event which udev sends out after rule processing

UDEV  [1234.5678] add      /devices/pci0000:00/usb3/3-1 (usb)
ACTION=add
DEVPATH=/devices/pci0000:00/usb3/3-1
SUBSYSTEM=usb
ID_SERIAL_SHORT=E463A8574B3F3C2B

UDEV  [1234.9999] remove   /devices/pci0000:00/usb3/3-1 (usb)
ACTION=remove
DEVPATH=/devices/pci0000:00/usb3/3-1
SUBSYSTEM=usb
`
	o := &UdevObserver{events: make(chan Event, 16)}
	o.parse(strings.NewReader(transcript))

	var got []Event
	for ev := range o.events {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("parsed %d events, want 2: %+v", len(got), got)
	}
	if got[0].Action != "add" || got[0].Properties.Serial() != "E463A8574B3F3C2B" {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].Action != "remove" {
		t.Errorf("second event = %+v", got[1])
	}
}
