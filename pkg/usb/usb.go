// Package usb wraps the host's USB plumbing: udev properties, hotplug
// observation, the usbip command set, serial consoles and UF2 firmware
// upload. Commands run through a Runner so everything above it can be
// tested without hardware.
package usb

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/usbipice/usbipice/pkg/util"
)

// Properties is a udev property set, KEY=VALUE as udev reports them.
type Properties map[string]string

func (p Properties) Action() string    { return p["ACTION"] }
func (p Properties) DevPath() string   { return p["DEVPATH"] }
func (p Properties) DevName() string   { return p["DEVNAME"] }
func (p Properties) Subsystem() string { return p["SUBSYSTEM"] }
func (p Properties) DevType() string   { return p["DEVTYPE"] }
func (p Properties) Serial() string    { return p["ID_SERIAL_SHORT"] }
func (p Properties) VendorID() string  { return p["ID_VENDOR_ID"] }
func (p Properties) ModelID() string   { return p["ID_MODEL_ID"] }

// HasVendor reports whether the device's vendor id is in the allow list.
func (p Properties) HasVendor(vendorIDs []string) bool {
	vid := strings.ToLower(p.VendorID())
	for _, want := range vendorIDs {
		if vid == strings.ToLower(want) {
			return true
		}
	}
	return false
}

// Event is one hotplug notification.
type Event struct {
	Action     string
	Properties Properties
}

// Observer emits hotplug events until closed.
type Observer interface {
	Events() <-chan Event
	Close() error
}

// busIDSegment matches one sysfs path segment naming a USB device
// (e.g. "1-1.4") or one of its interfaces (e.g. "1-1.4:1.0").
var busIDSegment = regexp.MustCompile(`^([0-9]+-[0-9]+(?:\.[0-9]+)*)(?::[0-9.]+)?$`)

// ParseBusID extracts the usbip bus id from a udev DEVPATH. The deepest
// device segment wins, so an interface path yields its parent device.
func ParseBusID(devpath string) (string, error) {
	busid := ""
	for _, seg := range strings.Split(devpath, "/") {
		if m := busIDSegment.FindStringSubmatch(seg); m != nil {
			busid = m[1]
		}
	}
	if busid == "" {
		return "", fmt.Errorf("no bus id in devpath %q: %w", devpath, util.ErrMalformedInput)
	}
	return busid, nil
}
