package client

import (
	"testing"
	"time"

	"github.com/usbipice/usbipice/internal/testutil"
	"github.com/usbipice/usbipice/pkg/usb"
)

func testDetector(t *testing.T) (*TimeoutDetector, *Client, *testutil.FakeAdapter) {
	t.Helper()
	c, adapter := testClient(t)
	d := NewTimeoutDetector(c, adapter)
	d.delay = 10 * time.Millisecond
	d.timeout = 10 * time.Millisecond
	return d, c, adapter
}

func TestDetectorTracksExports(t *testing.T) {
	d, c, _ := testDetector(t)

	c.handlers.Dispatch("AAA", "export", exportContents("3-1"))

	d.mu.Lock()
	tr := d.tracked["AAA"]
	d.mu.Unlock()
	if tr == nil || tr.busid != "3-1" {
		t.Fatalf("tracked = %+v", tr)
	}

	c.handlers.Dispatch("AAA", "ended", nil)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tracked["AAA"]; ok {
		t.Error("ended reservation still tracked")
	}
}

func TestDetectorKeepsPresentDevices(t *testing.T) {
	d, _, adapter := testDetector(t)
	adapter.SetPorts([]usb.Port{{ID: 0, Host: "10.0.0.7", BusID: "3-1"}})

	d.Track("AAA", "3-1")
	time.Sleep(30 * time.Millisecond)
	d.sweep()

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tracked["AAA"]; !ok {
		t.Error("present device was dropped")
	}
}

func TestDetectorObserverKeepsActiveDevices(t *testing.T) {
	d, _, _ := testDetector(t)
	d.timeout = 200 * time.Millisecond
	observer := testutil.NewFakeObserver()
	d.Observe(observer)
	t.Cleanup(d.Stop)

	start := time.Now()
	d.Track("AAA", "3-1")
	d.Track("BBB", "3-2")
	// the port listing never shows either device and both windows run out
	time.Sleep(300 * time.Millisecond)

	// a local hotplug add for AAA counts as activity
	observer.Emit("add", usb.Properties{
		"DEVPATH":         "/devices/platform/vhci_hcd.0/usb4/4-1",
		"SUBSYSTEM":       "usb",
		"ID_SERIAL_SHORT": "AAA",
	})
	testutil.Eventually(t, time.Second, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		tr := d.tracked["AAA"]
		return tr != nil && tr.lastSeen.Sub(start) > 250*time.Millisecond
	})

	d.sweep()

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tracked["AAA"]; !ok {
		t.Error("device with recent hotplug activity was dropped")
	}
	if _, ok := d.tracked["BBB"]; ok {
		t.Error("silent device survived the sweep")
	}
}

func TestDetectorUnbindsVanishedDevices(t *testing.T) {
	d, c, adapter := testDetector(t)

	c.handlers.Dispatch("AAA", "export", exportContents("3-1"))
	adapter.SetPorts(nil)

	// fresh attachments get a settling window first
	d.sweep()
	d.mu.Lock()
	stillTracked := d.tracked["AAA"] != nil
	d.mu.Unlock()
	if !stillTracked {
		t.Fatal("device dropped inside the settling window")
	}

	time.Sleep(30 * time.Millisecond)
	d.sweep()

	d.mu.Lock()
	_, tracked := d.tracked["AAA"]
	d.mu.Unlock()
	if tracked {
		t.Error("vanished device still tracked")
	}
	if got := c.Busid("AAA"); got != "" {
		t.Errorf("Busid after unbind = %q", got)
	}
}
