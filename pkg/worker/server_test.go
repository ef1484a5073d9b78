package worker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/usbipice/usbipice/internal/testutil"
)

func testServer(t *testing.T) (*Server, *managerFixture) {
	t.Helper()
	f := newManagerFixture(t)
	f.run(t)
	return NewServer(f.mgr.cfg, f.mgr), f
}

func TestHeartbeatEndpoint(t *testing.T) {
	s, _ := testServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/heartbeat", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"name":"bench-1"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestReserveEndpoint(t *testing.T) {
	s, f := testServer(t)
	f.udev.Emit("add", usbProps("/devices/pci0000:00/usb3/3-1"))
	testutil.Eventually(t, time.Second, func() bool {
		return f.mgr.DeviceCount() == 1
	})
	testutil.Eventually(t, 2*time.Second, func() bool {
		dev, err := f.mgr.device(testSerial)
		return err == nil && dev.StateName() == "FlashState"
	})

	// reserving a device that is still flashing is refused
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/reserve",
		strings.NewReader(`{"serial":"`+testSerial+`","reservable":"usbip"}`))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}

	// malformed body
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/reserve", strings.NewReader(`{"serial":""}`))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestReserveEndpointPassesArgs(t *testing.T) {
	s, f := testServer(t)
	f.udev.Emit("add", usbProps("/devices/pci0000:00/usb3/3-1"))
	f.udev.Emit("add", ttyProps("/dev/ttyACM0"))
	f.udev.Emit("add", partitionProps("/dev/sda1"))
	testutil.Eventually(t, 2*time.Second, func() bool {
		dev, err := f.mgr.device(testSerial)
		return err == nil && dev.StateName() == "ReadyState"
	})

	var got map[string]interface{}
	reservables["argcheck"] = func(d *Device, args map[string]interface{}) State {
		got = args
		return newUsbipState(d)
	}
	defer delete(reservables, "argcheck")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/reserve",
		strings.NewReader(`{"serial":"`+testSerial+`","reservable":"argcheck","args":{"speed":"full"}}`))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got["speed"] != "full" {
		t.Errorf("factory args = %v", got)
	}
}

func TestUnreserveEndpointUnknownSerial(t *testing.T) {
	s, _ := testServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/unreserve",
		strings.NewReader(`{"serial":"NOPE"}`))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
}
