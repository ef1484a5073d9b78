package client

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/usbipice/usbipice/internal/testutil"
	"github.com/usbipice/usbipice/pkg/config"
	"github.com/usbipice/usbipice/pkg/event"
	"github.com/usbipice/usbipice/pkg/usb"
	"github.com/usbipice/usbipice/pkg/util"
)

func testClient(t *testing.T) (*Client, *testutil.FakeAdapter) {
	t.Helper()
	adapter := &testutil.FakeAdapter{}
	cfg := &config.Client{ControlServer: "http://127.0.0.1:9", Name: "rig-1"}
	c := New(cfg, adapter)
	t.Cleanup(c.Close)
	return c, adapter
}

func exportContents(busid string) map[string]interface{} {
	return map[string]interface{}{
		"busid":      busid,
		"server_ip":  "10.0.0.7",
		"usbip_port": 3240.0,
	}
}

func TestClientAttachesOnExport(t *testing.T) {
	c, adapter := testClient(t)

	c.handlers.Dispatch("AAA", "export", exportContents("3-1"))

	if len(adapter.Attached) != 1 || adapter.Attached[0] != "3-1" {
		t.Errorf("Attached = %v", adapter.Attached)
	}
	if got := c.Busid("AAA"); got != "3-1" {
		t.Errorf("Busid = %q", got)
	}
}

func TestClientDetachesOnDisconnect(t *testing.T) {
	c, adapter := testClient(t)

	c.handlers.Dispatch("AAA", "export", exportContents("3-1"))
	adapter.SetPorts([]usb.Port{{ID: 0, Host: "10.0.0.7", BusID: "3-1"}})

	c.handlers.Dispatch("AAA", "disconnect", nil)

	if len(adapter.Detached) != 1 || adapter.Detached[0] != 0 {
		t.Errorf("Detached = %v", adapter.Detached)
	}
	if got := c.Busid("AAA"); got != "" {
		t.Errorf("Busid after disconnect = %q", got)
	}

	// a second disconnect has nothing left to detach
	c.handlers.Dispatch("AAA", "disconnect", nil)
	if len(adapter.Detached) != 1 {
		t.Errorf("Detached after repeat = %v", adapter.Detached)
	}
}

func TestClientCleanupRunsAfterUserHandlers(t *testing.T) {
	c, adapter := testClient(t)

	c.handlers.Dispatch("AAA", "export", exportContents("3-1"))
	adapter.SetPorts([]usb.Port{{ID: 2, Host: "10.0.0.7", BusID: "3-1"}})

	var seenBusid string
	c.On("ended", []string{"serial"}, func(args []interface{}) {
		serial, _ := args[0].(string)
		seenBusid = c.Busid(serial)
	})

	c.handlers.Dispatch("AAA", "ended", nil)

	if seenBusid != "3-1" {
		t.Errorf("user handler saw busid %q, want attachment still live", seenBusid)
	}
	if got := c.Busid("AAA"); got != "" {
		t.Errorf("Busid after ended = %q", got)
	}
	if len(adapter.Detached) != 1 || adapter.Detached[0] != 2 {
		t.Errorf("Detached = %v", adapter.Detached)
	}
}

func TestClientRequestWorker(t *testing.T) {
	var mu sync.Mutex
	var requests []string
	done := make(chan struct{}, 1)

	sender := event.NewSender(nil)
	srv := event.NewServer(sender, func(clientID, serial, eventName string, contents map[string]interface{}) {
		mu.Lock()
		requests = append(requests, strings.Join([]string{clientID, serial, eventName}, "/"))
		mu.Unlock()
		done <- struct{}{}
	})
	if err := srv.Listen(0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	addr := "127.0.0.1:" + portOf(t, srv)

	c, _ := testClient(t)
	if err := c.ensureSocket(addr); err != nil {
		t.Fatalf("ensureSocket: %v", err)
	}
	c.mu.Lock()
	c.serialConns["AAA"] = c.conns[addr]
	c.mu.Unlock()

	if err := c.RequestWorker("AAA", "unbind", nil); err != nil {
		t.Fatalf("RequestWorker: %v", err)
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 1 || requests[0] != "rig-1/AAA/unbind" {
		t.Errorf("requests = %v", requests)
	}
}

func TestClientRequestWorkerWithoutSocket(t *testing.T) {
	c, _ := testClient(t)
	if err := c.RequestWorker("AAA", "unbind", nil); !errors.Is(err, util.ErrSocketDetached) {
		t.Errorf("err = %v", err)
	}
}

func TestClientDispatchesServerEvents(t *testing.T) {
	sender := event.NewSender(nil)
	srv := event.NewServer(sender, nil)
	if err := srv.Listen(0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	addr := "127.0.0.1:" + portOf(t, srv)

	c, adapter := testClient(t)
	if err := c.ensureSocket(addr); err != nil {
		t.Fatalf("ensureSocket: %v", err)
	}

	// buffered if the hello is still in flight, flushed when it lands
	if err := sender.SendTo("rig-1", "AAA", "export", exportContents("3-1")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	testutil.Eventually(t, 5*time.Second, func() bool {
		return c.Busid("AAA") == "3-1"
	})
	if len(adapter.Attached) == 0 || adapter.Attached[0] != "3-1" {
		t.Errorf("Attached = %v", adapter.Attached)
	}
}

func TestClientForgetClosesIdleWorkerSocket(t *testing.T) {
	sender := event.NewSender(nil)
	srv := event.NewServer(sender, nil)
	if err := srv.Listen(0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	addr := "127.0.0.1:" + portOf(t, srv)

	c, _ := testClient(t)
	if err := c.ensureSocket(addr); err != nil {
		t.Fatalf("ensureSocket: %v", err)
	}
	c.mu.Lock()
	conn := c.conns[addr]
	c.serialConns["AAA"] = conn
	c.serialConns["BBB"] = conn
	c.mu.Unlock()

	// one serial still rides on the socket, so it stays up
	c.forget("AAA")
	c.mu.Lock()
	_, open := c.conns[addr]
	c.mu.Unlock()
	if !open {
		t.Fatal("socket closed while a serial still uses it")
	}

	c.forget("BBB")
	c.mu.Lock()
	_, open = c.conns[addr]
	c.mu.Unlock()
	if open {
		t.Fatal("idle worker socket still registered")
	}
	if err := conn.WriteFrame(&event.Frame{Type: event.TypeRequest, ClientID: "rig-1"}); err == nil {
		t.Error("idle worker socket still writable")
	}
}

func TestSocketAddr(t *testing.T) {
	got, err := socketAddr("http://10.0.0.5:8080")
	if err != nil {
		t.Fatalf("socketAddr: %v", err)
	}
	if got != "10.0.0.5:8081" {
		t.Errorf("addr = %q", got)
	}

	if _, err := socketAddr("http://control.lab"); !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("portless URL: err = %v", err)
	}
}

func portOf(t *testing.T, srv *event.Server) string {
	t.Helper()
	addr := srv.Addr().String()
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		t.Fatalf("listener addr %q has no port", addr)
	}
	return addr[i+1:]
}
