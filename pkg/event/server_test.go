package event

import (
	"context"
	"sync"
	"testing"
	"time"
)

func startServer(t *testing.T, sender *Sender, request RequestFunc) *Server {
	t.Helper()
	srv := NewServer(sender, request)
	if err := srv.Listen(0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestServerHelloAndDelivery(t *testing.T) {
	sender := NewSender(staticLookup("client-1"))
	srv := startServer(t, sender, nil)

	conn, err := Dial(srv.Addr().String(), "client-1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// give the accept loop a moment to register the socket, then push
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sender.mu.Lock()
		sess := sender.sessions["client-1"]
		bound := sess != nil && sess.conn != nil
		sender.mu.Unlock()
		if bound {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sender.Send(context.Background(), "AAA", "export", map[string]interface{}{"busid": "1-1.4"})

	frame := readFrame(t, conn)
	if frame.Type != TypeEvent || frame.Event != "export" || frame.Serial != "AAA" {
		t.Errorf("frame = %+v", frame)
	}
}

func TestServerRejectsMissingHello(t *testing.T) {
	sender := NewSender(nil)
	srv := startServer(t, sender, nil)

	conn, err := Dial(srv.Addr().String(), "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// empty client id fails the hello check and the server hangs up
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.ReadFrame(); err == nil {
		t.Error("expected the server to close the connection")
	}
}

func TestServerDispatchesRequests(t *testing.T) {
	var mu sync.Mutex
	var got []string

	sender := NewSender(nil)
	srv := startServer(t, sender, func(clientID, serial, event string, contents map[string]interface{}) {
		mu.Lock()
		got = append(got, clientID+"/"+serial+"/"+event)
		mu.Unlock()
	})

	conn, err := Dial(srv.Addr().String(), "client-1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	err = conn.WriteFrame(&Frame{
		Type:   TypeRequest,
		Serial: "AAA",
		Event:  "unbind",
	})
	if err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "client-1/AAA/unbind" {
		t.Errorf("requests = %v", got)
	}
}
