package event

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/usbipice/usbipice/pkg/util"
)

// pipeConn returns a framed connection plus the peer to read from.
func pipeConn(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewConn(a), NewConn(b)
}

func readFrame(t *testing.T, conn *Conn) *Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	frame, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return frame
}

func staticLookup(clientID string) ClientLookup {
	return func(ctx context.Context, serial string) (string, error) {
		return clientID, nil
	}
}

func TestSendBuffersUntilSocketAttaches(t *testing.T) {
	s := NewSender(staticLookup("client-1"))
	ctx := context.Background()

	s.Send(ctx, "AAA", "export", map[string]interface{}{"busid": "1-1.4"})
	s.Send(ctx, "AAA", "disconnect", nil)

	local, peer := pipeConn(t)
	done := make(chan struct{})
	go func() {
		s.AddSocket("client-1", local)
		close(done)
	}()

	first := readFrame(t, peer)
	second := readFrame(t, peer)
	<-done

	if first.Event != "export" || second.Event != "disconnect" {
		t.Errorf("events out of order: %q then %q", first.Event, second.Event)
	}
	if first.Serial != "AAA" || first.Contents["busid"] != "1-1.4" {
		t.Errorf("first frame = %+v", first)
	}
}

func TestSendDeliversDirectlyWhenBound(t *testing.T) {
	s := NewSender(staticLookup("client-1"))
	local, peer := pipeConn(t)
	s.AddSocket("client-1", local)

	go s.Send(context.Background(), "AAA", "results", map[string]interface{}{"pulses": 42.0})

	frame := readFrame(t, peer)
	if frame.Event != "results" || frame.Contents["pulses"] != 42.0 {
		t.Errorf("frame = %+v", frame)
	}
}

func TestSendDropsUnreservedSerial(t *testing.T) {
	s := NewSender(func(ctx context.Context, serial string) (string, error) {
		return "", util.ErrNoReservation
	})
	if err := s.Send(context.Background(), "AAA", "export", nil); err != nil {
		t.Fatalf("Send should swallow unreserved serials, got %v", err)
	}
	if len(s.sessions) != 0 {
		t.Errorf("session created for unreserved serial")
	}
}

func TestReconnectWithinGraceKeepsQueue(t *testing.T) {
	s := NewSender(staticLookup("client-1"))
	local, _ := pipeConn(t)
	sockID := s.AddSocket("client-1", local)
	s.RemoveSocket("client-1", sockID)

	s.SendTo("client-1", "AAA", "ending_soon", nil)

	local2, peer2 := pipeConn(t)
	go s.AddSocket("client-1", local2)

	frame := readFrame(t, peer2)
	if frame.Event != "ending_soon" {
		t.Errorf("lost buffered event across reconnect: %+v", frame)
	}
}

func TestGraceExpiryDropsSession(t *testing.T) {
	s := NewSender(staticLookup("client-1"))
	s.SetGrace(20 * time.Millisecond)

	s.SendTo("client-1", "AAA", "export", nil)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.sessions)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session survived the grace period with no socket")
}

func TestStaleRemoveIgnored(t *testing.T) {
	s := NewSender(staticLookup("client-1"))
	local, _ := pipeConn(t)
	oldID := s.AddSocket("client-1", local)

	local2, peer2 := pipeConn(t)
	s.AddSocket("client-1", local2)

	// the first socket's teardown must not detach its replacement
	s.RemoveSocket("client-1", oldID)

	go s.SendTo("client-1", "AAA", "export", nil)
	frame := readFrame(t, peer2)
	if frame.Event != "export" {
		t.Errorf("frame = %+v", frame)
	}
}

func TestFailedWriteRebuffersAtHead(t *testing.T) {
	s := NewSender(staticLookup("client-1"))
	local, peer := pipeConn(t)
	s.AddSocket("client-1", local)
	peer.Close()
	local.Close()

	s.SendTo("client-1", "AAA", "export", nil)
	s.SendTo("client-1", "AAA", "disconnect", nil)

	s.mu.Lock()
	sess := s.sessions["client-1"]
	if sess == nil || len(sess.queue) != 2 || sess.conn != nil {
		s.mu.Unlock()
		t.Fatalf("session after failed write = %+v", sess)
	}
	head := sess.queue[0].Event
	s.mu.Unlock()

	if head != "export" {
		t.Errorf("failed frame not at queue head, got %q", head)
	}

	// delivery resumes in order on the next socket
	local2, peer2 := pipeConn(t)
	go s.AddSocket("client-1", local2)
	if frame := readFrame(t, peer2); frame.Event != "export" {
		t.Errorf("first redelivered frame = %+v", frame)
	}
	if frame := readFrame(t, peer2); frame.Event != "disconnect" {
		t.Errorf("second redelivered frame = %+v", frame)
	}
}
