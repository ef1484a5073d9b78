package event

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbipice/usbipice/pkg/util"
)

// helloTimeout bounds how long a fresh connection may stall before its
// hello frame arrives.
const helloTimeout = 10 * time.Second

// RequestFunc handles one upstream request frame. It runs on its own
// goroutine and must not block the socket reader.
type RequestFunc func(clientID, serial, event string, contents map[string]interface{})

// Server accepts client sockets, authenticates them with a hello frame and
// hands them to the Sender for event delivery.
type Server struct {
	sender  *Sender
	request RequestFunc
	log     *logrus.Entry

	ln net.Listener
}

// NewServer builds a socket server. request may be nil for channels that
// only push events downstream.
func NewServer(sender *Sender, request RequestFunc) *Server {
	return &Server{
		sender:  sender,
		request: request,
		log:     util.WithComponent("event-server"),
	}
}

// Listen binds port and starts the accept loop.
func (s *Server) Listen(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("event socket on :%d: %w", port, err)
	}
	s.ln = ln
	go s.acceptLoop()
	s.log.Infof("event socket listening on %s", ln.Addr())
	return nil
}

// Addr reports the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting and drops every session.
func (s *Server) Close() error {
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.sender.Close()
	return err
}

func (s *Server) acceptLoop() {
	for {
		raw, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(NewConn(raw))
	}
}

// serve runs the per-connection read loop: hello first, then requests
// until the peer goes away.
func (s *Server) serve(conn *Conn) {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	hello, err := conn.ReadFrame()
	if err != nil {
		s.log.Warnf("dropping %s before hello: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	if hello.Type != TypeHello || hello.ClientID == "" {
		s.log.Warnf("dropping %s: first frame is not a hello", conn.RemoteAddr())
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	clientID := hello.ClientID
	sockID := s.sender.AddSocket(clientID, conn)
	defer s.sender.RemoveSocket(clientID, sockID)

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		if frame.Type != TypeRequest {
			s.log.Debugf("ignoring %s frame from %s", frame.Type, clientID)
			continue
		}
		if s.request == nil {
			s.log.Warnf("client %s sent a request on a push-only channel", clientID)
			continue
		}
		go s.request(clientID, frame.Serial, frame.Event, frame.Contents)
	}
}

// Dial opens a client socket and performs the hello exchange.
func Dial(addr, clientID string) (*Conn, error) {
	raw, err := net.DialTimeout("tcp", addr, helloTimeout)
	if err != nil {
		return nil, err
	}
	conn := NewConn(raw)
	if err := conn.WriteFrame(&Frame{Type: TypeHello, ClientID: clientID}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
