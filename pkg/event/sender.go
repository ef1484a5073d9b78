package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/usbipice/usbipice/pkg/util"
)

// DefaultGrace is how long a session with no bound socket keeps buffering
// before it is dropped.
const DefaultGrace = 60 * time.Second

// ClientLookup resolves the client a device's events should go to.
type ClientLookup func(ctx context.Context, serial string) (string, error)

// Sender fans device events out to connected clients. Each client id owns
// one session: a FIFO buffer plus at most one bound socket. Events for a
// client with no socket are buffered; a session that stays unbound past the
// grace period is discarded together with its buffer.
type Sender struct {
	lookup ClientLookup
	grace  time.Duration
	log    *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	queue  []*Frame
	conn   *Conn
	sockID string
	grace  *time.Timer
}

// NewSender builds a Sender. lookup may be nil when every send names its
// client explicitly via SendTo.
func NewSender(lookup ClientLookup) *Sender {
	return &Sender{
		lookup:   lookup,
		grace:    DefaultGrace,
		log:      util.WithComponent("events"),
		sessions: make(map[string]*session),
	}
}

// SetGrace overrides the unbound-session grace period.
func (s *Sender) SetGrace(d time.Duration) {
	s.grace = d
}

// Send routes an event for serial to whichever client holds it. Events for
// an unreserved serial are dropped.
func (s *Sender) Send(ctx context.Context, serial, eventName string, contents map[string]interface{}) error {
	if s.lookup == nil {
		return fmt.Errorf("send %s for %s: no client lookup", eventName, serial)
	}
	clientID, err := s.lookup(ctx, serial)
	if err != nil {
		if err == util.ErrNoReservation {
			s.log.Debugf("dropping %s for unreserved %s", eventName, serial)
			return nil
		}
		return err
	}
	return s.SendTo(clientID, serial, eventName, contents)
}

// SendTo queues an event for a named client and flushes its session.
// Ordering is FIFO per (client, serial).
func (s *Sender) SendTo(clientID, serial, eventName string, contents map[string]interface{}) error {
	frame := &Frame{
		Type:     TypeEvent,
		ClientID: clientID,
		Serial:   serial,
		Event:    eventName,
		Contents: contents,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[clientID]
	if sess == nil {
		sess = &session{}
		s.sessions[clientID] = sess
		s.armGrace(clientID, sess)
	}
	sess.queue = append(sess.queue, frame)
	s.flush(clientID, sess)
	return nil
}

// AddSocket binds conn as the client's socket, replacing any previous one,
// and flushes whatever buffered while the client was away. The returned id
// must be passed back to RemoveSocket.
func (s *Sender) AddSocket(clientID string, conn *Conn) string {
	sockID := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[clientID]
	if sess == nil {
		sess = &session{}
		s.sessions[clientID] = sess
	}
	if sess.grace != nil {
		sess.grace.Stop()
		sess.grace = nil
	}
	if sess.conn != nil {
		sess.conn.Close()
	}
	sess.conn = conn
	sess.sockID = sockID

	s.log.Debugf("client %s attached socket %s", clientID, sockID)
	s.flush(clientID, sess)
	return sockID
}

// RemoveSocket detaches sockID from the client's session. A stale id from
// an already replaced socket is ignored. The session itself survives for
// the grace period so a reconnecting client keeps its buffered events.
func (s *Sender) RemoveSocket(clientID, sockID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[clientID]
	if sess == nil || sess.sockID != sockID {
		return
	}
	if sess.conn != nil {
		sess.conn.Close()
		sess.conn = nil
	}
	sess.sockID = ""
	s.armGrace(clientID, sess)
	s.log.Debugf("client %s detached socket %s", clientID, sockID)
}

// Close tears down every session.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for clientID, sess := range s.sessions {
		if sess.grace != nil {
			sess.grace.Stop()
		}
		if sess.conn != nil {
			sess.conn.Close()
		}
		delete(s.sessions, clientID)
	}
}

// armGrace schedules the session for deletion unless a socket binds first.
// Callers hold s.mu.
func (s *Sender) armGrace(clientID string, sess *session) {
	if sess.grace != nil {
		sess.grace.Stop()
	}
	sess.grace = time.AfterFunc(s.grace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur := s.sessions[clientID]
		if cur != sess || cur.conn != nil {
			return
		}
		if n := len(cur.queue); n > 0 {
			s.log.Warnf("dropping session for %s with %d undelivered events", clientID, n)
		}
		delete(s.sessions, clientID)
	})
}

// flush drains the session queue in order. A failed write puts the frame
// back at the head, detaches the socket and aborts. Callers hold s.mu.
func (s *Sender) flush(clientID string, sess *session) {
	if sess.conn == nil {
		return
	}
	for len(sess.queue) > 0 {
		frame := sess.queue[0]
		if err := sess.conn.WriteFrame(frame); err != nil {
			s.log.Warnf("write to %s failed, rebuffering: %v", clientID, err)
			sess.conn.Close()
			sess.conn = nil
			sess.sockID = ""
			s.armGrace(clientID, sess)
			return
		}
		sess.queue = sess.queue[1:]
	}
}
