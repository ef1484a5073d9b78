// Package event carries device events between the daemons and their
// clients over newline-delimited JSON frames on a plain TCP socket.
//
// A connecting peer must send a hello frame carrying its client id before
// anything else. After that the daemon pushes event frames downstream and
// the peer may push request frames upstream.
package event

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"
)

// Frame types.
const (
	TypeHello   = "hello"
	TypeEvent   = "event"
	TypeRequest = "request"
)

// Frame is one message on the socket channel.
type Frame struct {
	Type     string                 `json:"type"`
	ClientID string                 `json:"client_id,omitempty"`
	Serial   string                 `json:"serial,omitempty"`
	Event    string                 `json:"event,omitempty"`
	Contents map[string]interface{} `json:"contents,omitempty"`
}

// Conn frames a TCP connection into JSON lines. Writes are serialized;
// reads must come from a single goroutine.
type Conn struct {
	raw net.Conn
	r   *bufio.Reader

	wmu sync.Mutex
}

// NewConn wraps an accepted or dialed connection.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, r: bufio.NewReader(raw)}
}

// ReadFrame blocks until the next frame or a transport error.
func (c *Conn) ReadFrame() (*Frame, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	frame := &Frame{}
	if err := json.Unmarshal(line, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// WriteFrame sends one frame, newline terminated.
func (c *Conn) WriteFrame(frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.raw.Write(data)
	return err
}

// SetReadDeadline bounds the next ReadFrame.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// RemoteAddr reports the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// Close tears down the transport.
func (c *Conn) Close() error {
	return c.raw.Close()
}
