package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbipice/usbipice/pkg/config"
	"github.com/usbipice/usbipice/pkg/event"
	"github.com/usbipice/usbipice/pkg/usb"
	"github.com/usbipice/usbipice/pkg/util"
)

// Client holds reservations and the event sockets they ride on. The
// default handlers attach exported devices locally over usbip, extend
// reservations about to expire and clean up after ended ones; rigs layer
// their own handlers on top with On.
type Client struct {
	cfg      *config.Client
	api      *API
	handlers *Handlers
	adapter  usb.Adapter
	log      *logrus.Entry

	mu          sync.Mutex
	conns       map[string]*event.Conn // socket addr -> conn
	serialConns map[string]*event.Conn
	busids      map[string]string // serial -> attached busid
	closed      bool
}

// New builds a client. A nil adapter gets the real usbip binding.
func New(cfg *config.Client, adapter usb.Adapter) *Client {
	if adapter == nil {
		adapter = usb.NewExecAdapter(nil)
	}
	c := &Client{
		cfg:         cfg,
		api:         NewAPI(cfg.ControlServer, cfg.Name),
		handlers:    NewHandlers(),
		adapter:     adapter,
		log:         util.WithComponent("client"),
		conns:       make(map[string]*event.Conn),
		serialConns: make(map[string]*event.Conn),
		busids:      make(map[string]string),
	}
	c.registerDefaults()
	return c
}

// API exposes the control HTTP surface.
func (c *Client) API() *API {
	return c.api
}

// On registers a handler for a device event. "serial" is always available
// as a field.
func (c *Client) On(eventName string, fields []string, fn HandlerFunc) {
	c.handlers.Register(eventName, fields, fn)
}

func (c *Client) registerDefaults() {
	c.handlers.Register("export", []string{"serial", "busid", "server_ip", "usbip_port"},
		func(args []interface{}) {
			serial, _ := args[0].(string)
			busid, _ := args[1].(string)
			host, _ := args[2].(string)
			port, _ := args[3].(float64)
			c.attach(serial, busid, host, int(port))
		})

	c.handlers.Register("disconnect", []string{"serial"}, func(args []interface{}) {
		serial, _ := args[0].(string)
		c.detachLocal(serial)
	})

	c.handlers.Register("ending_soon", []string{"serial"}, func(args []interface{}) {
		serial, _ := args[0].(string)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := c.api.Extend(ctx, []string{serial}); err != nil {
			c.log.Warnf("auto-extend for %s: %v", serial, err)
		}
	})

	// cleanup runs after every user handler saw the event
	for _, eventName := range []string{"expired", "failure", "ended"} {
		c.handlers.registerLast(eventName, []string{"serial"}, func(args []interface{}) {
			serial, _ := args[0].(string)
			c.forget(serial)
		})
	}
}

// Connect opens the control event socket.
func (c *Client) Connect() error {
	addr, err := socketAddr(c.cfg.ControlServer)
	if err != nil {
		return err
	}
	return c.ensureSocket(addr)
}

// Reserve asks for boards and opens a socket to each hosting worker.
func (c *Client) Reserve(ctx context.Context, amount int, reservable string, args map[string]interface{}) ([]string, error) {
	serials, err := c.api.Reserve(ctx, amount, reservable, args)
	if err != nil {
		return nil, err
	}
	for _, serial := range serials {
		info, err := c.api.Info(serial)
		if err != nil {
			continue
		}
		addr := util.FormatAddr(info.IP, info.ServerPort+config.SocketPortOffset)
		if err := c.ensureSocket(addr); err != nil {
			c.log.Warnf("worker socket %s: %v", addr, err)
			continue
		}
		c.mu.Lock()
		c.serialConns[serial] = c.conns[addr]
		c.mu.Unlock()
	}
	return serials, nil
}

// ensureSocket dials addr once and starts its read loop.
func (c *Client) ensureSocket(addr string) error {
	c.mu.Lock()
	if _, ok := c.conns[addr]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := event.Dial(addr, c.cfg.Name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return util.ErrSessionClosed
	}
	c.conns[addr] = conn
	c.mu.Unlock()

	go c.readLoop(addr, conn)
	return nil
}

// readLoop dispatches frames until the socket dies, then redials so the
// server's grace buffer is drained instead of dropped.
func (c *Client) readLoop(addr string, conn *event.Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			c.mu.Lock()
			// a socket no longer registered was retired on purpose
			retired := c.closed || c.conns[addr] != conn
			if c.conns[addr] == conn {
				delete(c.conns, addr)
			}
			c.mu.Unlock()
			if retired {
				return
			}
			c.log.Warnf("socket %s dropped, reconnecting: %v", addr, err)
			time.Sleep(time.Second)
			if err := c.ensureSocket(addr); err != nil {
				c.log.Warnf("reconnect to %s failed: %v", addr, err)
			}
			return
		}
		if frame.Type != event.TypeEvent {
			continue
		}
		c.handlers.Dispatch(frame.Serial, frame.Event, frame.Contents)
	}
}

// RequestWorker sends a request frame upstream on the serial's worker
// socket.
func (c *Client) RequestWorker(serial, eventName string, contents map[string]interface{}) error {
	c.mu.Lock()
	conn := c.serialConns[serial]
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("serial %s: %w", serial, util.ErrSocketDetached)
	}
	return conn.WriteFrame(&event.Frame{
		Type:     event.TypeRequest,
		ClientID: c.cfg.Name,
		Serial:   serial,
		Event:    eventName,
		Contents: contents,
	})
}

// attach imports an exported board and remembers its busid.
func (c *Client) attach(serial, busid, host string, port int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.adapter.Attach(ctx, host, port, busid); err != nil {
		c.log.Errorf("attach %s (%s): %v", serial, busid, err)
		return
	}
	c.mu.Lock()
	c.busids[serial] = busid
	c.mu.Unlock()
	c.log.Infof("attached %s as %s", serial, busid)
}

// detachLocal releases the local usbip port for serial, if any.
func (c *Client) detachLocal(serial string) {
	c.mu.Lock()
	busid := c.busids[serial]
	delete(c.busids, serial)
	c.mu.Unlock()
	if busid == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ports, err := c.adapter.Ports(ctx)
	if err != nil {
		c.log.Warnf("listing ports: %v", err)
		return
	}
	for _, p := range ports {
		if p.BusID != busid {
			continue
		}
		if err := c.adapter.Detach(ctx, p.ID); err != nil {
			c.log.Warnf("detach port %d: %v", p.ID, err)
		}
	}
}

// Unbind asks the worker to release the board and detaches it locally.
func (c *Client) Unbind(serial string) error {
	err := c.RequestWorker(serial, "unbind", nil)
	c.detachLocal(serial)
	return err
}

// Busid reports the locally attached busid for serial, if any.
func (c *Client) Busid(serial string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busids[serial]
}

// forget cleans up after a reservation that no longer exists. The worker
// socket goes too once no remaining serial rides on it; the control
// socket never appears in serialConns and stays open.
func (c *Client) forget(serial string) {
	c.detachLocal(serial)
	c.api.RemoveSerial(serial)

	c.mu.Lock()
	conn := c.serialConns[serial]
	delete(c.serialConns, serial)
	if conn != nil {
		for _, other := range c.serialConns {
			if other == conn {
				conn = nil
				break
			}
		}
	}
	if conn != nil {
		for addr, candidate := range c.conns {
			if candidate == conn {
				delete(c.conns, addr)
				break
			}
		}
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Close tears down every socket. Reservations survive; the server buffers
// events for a grace period in case the client returns.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conns := make([]*event.Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// socketAddr derives the event socket address from the control URL.
func socketAddr(controlURL string) (string, error) {
	u, err := url.Parse(controlURL)
	if err != nil {
		return "", err
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return "", fmt.Errorf("control URL %q needs an explicit port: %w", controlURL, util.ErrInvalidConfig)
	}
	return util.FormatAddr(u.Hostname(), port+config.SocketPortOffset), nil
}
