package control

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/usbipice/usbipice/pkg/config"
	"github.com/usbipice/usbipice/pkg/event"
	"github.com/usbipice/usbipice/pkg/store"
	"github.com/usbipice/usbipice/pkg/util"
)

// Control brokers reservations between clients and workers. The store is
// authoritative; worker calls are best effort and reconciled by the sweep
// loops when a worker misses one.
type Control struct {
	cfg     *config.Control
	st      store.Store
	workers WorkerAPI
	sender  *event.Sender
	log     *logrus.Entry
}

// New wires the control core. workers may be nil to get the HTTP client.
func New(cfg *config.Control, st store.Store, workers WorkerAPI) *Control {
	if workers == nil {
		workers = NewWorkerAPI()
	}
	return &Control{
		cfg:     cfg,
		st:      st,
		workers: workers,
		sender:  event.NewSender(st.DeviceCallback),
		log:     util.WithComponent("control"),
	}
}

// Sender exposes the event sender for the socket server.
func (c *Control) Sender() *event.Sender {
	return c.sender
}

// Reserve grants clientID up to amount devices and tells each hosting
// worker to enter the reservable state, forwarding the reservation's args
// object. A worker that cannot be reached keeps its reservation; its
// devices simply never produce events and the client gives up on them.
func (c *Control) Reserve(ctx context.Context, clientID string, amount int, reservable string, args map[string]interface{}) ([]store.ReservedDevice, error) {
	reserved, err := c.st.MakeReservations(ctx, amount, clientID, c.cfg.ReserveFor)
	if err != nil {
		return nil, err
	}

	for _, dev := range reserved {
		err := c.workers.Reserve(ctx, dev.IP, dev.ServerPort, dev.Serial, reservable, args)
		if err != nil {
			c.log.Warnf("worker reserve for %s failed: %v", dev.Serial, err)
		}
	}
	c.log.Infof("reserved %d/%d devices for %s", len(reserved), amount, clientID)
	return reserved, nil
}

// Extend pushes the expiry of the named reservations forward.
func (c *Control) Extend(ctx context.Context, clientID string, serials []string) ([]string, error) {
	return c.st.ExtendReservations(ctx, clientID, serials, c.cfg.ExtendBy)
}

// ExtendAll pushes the expiry of every reservation clientID holds.
func (c *Control) ExtendAll(ctx context.Context, clientID string) ([]string, error) {
	return c.st.ExtendAllReservations(ctx, clientID, c.cfg.ExtendBy)
}

// End releases the named reservations: the store rows go away, each worker
// reflashes its board and the client hears an ended event per serial.
func (c *Control) End(ctx context.Context, clientID string, serials []string) ([]string, error) {
	refs, err := c.st.EndReservations(ctx, clientID, serials)
	if err != nil {
		return nil, err
	}
	return c.releaseAll(ctx, refs), nil
}

// EndAll releases everything clientID holds.
func (c *Control) EndAll(ctx context.Context, clientID string) ([]string, error) {
	refs, err := c.st.EndAllReservations(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return c.releaseAll(ctx, refs), nil
}

func (c *Control) releaseAll(ctx context.Context, refs []store.ReservationRef) []string {
	ended := make([]string, 0, len(refs))
	for _, ref := range refs {
		c.release(ctx, ref, "ended", nil)
		ended = append(ended, ref.Serial)
	}
	return ended
}

// release notifies the former holder and tells the worker to reclaim the
// board. The reservation is already gone from the store, so the sender's
// lookup cannot route it; the event goes to the client directly.
func (c *Control) release(ctx context.Context, ref store.ReservationRef, eventName string, contents map[string]interface{}) {
	c.sender.SendTo(ref.ClientID, ref.Serial, eventName, contents)
	if ref.WorkerIP == "" {
		return
	}
	if err := c.workers.Unreserve(ctx, ref.WorkerIP, ref.WorkerPort, ref.Serial); err != nil {
		c.log.Warnf("worker unreserve for %s failed: %v", ref.Serial, err)
	}
}

// IngestLogs writes a worker's shipped log batch into the control log,
// tagged with the worker name. Entries are [level, message] pairs.
func (c *Control) IngestLogs(name string, entries [][2]interface{}) {
	entry := util.Logger.WithField("worker", name)
	for _, e := range entries {
		msg, _ := e[1].(string)
		level, _ := e[0].(float64)
		switch logrus.Level(level) {
		case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
			entry.Error(msg)
		case logrus.WarnLevel:
			entry.Warn(msg)
		default:
			entry.Info(msg)
		}
	}
}
