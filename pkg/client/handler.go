package client

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/usbipice/usbipice/pkg/util"
)

// HandlerFunc receives the projected fields of one event, in the order
// they were registered.
type HandlerFunc func(args []interface{})

type handler struct {
	fields []string
	fn     HandlerFunc
	last   bool
}

// Handlers dispatches incoming device events. Handlers for the same event
// run in registration order, except that cleanup handlers registered with
// registerLast always run after the rest.
type Handlers struct {
	mu      sync.Mutex
	byEvent map[string][]handler
	log     *logrus.Entry
}

// NewHandlers builds an empty registry.
func NewHandlers() *Handlers {
	return &Handlers{
		byEvent: make(map[string][]handler),
		log:     util.WithComponent("events"),
	}
}

// Register runs fn for every event of the given name, passing the named
// fields. "serial" is always available as a field.
func (h *Handlers) Register(event string, fields []string, fn HandlerFunc) {
	h.add(event, handler{fields: fields, fn: fn})
}

// registerLast pins fn after every normal handler for the event, so
// user handlers observe a serial before cleanup forgets it.
func (h *Handlers) registerLast(event string, fields []string, fn HandlerFunc) {
	h.add(event, handler{fields: fields, fn: fn, last: true})
}

func (h *Handlers) add(event string, hd handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hd.last {
		h.byEvent[event] = append(h.byEvent[event], hd)
		return
	}
	// insert before the pinned tail
	list := h.byEvent[event]
	i := len(list)
	for i > 0 && list[i-1].last {
		i--
	}
	list = append(list, handler{})
	copy(list[i+1:], list[i:])
	list[i] = hd
	h.byEvent[event] = list
}

// Dispatch projects the event's contents onto each registered handler. A
// handler whose fields are missing is skipped with a warning; the others
// still run.
func (h *Handlers) Dispatch(serial, event string, contents map[string]interface{}) {
	merged := make(map[string]interface{}, len(contents)+1)
	for k, v := range contents {
		merged[k] = v
	}
	merged["serial"] = serial

	h.mu.Lock()
	list := append([]handler(nil), h.byEvent[event]...)
	h.mu.Unlock()

	for _, hd := range list {
		args := make([]interface{}, 0, len(hd.fields))
		ok := true
		for _, field := range hd.fields {
			v, present := merged[field]
			if !present {
				h.log.Warnf("%s event for %s missing field %q", event, serial, field)
				ok = false
				break
			}
			args = append(args, v)
		}
		if ok {
			hd.fn(args)
		}
	}
}
