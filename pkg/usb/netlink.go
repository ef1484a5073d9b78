package usb

import (
	"bytes"
	"strings"
	"syscall"
	"time"

	"github.com/usbipice/usbipice/pkg/util"
)

const netlinkKObjectUEvent = 15

// KernelObserver reads raw kernel uevents from the NETLINK_KOBJECT_UEVENT
// broadcast group. Kernel events arrive before udev has attached ID_*
// properties, which makes them the fastest signal that a device vanished.
type KernelObserver struct {
	fd     int
	events chan Event
	done   chan struct{}
}

// NewKernelObserver opens the netlink socket and starts the read loop.
func NewKernelObserver() (*KernelObserver, error) {
	fd, err := syscall.Socket(
		syscall.AF_NETLINK,
		syscall.SOCK_DGRAM|syscall.SOCK_CLOEXEC|syscall.SOCK_NONBLOCK,
		netlinkKObjectUEvent,
	)
	if err != nil {
		return nil, err
	}

	addr := syscall.SockaddrNetlink{
		Family: syscall.AF_NETLINK,
		Groups: 1, // kernel broadcast group
	}
	if err := syscall.Bind(fd, &addr); err != nil {
		syscall.Close(fd)
		return nil, err
	}

	o := &KernelObserver{
		fd:     fd,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	go o.readLoop()
	return o, nil
}

func (o *KernelObserver) Events() <-chan Event {
	return o.events
}

func (o *KernelObserver) Close() error {
	close(o.done)
	return syscall.Close(o.fd)
}

func (o *KernelObserver) readLoop() {
	defer close(o.events)

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-o.done:
			return
		default:
		}

		n, err := syscall.Read(o.fd, buf)
		if err != nil {
			if err == syscall.EAGAIN {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return
		}
		if n <= 0 {
			continue
		}

		props := parseUEvent(buf[:n])
		if props.Action() == "" {
			continue
		}
		select {
		case o.events <- Event{Action: props.Action(), Properties: props}:
		default:
			util.WithComponent("netlink").Warn("event channel full, dropping kernel event")
		}
	}
}

// parseUEvent splits a netlink uevent message into properties. The first
// NUL-terminated token is "action@devpath"; the rest are KEY=VALUE pairs.
func parseUEvent(data []byte) Properties {
	props := Properties{}
	for _, tok := range bytes.Split(data, []byte{0}) {
		if len(tok) == 0 {
			continue
		}
		s := string(tok)
		idx := strings.IndexByte(s, '=')
		if idx < 0 {
			if at := strings.IndexByte(s, '@'); at > 0 {
				if props["ACTION"] == "" {
					props["ACTION"] = s[:at]
				}
				if props["DEVPATH"] == "" {
					props["DEVPATH"] = s[at+1:]
				}
			}
			continue
		}
		props[s[:idx]] = s[idx+1:]
	}
	return props
}
