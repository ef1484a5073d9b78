package usb

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"

	"github.com/usbipice/usbipice/pkg/util"
)

// UdevObserver streams post-udev hotplug events by following
// `udevadm monitor`. Unlike the raw kernel feed these events carry the
// ID_* properties filled in by udev rules, serial number included.
type UdevObserver struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	events chan Event
}

// NewUdevObserver spawns the monitor subprocess and starts parsing.
func NewUdevObserver(ctx context.Context) (*UdevObserver, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, "udevadm", "monitor",
		"--udev", "--property", "--subsystem-match=usb", "--subsystem-match=tty")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}

	o := &UdevObserver{
		cmd:    cmd,
		cancel: cancel,
		events: make(chan Event, 16),
	}
	go o.parse(stdout)
	return o, nil
}

func (o *UdevObserver) Events() <-chan Event {
	return o.events
}

func (o *UdevObserver) Close() error {
	o.cancel()
	return o.cmd.Wait()
}

// parse accumulates KEY=VALUE lines into property blocks; a blank line
// closes the block and a header line opens the next one.
func (o *UdevObserver) parse(r io.Reader) {
	defer close(o.events)

	props := Properties{}
	flush := func() {
		if props.Action() != "" {
			select {
			case o.events <- Event{Action: props.Action(), Properties: props}:
			default:
				util.WithComponent("udev").Warn("event channel full, dropping hotplug event")
			}
		}
		props = Properties{}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			flush()
		case strings.Contains(line, "="):
			idx := strings.IndexByte(line, '=')
			props[line[:idx]] = line[idx+1:]
		default:
			// monitor header ("UDEV [ts] add /devices/... (usb)")
			flush()
		}
	}
	flush()
}

// ScanDevices snapshots the udev database and returns the property block
// of every current device. The daemons use it to pick up boards that were
// plugged in before they started.
func ScanDevices(ctx context.Context, runner Runner) ([]Properties, error) {
	if runner == nil {
		runner = ExecRunner{}
	}
	out, err := runner.Output(ctx, "udevadm", "info", "--export-db")
	if err != nil {
		return nil, err
	}
	return parseExportDB(out), nil
}

// parseExportDB reads `udevadm info --export-db` output, where each device
// block is blank-line separated and properties carry an "E: " prefix.
func parseExportDB(out string) []Properties {
	var devices []Properties
	props := Properties{}
	flush := func() {
		if len(props) > 0 {
			devices = append(devices, props)
		}
		props = Properties{}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		if !strings.HasPrefix(line, "E: ") {
			continue
		}
		kv := line[3:]
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			props[kv[:idx]] = kv[idx+1:]
		}
	}
	flush()
	return devices
}
