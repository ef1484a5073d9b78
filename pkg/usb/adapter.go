package usb

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Port is one attached remote device as reported by `usbip port`.
type Port struct {
	ID    int
	Host  string
	BusID string
}

// Adapter is the usbip and serial-console surface the daemons drive.
type Adapter interface {
	// Bind detaches busid from its host driver and exports it.
	Bind(ctx context.Context, busid string) error
	// Unbind returns busid to the host driver.
	Unbind(ctx context.Context, busid string) error
	// Attach imports busid from a remote usbip daemon.
	Attach(ctx context.Context, host string, port int, busid string) error
	// Detach releases an imported port.
	Detach(ctx context.Context, portID int) error
	// Ports lists currently imported devices.
	Ports(ctx context.Context) ([]Port, error)
	// SendBootloader reboots the board on devnode into its UF2 bootloader.
	SendBootloader(ctx context.Context, devnode string) error
}

// ExecAdapter drives the stock usbip and picocom binaries.
type ExecAdapter struct {
	runner Runner
}

// NewExecAdapter wraps runner; a nil runner gets the real ExecRunner.
func NewExecAdapter(runner Runner) *ExecAdapter {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &ExecAdapter{runner: runner}
}

func (a *ExecAdapter) Bind(ctx context.Context, busid string) error {
	_, err := a.runner.Output(ctx, "usbip", "bind", "-b", busid)
	return err
}

func (a *ExecAdapter) Unbind(ctx context.Context, busid string) error {
	_, err := a.runner.Output(ctx, "usbip", "unbind", "-b", busid)
	return err
}

func (a *ExecAdapter) Attach(ctx context.Context, host string, port int, busid string) error {
	_, err := a.runner.Output(ctx, "usbip",
		"--tcp-port", strconv.Itoa(port), "attach", "-r", host, "-b", busid)
	return err
}

func (a *ExecAdapter) Detach(ctx context.Context, portID int) error {
	_, err := a.runner.Output(ctx, "usbip", "detach", "-p", strconv.Itoa(portID))
	return err
}

func (a *ExecAdapter) Ports(ctx context.Context) ([]Port, error) {
	out, err := a.runner.Output(ctx, "usbip", "port")
	if err != nil {
		return nil, err
	}
	return parsePorts(out), nil
}

// SendBootloader opens the console at 1200 baud, which RP2040-style boards
// treat as a reboot-to-bootloader request.
func (a *ExecAdapter) SendBootloader(ctx context.Context, devnode string) error {
	_, err := a.runner.Output(ctx, "picocom", "--baud", "1200", "--quiet",
		"--exit-after", "100", devnode)
	if err != nil {
		return fmt.Errorf("bootloader trigger on %s: %w", devnode, err)
	}
	return nil
}

var (
	portHeader = regexp.MustCompile(`^Port (\d+):`)
	portRemote = regexp.MustCompile(`-> usbip://([^:/]+):(\d+)/(\S+)`)
)

// parsePorts reads `usbip port` output:
//
//	Port 00: <Port in Use> at Full Speed(12Mbps)
//	       Raspberry Pi : Pico (2e8a:000a)
//	       3-1 -> usbip://10.0.0.7:3240/1-1.4
func parsePorts(out string) []Port {
	var ports []Port
	current := -1
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if m := portHeader.FindStringSubmatch(line); m != nil {
			current, _ = strconv.Atoi(m[1])
			continue
		}
		if m := portRemote.FindStringSubmatch(line); m != nil && current >= 0 {
			ports = append(ports, Port{ID: current, Host: m[1], BusID: m[3]})
			current = -1
		}
	}
	return ports
}
