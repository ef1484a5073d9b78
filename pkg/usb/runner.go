package usb

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/usbipice/usbipice/pkg/util"
)

// Runner executes host commands. The exec implementation is the real one;
// tests substitute a fake.
type Runner interface {
	// Output runs a command and returns its combined output.
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

func (ExecRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		util.WithComponent("exec").Debugf("%s %s failed: %v: %s", name, strings.Join(args, " "), err, text)
		return text, fmt.Errorf("%s: %w: %s", name, err, text)
	}
	return text, nil
}
