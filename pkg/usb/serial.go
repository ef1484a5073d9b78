package usb

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/usbipice/usbipice/pkg/util"
)

// ConsoleOpener yields a serial console on devnode at the given baud rate.
// The exec implementation is OpenConsole; tests substitute a pipe.
type ConsoleOpener func(ctx context.Context, devnode string, baud int) (io.ReadWriteCloser, error)

// OpenConsole configures devnode with stty and opens it raw.
func OpenConsole(ctx context.Context, devnode string, baud int) (io.ReadWriteCloser, error) {
	runner := ExecRunner{}
	_, err := runner.Output(ctx, "stty", "-F", devnode, strconv.Itoa(baud), "raw", "-echo")
	if err != nil {
		return nil, fmt.Errorf("configure %s: %w", devnode, err)
	}
	f, err := os.OpenFile(devnode, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ExpectString reads r until want appears as a substring or timeout
// elapses. The reader goroutine keeps draining until r is closed, so the
// caller must close r after a timeout.
func ExpectString(r io.Reader, want string, timeout time.Duration) error {
	found := make(chan struct{})
	go func() {
		var seen strings.Builder
		buf := make([]byte, 256)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				seen.Write(buf[:n])
				if strings.Contains(seen.String(), want) {
					close(found)
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-found:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%q not seen within %s: %w", want, timeout, util.ErrPreconditionFailed)
	}
}

// WriteChunked streams data in fixed-size chunks with a pause between
// them, pacing transfers that overrun the board's UART buffer otherwise.
func WriteChunked(w io.Writer, data []byte, chunk int, delay time.Duration) error {
	for len(data) > 0 {
		n := chunk
		if n > len(data) {
			n = len(data)
		}
		if _, err := w.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
		time.Sleep(delay)
	}
	return nil
}

// ReadLines streams lines from r until it closes, then closes the channel.
func ReadLines(r io.Reader) <-chan string {
	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
