// Package control runs the reservation brokers: it owns the store, calls
// out to workers, sweeps timeouts and pushes reservation events to clients.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/usbipice/usbipice/pkg/util"
)

// WorkerAPI is the slice of the worker HTTP surface the control plane
// calls. Implemented over HTTP in production, faked in tests.
type WorkerAPI interface {
	Reserve(ctx context.Context, ip string, port int, serial, reservable string, args map[string]interface{}) error
	Unreserve(ctx context.Context, ip string, port int, serial string) error
	Heartbeat(ctx context.Context, ip string, port int) error
}

// httpWorkers talks to worker daemons over their HTTP API.
type httpWorkers struct {
	client *http.Client
}

// NewWorkerAPI builds the production worker client.
func NewWorkerAPI() WorkerAPI {
	return &httpWorkers{client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *httpWorkers) post(ctx context.Context, ip string, port int, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s%s", util.FormatAddr(ip, port), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker %s%s: status %d", util.FormatAddr(ip, port), path, resp.StatusCode)
	}
	return nil
}

func (w *httpWorkers) Reserve(ctx context.Context, ip string, port int, serial, reservable string, args map[string]interface{}) error {
	return w.post(ctx, ip, port, "/reserve", map[string]interface{}{
		"serial": serial, "reservable": reservable, "args": args,
	})
}

func (w *httpWorkers) Unreserve(ctx context.Context, ip string, port int, serial string) error {
	return w.post(ctx, ip, port, "/unreserve", map[string]string{"serial": serial})
}

func (w *httpWorkers) Heartbeat(ctx context.Context, ip string, port int) error {
	url := fmt.Sprintf("http://%s/heartbeat", util.FormatAddr(ip, port))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker %s: heartbeat status %d", util.FormatAddr(ip, port), resp.StatusCode)
	}
	return nil
}
