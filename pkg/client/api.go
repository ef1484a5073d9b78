// Package client is the library test rigs embed to reserve boards, react
// to device events and drive attached hardware.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/usbipice/usbipice/pkg/util"
)

// ConnectionInfo locates the worker hosting a reserved board.
type ConnectionInfo struct {
	IP         string `json:"ip"`
	ServerPort int    `json:"server_port"`
}

// API wraps the control server's HTTP surface and tracks which serials the
// client currently holds.
type API struct {
	controlURL string
	clientID   string
	client     *http.Client

	mu      sync.Mutex
	serials map[string]ConnectionInfo
}

// NewAPI builds the control client for clientID.
func NewAPI(controlURL, clientID string) *API {
	return &API{
		controlURL: controlURL,
		clientID:   clientID,
		client:     &http.Client{Timeout: 30 * time.Second},
		serials:    make(map[string]ConnectionInfo),
	}
}

func (a *API) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.controlURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Reserve asks for amount boards and records the grants. args rides along
// to the reservable's factory on each hosting worker; nil is fine.
func (a *API) Reserve(ctx context.Context, amount int, reservable string, args map[string]interface{}) ([]string, error) {
	var resp struct {
		Devices []struct {
			Serial     string `json:"serial"`
			IP         string `json:"ip"`
			ServerPort int    `json:"server_port"`
		} `json:"devices"`
	}
	err := a.post(ctx, "/reserve", map[string]interface{}{
		"client_id": a.clientID, "amount": amount, "reservable": reservable, "args": args,
	}, &resp)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	serials := make([]string, 0, len(resp.Devices))
	for _, dev := range resp.Devices {
		a.serials[dev.Serial] = ConnectionInfo{IP: dev.IP, ServerPort: dev.ServerPort}
		serials = append(serials, dev.Serial)
	}
	return serials, nil
}

// Extend pushes the expiry of the named reservations forward.
func (a *API) Extend(ctx context.Context, serials []string) ([]string, error) {
	var resp struct {
		Serials []string `json:"serials"`
	}
	err := a.post(ctx, "/extend", map[string]interface{}{
		"client_id": a.clientID, "serials": serials,
	}, &resp)
	return resp.Serials, err
}

// ExtendAll pushes every held reservation forward.
func (a *API) ExtendAll(ctx context.Context) ([]string, error) {
	var resp struct {
		Serials []string `json:"serials"`
	}
	err := a.post(ctx, "/extendall", map[string]interface{}{
		"client_id": a.clientID,
	}, &resp)
	return resp.Serials, err
}

// End releases the named reservations and forgets their serials.
func (a *API) End(ctx context.Context, serials []string) ([]string, error) {
	var resp struct {
		Serials []string `json:"serials"`
	}
	err := a.post(ctx, "/end", map[string]interface{}{
		"client_id": a.clientID, "serials": serials,
	}, &resp)
	if err != nil {
		return nil, err
	}
	for _, serial := range resp.Serials {
		a.RemoveSerial(serial)
	}
	return resp.Serials, nil
}

// EndAll releases everything.
func (a *API) EndAll(ctx context.Context) ([]string, error) {
	var resp struct {
		Serials []string `json:"serials"`
	}
	err := a.post(ctx, "/endall", map[string]interface{}{
		"client_id": a.clientID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	for _, serial := range resp.Serials {
		a.RemoveSerial(serial)
	}
	return resp.Serials, nil
}

// Info returns the worker coordinates for a held serial.
func (a *API) Info(serial string) (ConnectionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, ok := a.serials[serial]
	if !ok {
		return ConnectionInfo{}, fmt.Errorf("serial %s: %w", serial, util.ErrNoReservation)
	}
	return info, nil
}

// Serials lists the held serials in stable order.
func (a *API) Serials() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.serials))
	for serial := range a.serials {
		out = append(out, serial)
	}
	sort.Strings(out)
	return out
}

// RemoveSerial forgets a serial after its reservation ended.
func (a *API) RemoveSerial(serial string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.serials, serial)
}
