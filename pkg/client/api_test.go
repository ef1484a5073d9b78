package client

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/usbipice/usbipice/internal/testutil"
	"github.com/usbipice/usbipice/pkg/util"
)

// fakeControl records the request bodies the API sends and answers each
// path with a canned JSON response.
type fakeControl struct {
	t         *testing.T
	responses map[string]interface{}
	bodies    map[string]map[string]interface{}
}

func newFakeControl(t *testing.T) (*fakeControl, *httptest.Server) {
	fc := &fakeControl{
		t:         t,
		responses: make(map[string]interface{}),
		bodies:    make(map[string]map[string]interface{}),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding %s body: %v", r.URL.Path, err)
		}
		fc.bodies[r.URL.Path] = body

		resp, ok := fc.responses[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return fc, srv
}

func TestAPIReserveRecordsGrants(t *testing.T) {
	ctx := testutil.Context(t)

	fc, srv := newFakeControl(t)
	fc.responses["/reserve"] = map[string]interface{}{
		"devices": []map[string]interface{}{
			{"serial": "AAA", "ip": "10.0.0.7", "server_port": 8081},
			{"serial": "BBB", "ip": "10.0.0.8", "server_port": 8081},
		},
	}

	api := NewAPI(srv.URL, "rig-1")
	serials, err := api.Reserve(ctx, 2, "usbip", map[string]interface{}{"speed": "full"})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !reflect.DeepEqual(serials, []string{"AAA", "BBB"}) {
		t.Errorf("serials = %v", serials)
	}

	body := fc.bodies["/reserve"]
	if body["client_id"] != "rig-1" || body["amount"] != 2.0 || body["reservable"] != "usbip" {
		t.Errorf("reserve body = %v", body)
	}
	args, _ := body["args"].(map[string]interface{})
	if args["speed"] != "full" {
		t.Errorf("reserve args = %v", body["args"])
	}

	info, err := api.Info("BBB")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.IP != "10.0.0.8" || info.ServerPort != 8081 {
		t.Errorf("info = %+v", info)
	}
	if got := api.Serials(); !reflect.DeepEqual(got, []string{"AAA", "BBB"}) {
		t.Errorf("Serials() = %v", got)
	}
}

func TestAPIEndForgetsSerials(t *testing.T) {
	ctx := testutil.Context(t)

	fc, srv := newFakeControl(t)
	fc.responses["/reserve"] = map[string]interface{}{
		"devices": []map[string]interface{}{
			{"serial": "AAA", "ip": "10.0.0.7", "server_port": 8081},
		},
	}
	fc.responses["/end"] = map[string]interface{}{"serials": []string{"AAA"}}

	api := NewAPI(srv.URL, "rig-1")
	if _, err := api.Reserve(ctx, 1, "usbip", nil); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	ended, err := api.End(ctx, []string{"AAA"})
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if !reflect.DeepEqual(ended, []string{"AAA"}) {
		t.Errorf("ended = %v", ended)
	}
	if _, err := api.Info("AAA"); !errors.Is(err, util.ErrNoReservation) {
		t.Errorf("Info after End = %v", err)
	}
}

func TestAPIEndAllForgetsEverything(t *testing.T) {
	ctx := testutil.Context(t)

	fc, srv := newFakeControl(t)
	fc.responses["/reserve"] = map[string]interface{}{
		"devices": []map[string]interface{}{
			{"serial": "AAA", "ip": "10.0.0.7", "server_port": 8081},
			{"serial": "BBB", "ip": "10.0.0.8", "server_port": 8081},
		},
	}
	fc.responses["/endall"] = map[string]interface{}{"serials": []string{"AAA", "BBB"}}

	api := NewAPI(srv.URL, "rig-1")
	if _, err := api.Reserve(ctx, 2, "usbip", nil); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := api.EndAll(ctx); err != nil {
		t.Fatalf("EndAll: %v", err)
	}
	if got := api.Serials(); len(got) != 0 {
		t.Errorf("Serials() = %v", got)
	}
}

func TestAPIExtendSendsSerials(t *testing.T) {
	ctx := testutil.Context(t)

	fc, srv := newFakeControl(t)
	fc.responses["/extend"] = map[string]interface{}{"serials": []string{"AAA"}}

	api := NewAPI(srv.URL, "rig-1")
	extended, err := api.Extend(ctx, []string{"AAA"})
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if !reflect.DeepEqual(extended, []string{"AAA"}) {
		t.Errorf("extended = %v", extended)
	}
	body := fc.bodies["/extend"]
	if !reflect.DeepEqual(body["serials"], []interface{}{"AAA"}) {
		t.Errorf("extend body = %v", body)
	}
}

func TestAPIErrorStatus(t *testing.T) {
	ctx := testutil.Context(t)

	_, srv := newFakeControl(t)

	api := NewAPI(srv.URL, "rig-1")
	if _, err := api.Reserve(ctx, 1, "usbip", nil); err == nil {
		t.Fatal("expected error from 404 response")
	}
}
