package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setWorkerEnv(t *testing.T) {
	t.Setenv("USBIPICE_WORKER_NAME", "bench-1")
	t.Setenv("USBIPICE_DATABASE", "localhost:6379")
	t.Setenv("USBIPICE_CONTROL_SERVER", "http://control:8080")
	t.Setenv("USBIPICE_DEFAULT", "/opt/firmware/default.uf2")
}

func TestLoadWorkerFromEnv(t *testing.T) {
	setWorkerEnv(t)
	t.Setenv("USBIPICE_SERVER_PORT", "9001")
	t.Setenv("USBIPICE_VIRTUAL_IP", "10.0.0.7")

	cfg, err := LoadWorker("")
	if err != nil {
		t.Fatalf("LoadWorker: %v", err)
	}

	if cfg.Name != "bench-1" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.ServerPort != 9001 {
		t.Errorf("ServerPort = %d", cfg.ServerPort)
	}
	if cfg.SocketPort() != 9002 {
		t.Errorf("SocketPort() = %d", cfg.SocketPort())
	}
	if cfg.VirtualIP != "10.0.0.7" {
		t.Errorf("VirtualIP = %q", cfg.VirtualIP)
	}
	if cfg.VirtualPort != 9001 {
		t.Errorf("VirtualPort should default to ServerPort, got %d", cfg.VirtualPort)
	}
	if len(cfg.VendorIDs) != 2 {
		t.Errorf("VendorIDs = %v", cfg.VendorIDs)
	}
}

func TestLoadWorkerMissingDatabase(t *testing.T) {
	t.Setenv("USBIPICE_WORKER_NAME", "bench-1")
	t.Setenv("USBIPICE_DATABASE", "")
	t.Setenv("USBIPICE_CONTROL_SERVER", "http://control:8080")
	t.Setenv("USBIPICE_DEFAULT", "/opt/firmware/default.uf2")

	if _, err := LoadWorker(""); err == nil {
		t.Fatal("expected error without USBIPICE_DATABASE")
	}
}

func TestWorkerEnvOverridesFile(t *testing.T) {
	setWorkerEnv(t)
	t.Setenv("USBIPICE_SERVER_PORT", "7000")

	path := filepath.Join(t.TempDir(), "worker.yaml")
	data := []byte("server_port: 6000\nmedia_root: /var/lib/usbipice\nvendor_ids: [\"2e8a\"]\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWorker(path)
	if err != nil {
		t.Fatalf("LoadWorker: %v", err)
	}
	if cfg.ServerPort != 7000 {
		t.Errorf("env should win over file, got %d", cfg.ServerPort)
	}
	if cfg.MediaRoot != "/var/lib/usbipice" {
		t.Errorf("MediaRoot = %q", cfg.MediaRoot)
	}
	if len(cfg.VendorIDs) != 1 || cfg.VendorIDs[0] != "2e8a" {
		t.Errorf("VendorIDs = %v", cfg.VendorIDs)
	}
}

func TestLoadControlDefaults(t *testing.T) {
	t.Setenv("USBIPICE_DATABASE", "localhost:6379")

	cfg, err := LoadControl("")
	if err != nil {
		t.Fatalf("LoadControl: %v", err)
	}

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"HeartbeatPoll", cfg.HeartbeatPoll, 15 * time.Second},
		{"TimeoutPoll", cfg.TimeoutPoll, 15 * time.Second},
		{"WorkerTimeout", cfg.WorkerTimeout, 60 * time.Second},
		{"ReservationPoll", cfg.ReservationPoll, 30 * time.Second},
		{"EndingSoonPoll", cfg.EndingSoonPoll, 300 * time.Second},
		{"EndingSoonWindow", cfg.EndingSoonWindow, 20 * time.Minute},
		{"ReserveFor", cfg.ReserveFor, time.Hour},
		{"ExtendBy", cfg.ExtendBy, time.Hour},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d", cfg.Port)
	}
}

func TestLoadControlEnvSeconds(t *testing.T) {
	t.Setenv("USBIPICE_DATABASE", "localhost:6379")
	t.Setenv("USBIPICE_WORKER_TIMEOUT", "120")

	cfg, err := LoadControl("")
	if err != nil {
		t.Fatalf("LoadControl: %v", err)
	}
	if cfg.WorkerTimeout != 2*time.Minute {
		t.Errorf("WorkerTimeout = %v", cfg.WorkerTimeout)
	}
}

func TestLoadClient(t *testing.T) {
	t.Setenv("USBIPICE_CONTROL_SERVER", "http://control:8080")

	cfg, err := LoadClient("lab-client")
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if cfg.Name != "lab-client" || cfg.ControlServer != "http://control:8080" {
		t.Errorf("cfg = %+v", cfg)
	}

	if _, err := LoadClient(""); err == nil {
		t.Error("expected error for empty client name")
	}
}
