// Package config loads worker, control and client configuration from
// USBIPICE_* environment variables with an optional YAML file underneath.
// Environment variables win over file values.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/usbipice/usbipice/pkg/util"
)

// Worker holds the worker daemon configuration.
type Worker struct {
	Name            string   `yaml:"name"`
	Database        string   `yaml:"database"`
	ControlServer   string   `yaml:"control_server"`
	ServerPort      int      `yaml:"server_port"`
	VirtualIP       string   `yaml:"virtual_ip"`
	VirtualPort     int      `yaml:"virtual_port"`
	UsbipPort       int      `yaml:"usbip_port"`
	DefaultFirmware string   `yaml:"default_firmware"`
	PulseFirmware   string   `yaml:"pulse_firmware"`
	MediaRoot       string   `yaml:"media_root"`
	VendorIDs       []string `yaml:"vendor_ids"`
}

// Control holds the control daemon configuration.
type Control struct {
	Database string `yaml:"database"`
	Port     int    `yaml:"port"`

	HeartbeatPoll    time.Duration `yaml:"heartbeat_poll"`
	TimeoutPoll      time.Duration `yaml:"timeout_poll"`
	WorkerTimeout    time.Duration `yaml:"worker_timeout"`
	ReservationPoll  time.Duration `yaml:"reservation_poll"`
	EndingSoonPoll   time.Duration `yaml:"ending_soon_poll"`
	EndingSoonWindow time.Duration `yaml:"ending_soon_window"`
	ReserveFor       time.Duration `yaml:"reserve_for"`
	ExtendBy         time.Duration `yaml:"extend_by"`
}

// Client holds the client library configuration.
type Client struct {
	ControlServer string `yaml:"control_server"`
	Name          string `yaml:"name"`
}

// SocketPortOffset is added to an HTTP server port to obtain the port of its
// companion event-socket listener.
const SocketPortOffset = 1

func loadFile(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func envString(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		util.Warnf("%s is not a number, using %d", key, fallback)
		return fallback
	}
	return n
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		util.Warnf("%s is not a number of seconds, using %s", key, fallback)
		return fallback
	}
	return time.Duration(n) * time.Second
}

// LoadWorker builds the worker configuration. path may be empty.
func LoadWorker(path string) (*Worker, error) {
	cfg := &Worker{}
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}

	cfg.Name = envString("USBIPICE_WORKER_NAME", cfg.Name)
	if cfg.Name == "" {
		cfg.Name = os.Getenv("HOSTNAME")
		if cfg.Name != "" {
			util.Warnf("USBIPICE_WORKER_NAME not set, using hostname %s", cfg.Name)
		}
	}
	if cfg.Name == "" {
		return nil, util.NewConfigError("USBIPICE_WORKER_NAME", "no worker name and no HOSTNAME")
	}

	cfg.Database = envString("USBIPICE_DATABASE", cfg.Database)
	if cfg.Database == "" {
		return nil, util.NewConfigError("USBIPICE_DATABASE", "set this to the redis store address")
	}

	cfg.ControlServer = envString("USBIPICE_CONTROL_SERVER", cfg.ControlServer)
	if cfg.ControlServer == "" {
		return nil, util.NewConfigError("USBIPICE_CONTROL_SERVER", "control server base URL")
	}

	cfg.ServerPort = envInt("USBIPICE_SERVER_PORT", nonZero(cfg.ServerPort, 8081))
	cfg.VirtualPort = envInt("USBIPICE_VIRTUAL_PORT", nonZero(cfg.VirtualPort, cfg.ServerPort))
	cfg.VirtualIP = envString("USBIPICE_VIRTUAL_IP", cfg.VirtualIP)
	if cfg.VirtualIP == "" {
		cfg.VirtualIP = util.LocalIP()
		util.Warnf("USBIPICE_VIRTUAL_IP not set, using %s", cfg.VirtualIP)
	}
	cfg.UsbipPort = envInt("USBIPICE_USBIP_PORT", nonZero(cfg.UsbipPort, 3240))

	cfg.DefaultFirmware = envString("USBIPICE_DEFAULT", cfg.DefaultFirmware)
	if cfg.DefaultFirmware == "" {
		return nil, util.NewConfigError("USBIPICE_DEFAULT", "path to the default firmware image")
	}
	cfg.PulseFirmware = envString("USBIPICE_PULSE_COUNT", cfg.PulseFirmware)

	if cfg.MediaRoot == "" {
		cfg.MediaRoot = "worker_media"
	}
	if len(cfg.VendorIDs) == 0 {
		cfg.VendorIDs = []string{"2e8a", "1209"}
	}

	return cfg, nil
}

// SocketPort returns the port of the worker's event-socket listener.
func (w *Worker) SocketPort() int {
	return w.ServerPort + SocketPortOffset
}

// LoadControl builds the control configuration. path may be empty.
func LoadControl(path string) (*Control, error) {
	cfg := &Control{}
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}

	cfg.Database = envString("USBIPICE_DATABASE", cfg.Database)
	if cfg.Database == "" {
		return nil, util.NewConfigError("USBIPICE_DATABASE", "set this to the redis store address")
	}

	cfg.Port = envInt("USBIPICE_CONTROL_PORT", nonZero(cfg.Port, 8080))

	cfg.HeartbeatPoll = envSeconds("USBIPICE_HEARTBEAT_POLL", nonZeroDur(cfg.HeartbeatPoll, 15*time.Second))
	cfg.TimeoutPoll = envSeconds("USBIPICE_TIMEOUT_POLL", nonZeroDur(cfg.TimeoutPoll, 15*time.Second))
	cfg.WorkerTimeout = envSeconds("USBIPICE_WORKER_TIMEOUT", nonZeroDur(cfg.WorkerTimeout, 60*time.Second))
	cfg.ReservationPoll = envSeconds("USBIPICE_RESERVATION_POLL", nonZeroDur(cfg.ReservationPoll, 30*time.Second))
	cfg.EndingSoonPoll = envSeconds("USBIPICE_ENDING_SOON_POLL", nonZeroDur(cfg.EndingSoonPoll, 300*time.Second))
	cfg.EndingSoonWindow = envSeconds("USBIPICE_ENDING_SOON_WINDOW", nonZeroDur(cfg.EndingSoonWindow, 20*time.Minute))
	cfg.ReserveFor = envSeconds("USBIPICE_RESERVE_SECONDS", nonZeroDur(cfg.ReserveFor, time.Hour))
	cfg.ExtendBy = envSeconds("USBIPICE_EXTEND_SECONDS", nonZeroDur(cfg.ExtendBy, time.Hour))

	return cfg, nil
}

// SocketPort returns the port of the control event-socket listener.
func (c *Control) SocketPort() int {
	return c.Port + SocketPortOffset
}

// LoadClient builds the client configuration.
func LoadClient(name string) (*Client, error) {
	cfg := &Client{Name: name}

	cfg.ControlServer = os.Getenv("USBIPICE_CONTROL_SERVER")
	if cfg.ControlServer == "" {
		return nil, util.NewConfigError("USBIPICE_CONTROL_SERVER", "control server base URL")
	}
	if cfg.Name == "" {
		return nil, util.NewConfigError("client name", "every client needs a stable name")
	}

	return cfg, nil
}

func nonZero(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func nonZeroDur(v, fallback time.Duration) time.Duration {
	if v != 0 {
		return v
	}
	return fallback
}
