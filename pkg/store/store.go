// Package store is the source of truth for workers, devices and
// reservations. The contract mirrors the stored procedures of the original
// deployment; the shipped implementation keeps everything in Redis.
package store

import (
	"context"
	"time"
)

// DeviceStatus enumerates the persisted lifecycle states of a device.
type DeviceStatus string

const (
	StatusAvailable         DeviceStatus = "available"
	StatusReserved          DeviceStatus = "reserved"
	StatusAwaitFlashDefault DeviceStatus = "await_flash_default"
	StatusFlashingDefault   DeviceStatus = "flashing_default"
	StatusTesting           DeviceStatus = "testing"
	StatusBroken            DeviceStatus = "broken"
)

// WorkerInfo describes a registered worker.
type WorkerInfo struct {
	Name          string
	IP            string
	ServerPort    int
	LastHeartbeat time.Time
}

// ReservedDevice is a freshly reserved device with its worker's address.
type ReservedDevice struct {
	Serial     string
	IP         string
	ServerPort int
}

// ReservationRef identifies a reservation together with its routing
// endpoints. ClientID may be empty where the caller already knows it.
type ReservationRef struct {
	Serial     string
	ClientID   string
	WorkerIP   string
	WorkerPort int
}

// TimedOutWorker is one reservation stranded by a dead worker.
type TimedOutWorker struct {
	Serial   string
	ClientID string
	Worker   string
}

// Store is the reservation fabric's persistence contract. Every method maps
// to one named operation of the original store; implementations must keep
// the at-most-one-active-reservation-per-serial invariant.
type Store interface {
	// Worker lifecycle.
	AddWorker(ctx context.Context, name, ip string, port int) error
	RemoveWorker(ctx context.Context, name string) ([]ReservationRef, error)
	HeartbeatWorker(ctx context.Context, name string) error
	Workers(ctx context.Context) ([]WorkerInfo, error)

	// Device lifecycle.
	AddDevice(ctx context.Context, serial, worker string) error
	UpdateDeviceStatus(ctx context.Context, serial string, status DeviceStatus) error
	DeviceWorker(ctx context.Context, serial string) (ip string, port int, err error)

	// Reservations.
	MakeReservations(ctx context.Context, amount int, clientID string, ttl time.Duration) ([]ReservedDevice, error)
	ExtendReservations(ctx context.Context, clientID string, serials []string, by time.Duration) ([]string, error)
	ExtendAllReservations(ctx context.Context, clientID string, by time.Duration) ([]string, error)
	EndReservations(ctx context.Context, clientID string, serials []string) ([]ReservationRef, error)
	EndAllReservations(ctx context.Context, clientID string) ([]ReservationRef, error)

	// Event routing.
	DeviceCallback(ctx context.Context, serial string) (clientID string, err error)

	// Scheduled sweeps.
	WorkerTimeouts(ctx context.Context, timeout time.Duration) ([]TimedOutWorker, error)
	ReservationTimeouts(ctx context.Context) ([]ReservationRef, error)
	ReservationsEndingSoon(ctx context.Context, window time.Duration) ([]string, error)
}
