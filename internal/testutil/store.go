package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/usbipice/usbipice/pkg/store"
	"github.com/usbipice/usbipice/pkg/util"
)

type fakeDevice struct {
	worker string
	status store.DeviceStatus
}

type fakeReservation struct {
	clientID string
	expires  time.Time
}

// FakeStore is an in-memory store.Store for tests that don't want Redis.
type FakeStore struct {
	mu           sync.Mutex
	workers      map[string]store.WorkerInfo
	devices      map[string]*fakeDevice
	reservations map[string]*fakeReservation
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		workers:      make(map[string]store.WorkerInfo),
		devices:      make(map[string]*fakeDevice),
		reservations: make(map[string]*fakeReservation),
	}
}

func (s *FakeStore) AddWorker(ctx context.Context, name, ip string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[name] = store.WorkerInfo{
		Name: name, IP: ip, ServerPort: port, LastHeartbeat: time.Now(),
	}
	return nil
}

func (s *FakeStore) RemoveWorker(ctx context.Context, name string) ([]store.ReservationRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := s.workers[name]
	var ended []store.ReservationRef
	for serial, dev := range s.devices {
		if dev.worker != name {
			continue
		}
		if res := s.reservations[serial]; res != nil {
			ended = append(ended, store.ReservationRef{
				Serial: serial, ClientID: res.clientID,
				WorkerIP: info.IP, WorkerPort: info.ServerPort,
			})
			delete(s.reservations, serial)
		}
		delete(s.devices, serial)
	}
	delete(s.workers, name)
	return ended, nil
}

func (s *FakeStore) HeartbeatWorker(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.workers[name]
	if !ok {
		return util.ErrNotFound
	}
	info.LastHeartbeat = time.Now()
	s.workers[name] = info
	return nil
}

func (s *FakeStore) Workers(ctx context.Context) ([]store.WorkerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AgeWorker backdates a worker's heartbeat for timeout tests.
func (s *FakeStore) AgeWorker(name string, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.workers[name]
	info.LastHeartbeat = time.Now().Add(-age)
	s.workers[name] = info
}

func (s *FakeStore) AddDevice(ctx context.Context, serial, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[worker]; !ok {
		return fmt.Errorf("worker %s: %w", worker, util.ErrNotFound)
	}
	s.devices[serial] = &fakeDevice{worker: worker, status: store.StatusFlashingDefault}
	return nil
}

func (s *FakeStore) UpdateDeviceStatus(ctx context.Context, serial string, status store.DeviceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[serial]
	if !ok {
		return fmt.Errorf("device %s: %w", serial, util.ErrNotFound)
	}
	dev.status = status
	return nil
}

// DeviceStatus exposes the stored status for assertions.
func (s *FakeStore) DeviceStatus(serial string) store.DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dev := s.devices[serial]; dev != nil {
		return dev.status
	}
	return ""
}

func (s *FakeStore) DeviceWorker(ctx context.Context, serial string) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceWorkerLocked(serial)
}

func (s *FakeStore) deviceWorkerLocked(serial string) (string, int, error) {
	dev, ok := s.devices[serial]
	if !ok {
		return "", 0, fmt.Errorf("device %s: %w", serial, util.ErrNotFound)
	}
	info := s.workers[dev.worker]
	return info.IP, info.ServerPort, nil
}

func (s *FakeStore) MakeReservations(ctx context.Context, amount int, clientID string, ttl time.Duration) ([]store.ReservedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var serials []string
	for serial, dev := range s.devices {
		if dev.status == store.StatusAvailable && s.reservations[serial] == nil {
			serials = append(serials, serial)
		}
	}
	sort.Strings(serials)
	if len(serials) > amount {
		serials = serials[:amount]
	}

	reserved := make([]store.ReservedDevice, 0, len(serials))
	for _, serial := range serials {
		s.reservations[serial] = &fakeReservation{clientID: clientID, expires: time.Now().Add(ttl)}
		s.devices[serial].status = store.StatusReserved
		ip, port, _ := s.deviceWorkerLocked(serial)
		reserved = append(reserved, store.ReservedDevice{Serial: serial, IP: ip, ServerPort: port})
	}
	return reserved, nil
}

func (s *FakeStore) ExtendReservations(ctx context.Context, clientID string, serials []string, by time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var extended []string
	for _, serial := range serials {
		res := s.reservations[serial]
		if res == nil || res.clientID != clientID {
			continue
		}
		res.expires = res.expires.Add(by)
		extended = append(extended, serial)
	}
	return extended, nil
}

func (s *FakeStore) ExtendAllReservations(ctx context.Context, clientID string, by time.Duration) ([]string, error) {
	return s.ExtendReservations(ctx, clientID, s.clientSerials(clientID), by)
}

func (s *FakeStore) EndReservations(ctx context.Context, clientID string, serials []string) ([]store.ReservationRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ended []store.ReservationRef
	for _, serial := range serials {
		res := s.reservations[serial]
		if res == nil || res.clientID != clientID {
			continue
		}
		ip, port, _ := s.deviceWorkerLocked(serial)
		ended = append(ended, store.ReservationRef{
			Serial: serial, ClientID: clientID, WorkerIP: ip, WorkerPort: port,
		})
		delete(s.reservations, serial)
	}
	return ended, nil
}

func (s *FakeStore) EndAllReservations(ctx context.Context, clientID string) ([]store.ReservationRef, error) {
	return s.EndReservations(ctx, clientID, s.clientSerials(clientID))
}

func (s *FakeStore) clientSerials(clientID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var serials []string
	for serial, res := range s.reservations {
		if res.clientID == clientID {
			serials = append(serials, serial)
		}
	}
	sort.Strings(serials)
	return serials
}

func (s *FakeStore) DeviceCallback(ctx context.Context, serial string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.reservations[serial]
	if res == nil {
		return "", util.ErrNoReservation
	}
	return res.clientID, nil
}

func (s *FakeStore) WorkerTimeouts(ctx context.Context, timeout time.Duration) ([]store.TimedOutWorker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var stranded []store.TimedOutWorker
	for name, info := range s.workers {
		if !info.LastHeartbeat.Before(cutoff) {
			continue
		}
		for serial, dev := range s.devices {
			if dev.worker != name {
				continue
			}
			if res := s.reservations[serial]; res != nil {
				stranded = append(stranded, store.TimedOutWorker{
					Serial: serial, ClientID: res.clientID, Worker: name,
				})
				delete(s.reservations, serial)
			}
			dev.status = store.StatusBroken
		}
	}
	sort.Slice(stranded, func(i, j int) bool { return stranded[i].Serial < stranded[j].Serial })
	return stranded, nil
}

func (s *FakeStore) ReservationTimeouts(ctx context.Context) ([]store.ReservationRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired []store.ReservationRef
	for serial, res := range s.reservations {
		if res.expires.After(now) {
			continue
		}
		ip, port, _ := s.deviceWorkerLocked(serial)
		expired = append(expired, store.ReservationRef{
			Serial: serial, ClientID: res.clientID, WorkerIP: ip, WorkerPort: port,
		})
		delete(s.reservations, serial)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Serial < expired[j].Serial })
	return expired, nil
}

func (s *FakeStore) ReservationsEndingSoon(ctx context.Context, window time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var soon []string
	for serial, res := range s.reservations {
		if res.expires.After(now) && res.expires.Before(now.Add(window)) {
			soon = append(soon, serial)
		}
	}
	sort.Strings(soon)
	return soon, nil
}
