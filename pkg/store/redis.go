package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/usbipice/usbipice/pkg/util"
)

// Key layout:
//
//	workers                  set of worker names
//	worker:<name>            hash {ip, server_port, last_heartbeat}
//	worker:<name>:devices    set of serials
//	device:<serial>          hash {worker, status}
//	devices:available        set of serials with status=available
//	res:<serial>             hash {client_id, created_at, expires_at}
//	client:<id>:res          set of serials reserved by the client
//	res:expiry               zset serial -> expires_at (unix seconds)
const (
	keyWorkers   = "workers"
	keyAvailable = "devices:available"
	keyExpiry    = "res:expiry"
)

func keyWorker(name string) string        { return "worker:" + name }
func keyWorkerDevices(name string) string { return "worker:" + name + ":devices" }
func keyDevice(serial string) string      { return "device:" + serial }
func keyReservation(serial string) string { return "res:" + serial }
func keyClient(clientID string) string    { return "client:" + clientID + ":res" }

// Redis implements Store on a single Redis instance.
type Redis struct {
	client *redis.Client
	log    *logrus.Entry
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to store at %s: %w", addr, err)
	}
	return &Redis{
		client: client,
		log:    util.WithComponent("store"),
	}, nil
}

// Close releases the underlying connection pool.
func (s *Redis) Close() error {
	return s.client.Close()
}

// AddWorker registers or refreshes a worker record.
func (s *Redis) AddWorker(ctx context.Context, name, ip string, port int) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, keyWorkers, name)
	pipe.HSet(ctx, keyWorker(name), map[string]interface{}{
		"ip":             ip,
		"server_port":    port,
		"last_heartbeat": time.Now().Unix(),
	})
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveWorker deletes a worker and all of its devices. Active reservations
// under the worker are ended and returned so the caller can notify clients.
func (s *Redis) RemoveWorker(ctx context.Context, name string) ([]ReservationRef, error) {
	serials, err := s.client.SMembers(ctx, keyWorkerDevices(name)).Result()
	if err != nil {
		return nil, err
	}
	ip, port, _ := s.workerAddr(ctx, name)

	var ended []ReservationRef
	for _, serial := range serials {
		clientID, err := s.client.HGet(ctx, keyReservation(serial), "client_id").Result()
		if err == nil && clientID != "" {
			ended = append(ended, ReservationRef{
				Serial: serial, ClientID: clientID, WorkerIP: ip, WorkerPort: port,
			})
			s.dropReservation(ctx, clientID, serial)
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, keyDevice(serial))
		pipe.SRem(ctx, keyAvailable, serial)
		pipe.Exec(ctx)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keyWorker(name))
	pipe.Del(ctx, keyWorkerDevices(name))
	pipe.SRem(ctx, keyWorkers, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return ended, err
	}
	return ended, nil
}

// HeartbeatWorker records a successful health probe.
func (s *Redis) HeartbeatWorker(ctx context.Context, name string) error {
	ok, err := s.client.SIsMember(ctx, keyWorkers, name).Result()
	if err != nil {
		return err
	}
	if !ok {
		return util.ErrNotFound
	}
	return s.client.HSet(ctx, keyWorker(name), "last_heartbeat", time.Now().Unix()).Err()
}

// Workers lists every registered worker.
func (s *Redis) Workers(ctx context.Context) ([]WorkerInfo, error) {
	names, err := s.client.SMembers(ctx, keyWorkers).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	workers := make([]WorkerInfo, 0, len(names))
	for _, name := range names {
		fields, err := s.client.HGetAll(ctx, keyWorker(name)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		port, _ := strconv.Atoi(fields["server_port"])
		hb, _ := strconv.ParseInt(fields["last_heartbeat"], 10, 64)
		workers = append(workers, WorkerInfo{
			Name:          name,
			IP:            fields["ip"],
			ServerPort:    port,
			LastHeartbeat: time.Unix(hb, 0),
		})
	}
	return workers, nil
}

// AddDevice creates a device row owned by worker. Adding an existing serial
// is a no-op refresh.
func (s *Redis) AddDevice(ctx context.Context, serial, worker string) error {
	ok, err := s.client.SIsMember(ctx, keyWorkers, worker).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("add device %s: worker %s: %w", serial, worker, util.ErrNotFound)
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, keyWorkerDevices(worker), serial)
	pipe.HSet(ctx, keyDevice(serial), map[string]interface{}{
		"worker": worker,
		"status": string(StatusFlashingDefault),
	})
	_, err = pipe.Exec(ctx)
	return err
}

// UpdateDeviceStatus persists a device's lifecycle status and maintains the
// availability index.
func (s *Redis) UpdateDeviceStatus(ctx context.Context, serial string, status DeviceStatus) error {
	exists, err := s.client.Exists(ctx, keyDevice(serial)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("device %s: %w", serial, util.ErrNotFound)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, keyDevice(serial), "status", string(status))
	if status == StatusAvailable {
		pipe.SAdd(ctx, keyAvailable, serial)
	} else {
		pipe.SRem(ctx, keyAvailable, serial)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// DeviceWorker resolves the address of the worker hosting serial.
func (s *Redis) DeviceWorker(ctx context.Context, serial string) (string, int, error) {
	worker, err := s.client.HGet(ctx, keyDevice(serial), "worker").Result()
	if err == redis.Nil {
		return "", 0, fmt.Errorf("device %s: %w", serial, util.ErrNotFound)
	}
	if err != nil {
		return "", 0, err
	}
	return s.workerAddr(ctx, worker)
}

func (s *Redis) workerAddr(ctx context.Context, name string) (string, int, error) {
	fields, err := s.client.HGetAll(ctx, keyWorker(name)).Result()
	if err != nil {
		return "", 0, err
	}
	if len(fields) == 0 {
		return "", 0, fmt.Errorf("worker %s: %w", name, util.ErrNotFound)
	}
	port, _ := strconv.Atoi(fields["server_port"])
	return fields["ip"], port, nil
}

// MakeReservations reserves up to amount available devices for clientID.
// Selection is deterministic by serial order. Fewer devices than requested
// is not an error.
func (s *Redis) MakeReservations(ctx context.Context, amount int, clientID string, ttl time.Duration) ([]ReservedDevice, error) {
	candidates, err := s.client.SMembers(ctx, keyAvailable).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(candidates)

	now := time.Now()
	expires := now.Add(ttl)

	var reserved []ReservedDevice
	for _, serial := range candidates {
		if len(reserved) >= amount {
			break
		}
		if err := s.reserveOne(ctx, serial, clientID, now, expires); err != nil {
			// lost the race for this serial, try the next one
			continue
		}
		ip, port, err := s.DeviceWorker(ctx, serial)
		if err != nil {
			s.log.Warnf("reserved %s but worker lookup failed: %v", serial, err)
			continue
		}
		reserved = append(reserved, ReservedDevice{Serial: serial, IP: ip, ServerPort: port})
	}
	return reserved, nil
}

func (s *Redis) reserveOne(ctx context.Context, serial, clientID string, now, expires time.Time) error {
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, keyReservation(serial)).Result()
		if err != nil {
			return err
		}
		if exists != 0 {
			return util.ErrAlreadyReserved
		}
		ok, err := tx.SIsMember(ctx, keyAvailable, serial).Result()
		if err != nil {
			return err
		}
		if !ok {
			return util.ErrNotFound
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, keyReservation(serial), map[string]interface{}{
				"client_id":  clientID,
				"created_at": now.Unix(),
				"expires_at": expires.Unix(),
			})
			pipe.SAdd(ctx, keyClient(clientID), serial)
			pipe.ZAdd(ctx, keyExpiry, &redis.Z{Score: float64(expires.Unix()), Member: serial})
			pipe.HSet(ctx, keyDevice(serial), "status", string(StatusReserved))
			pipe.SRem(ctx, keyAvailable, serial)
			return nil
		})
		return err
	}, keyReservation(serial), keyAvailable)
}

// ExtendReservations shifts expires_at forward by `by` for each serial that
// clientID holds. Returns the serials actually extended.
func (s *Redis) ExtendReservations(ctx context.Context, clientID string, serials []string, by time.Duration) ([]string, error) {
	extended := make([]string, 0, len(serials))
	for _, serial := range serials {
		fields, err := s.client.HGetAll(ctx, keyReservation(serial)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		if fields["client_id"] != clientID {
			continue
		}
		old, _ := strconv.ParseInt(fields["expires_at"], 10, 64)
		next := time.Unix(old, 0).Add(by).Unix()

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, keyReservation(serial), "expires_at", next)
		pipe.ZAdd(ctx, keyExpiry, &redis.Z{Score: float64(next), Member: serial})
		if _, err := pipe.Exec(ctx); err != nil {
			continue
		}
		extended = append(extended, serial)
	}
	return extended, nil
}

// ExtendAllReservations extends every reservation clientID holds.
func (s *Redis) ExtendAllReservations(ctx context.Context, clientID string, by time.Duration) ([]string, error) {
	serials, err := s.client.SMembers(ctx, keyClient(clientID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(serials)
	return s.ExtendReservations(ctx, clientID, serials, by)
}

// EndReservations deletes the reservations clientID holds on serials.
// Unknown or foreign serials are skipped, which makes the call idempotent.
func (s *Redis) EndReservations(ctx context.Context, clientID string, serials []string) ([]ReservationRef, error) {
	ended := make([]ReservationRef, 0, len(serials))
	for _, serial := range serials {
		owner, err := s.client.HGet(ctx, keyReservation(serial), "client_id").Result()
		if err != nil || owner != clientID {
			continue
		}
		ip, port, _ := s.DeviceWorker(ctx, serial)
		s.dropReservation(ctx, clientID, serial)
		ended = append(ended, ReservationRef{
			Serial: serial, ClientID: clientID, WorkerIP: ip, WorkerPort: port,
		})
	}
	return ended, nil
}

// EndAllReservations ends every reservation clientID holds.
func (s *Redis) EndAllReservations(ctx context.Context, clientID string) ([]ReservationRef, error) {
	serials, err := s.client.SMembers(ctx, keyClient(clientID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(serials)
	return s.EndReservations(ctx, clientID, serials)
}

func (s *Redis) dropReservation(ctx context.Context, clientID, serial string) {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keyReservation(serial))
	pipe.SRem(ctx, keyClient(clientID), serial)
	pipe.ZRem(ctx, keyExpiry, serial)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warnf("failed to drop reservation %s/%s: %v", clientID, serial, err)
	}
}

// DeviceCallback returns the client currently holding serial.
func (s *Redis) DeviceCallback(ctx context.Context, serial string) (string, error) {
	clientID, err := s.client.HGet(ctx, keyReservation(serial), "client_id").Result()
	if err == redis.Nil {
		return "", util.ErrNoReservation
	}
	if err != nil {
		return "", err
	}
	return clientID, nil
}

// WorkerTimeouts ends every reservation under workers whose last heartbeat
// is older than timeout and marks their devices broken. Returns the
// stranded reservations.
func (s *Redis) WorkerTimeouts(ctx context.Context, timeout time.Duration) ([]TimedOutWorker, error) {
	workers, err := s.Workers(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-timeout)

	var stranded []TimedOutWorker
	for _, w := range workers {
		if !w.LastHeartbeat.Before(cutoff) {
			continue
		}
		serials, err := s.client.SMembers(ctx, keyWorkerDevices(w.Name)).Result()
		if err != nil {
			continue
		}
		sort.Strings(serials)
		for _, serial := range serials {
			clientID, err := s.client.HGet(ctx, keyReservation(serial), "client_id").Result()
			if err == nil && clientID != "" {
				stranded = append(stranded, TimedOutWorker{
					Serial: serial, ClientID: clientID, Worker: w.Name,
				})
				s.dropReservation(ctx, clientID, serial)
			}
			pipe := s.client.TxPipeline()
			pipe.HSet(ctx, keyDevice(serial), "status", string(StatusBroken))
			pipe.SRem(ctx, keyAvailable, serial)
			pipe.Exec(ctx)
		}
	}
	return stranded, nil
}

// ReservationTimeouts ends every reservation past its expiry and returns
// the ended rows. A reservation extended since the sweep started keeps its
// new expiry and is left alone.
func (s *Redis) ReservationTimeouts(ctx context.Context) ([]ReservationRef, error) {
	now := time.Now().Unix()
	serials, err := s.client.ZRangeByScore(ctx, keyExpiry, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var expired []ReservationRef
	for _, serial := range serials {
		fields, err := s.client.HGetAll(ctx, keyReservation(serial)).Result()
		if err != nil || len(fields) == 0 {
			s.client.ZRem(ctx, keyExpiry, serial)
			continue
		}
		// a concurrent extend wins the race
		expires, _ := strconv.ParseInt(fields["expires_at"], 10, 64)
		if expires > now {
			continue
		}
		clientID := fields["client_id"]
		ip, port, _ := s.DeviceWorker(ctx, serial)
		s.dropReservation(ctx, clientID, serial)
		expired = append(expired, ReservationRef{
			Serial: serial, ClientID: clientID, WorkerIP: ip, WorkerPort: port,
		})
	}
	return expired, nil
}

// ReservationsEndingSoon returns serials whose reservations expire within
// window.
func (s *Redis) ReservationsEndingSoon(ctx context.Context, window time.Duration) ([]string, error) {
	now := time.Now()
	return s.client.ZRangeByScore(ctx, keyExpiry, &redis.ZRangeBy{
		Min: strconv.FormatInt(now.Unix(), 10),
		Max: strconv.FormatInt(now.Add(window).Unix(), 10),
	}).Result()
}
