// Package util provides logging, shared error types and small helpers.
package util

import (
	"errors"
	"fmt"
)

// Sentinel errors for precondition failures
var (
	ErrNotFound           = errors.New("resource not found")
	ErrNoReservation      = errors.New("no active reservation")
	ErrAlreadyReserved    = errors.New("device already reserved")
	ErrUnknownReservable  = errors.New("unknown reservable kind")
	ErrDeviceBroken       = errors.New("device is broken")
	ErrSessionClosed      = errors.New("event session closed")
	ErrSocketDetached     = errors.New("no socket bound to session")
	ErrMalformedInput     = errors.New("malformed input")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrPreconditionFailed = errors.New("precondition not met")
)

// DeviceError wraps an error with the serial of the device it concerns
type DeviceError struct {
	Serial string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Serial, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// NewDeviceError creates a device error
func NewDeviceError(serial, op string, err error) *DeviceError {
	return &DeviceError{Serial: serial, Op: op, Err: err}
}

// ConfigError reports a missing or invalid configuration value
type ConfigError struct {
	Key     string
	Details string
}

func (e *ConfigError) Error() string {
	msg := "configuration error: " + e.Key
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// NewConfigError creates a configuration error
func NewConfigError(key, details string) *ConfigError {
	return &ConfigError{Key: key, Details: details}
}
