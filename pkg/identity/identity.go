// Package identity talks to the device registry that decides whether a device
// exists and may send telemetry.
package identity

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// ErrDeviceNotFound is returned when the registry has no record of a device.
var ErrDeviceNotFound = errors.New("device not found")

// DeviceInfo is the registry's view of a device.
type DeviceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	TypeID   string `json:"typeId"`
	IsActive bool   `json:"isActive"`
}

// Client resolves device identities. Implementations must be safe for
// concurrent use.
type Client interface {
	Authenticate(ctx context.Context, deviceID, credential string) (bool, error)
	GetDeviceInfo(ctx context.Context, deviceID string) (*DeviceInfo, error)
	Close() error
}

// Verify authenticates a device and fails closed: registry errors, unknown
// devices and inactive devices are all treated as a rejection.
func Verify(ctx context.Context, client Client, deviceID, credential string, logger zerolog.Logger) bool {
	if deviceID == "" {
		logger.Warn().Str("reason", "missing_device_id").Msg("Rejecting device without an id")
		return false
	}
	ok, err := client.Authenticate(ctx, deviceID, credential)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			logger.Warn().Str("device_id", deviceID).Str("reason", "unknown_device").Msg("Device authentication rejected")
		} else {
			logger.Error().Err(err).Str("device_id", deviceID).Str("reason", "registry_unavailable").Msg("Device registry call failed, rejecting device")
		}
		return false
	}
	if !ok {
		logger.Warn().Str("device_id", deviceID).Str("reason", "bad_credentials").Msg("Device authentication rejected")
	}
	return ok
}

// AllowAll accepts every device. It is used when authentication is disabled.
type AllowAll struct{}

// Authenticate always succeeds.
func (AllowAll) Authenticate(context.Context, string, string) (bool, error) { return true, nil }

// GetDeviceInfo reports every device as active.
func (AllowAll) GetDeviceInfo(_ context.Context, deviceID string) (*DeviceInfo, error) {
	return &DeviceInfo{ID: deviceID, IsActive: true}, nil
}

// Close is a no-op.
func (AllowAll) Close() error { return nil }
