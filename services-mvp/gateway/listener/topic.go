package listener

import (
	"strings"

	"github.com/illmade-knight/telemetry-gateway/pkg/types"
)

const (
	topicRoot   = "devices"
	topicSuffix = "telemetry"
)

// DeviceIDFromTopic extracts the device id from a routing key. Two forms are
// accepted: devices/{id}/telemetry and {prefix}/devices/{id}/telemetry.
// Anything else yields types.UnknownDevice.
func DeviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	switch len(parts) {
	case 3:
		if parts[0] == topicRoot && parts[2] == topicSuffix && parts[1] != "" {
			return parts[1]
		}
	case 4:
		if parts[0] != "" && parts[1] == topicRoot && parts[3] == topicSuffix && parts[2] != "" {
			return parts[2]
		}
	}
	return types.UnknownDevice
}
