package types

import "time"

// UnknownDevice is the device id used whenever the origin of a message cannot be
// determined. Messages are still forwarded under this key.
const UnknownDevice = "unknown"

// Header names attached to every outbound broker message.
const (
	HeaderOriginRoute = "origin-route"
	HeaderIngestedAt  = "ingested-at"
	HeaderMessageID   = "message-id"
)

// UnknownRoute is the origin-route header value for a message whose route was not recorded.
const UnknownRoute = "unrouted"

// OriginHTTP is the origin route recorded for messages that arrived over the HTTP endpoint.
const OriginHTTP = "http"

// TelemetryEnvelope is one unit of inbound telemetry after normalization.
// A raw wire message expands into one or more envelopes.
type TelemetryEnvelope struct {
	// DeviceID is never empty; UnknownDevice stands in when the source could not be identified.
	DeviceID string
	// Payload is opaque to the gateway and forwarded untouched.
	Payload []byte
	// Origin is the MQTT topic the message arrived on, or OriginHTTP.
	Origin string
	// ReceivedAt is when the gateway accepted the raw message.
	ReceivedAt time.Time
	// Index is the position of the envelope within its batch (0 for single messages).
	Index int
}

// BrokerMessage is the outbound unit handed to a producer.
type BrokerMessage struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

// DeviceKey returns id, or UnknownDevice when id is empty.
func DeviceKey(id string) string {
	if id == "" {
		return UnknownDevice
	}
	return id
}
