// Package normalize turns raw inbound payloads into telemetry envelopes.
package normalize

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/illmade-knight/telemetry-gateway/pkg/types"
)

// Expand splits raw into envelopes for deviceID.
//
// A JSON array yields one envelope per element, in order. Anything else,
// including data that is not JSON at all, yields a single envelope holding raw
// unchanged. Expand never fails: an unparseable payload is still forwarded.
func Expand(raw []byte, deviceID, origin string, receivedAt time.Time) []types.TelemetryEnvelope {
	deviceID = types.DeviceKey(deviceID)

	if elements, ok := splitArray(raw); ok {
		envelopes := make([]types.TelemetryEnvelope, 0, len(elements))
		for i, element := range elements {
			envelopes = append(envelopes, types.TelemetryEnvelope{
				DeviceID:   deviceID,
				Payload:    []byte(element),
				Origin:     origin,
				ReceivedAt: receivedAt,
				Index:      i,
			})
		}
		return envelopes
	}

	return []types.TelemetryEnvelope{{
		DeviceID:   deviceID,
		Payload:    raw,
		Origin:     origin,
		ReceivedAt: receivedAt,
	}}
}

// IsBatch reports whether raw is a JSON array.
func IsBatch(raw []byte) bool {
	_, ok := splitArray(raw)
	return ok
}

func splitArray(raw []byte) ([]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		return nil, false
	}
	return elements, true
}
