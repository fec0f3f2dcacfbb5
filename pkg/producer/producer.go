// Package producer publishes normalized telemetry to the downstream broker.
package producer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/illmade-knight/telemetry-gateway/pkg/types"
)

// DefaultTopic is the stream telemetry is published to unless configured otherwise.
const DefaultTopic = "telemetry.raw"

// ErrClosed is returned by Publish once Close has been called.
var ErrClosed = errors.New("producer closed")

// DeliveryResult describes where the broker stored a message. Fields the
// backend cannot report are left at their zero value; Offset is -1 when unknown.
type DeliveryResult struct {
	Topic     string
	Partition int
	Offset    int64
	MessageID string
}

// HasOffset reports whether the broker returned an offset.
func (r DeliveryResult) HasOffset() bool { return r.Offset >= 0 }

// Producer is the contract every broker backend implements. A single instance
// is shared by the whole process, so Publish must be safe for concurrent use.
type Producer interface {
	// Publish sends msg and blocks until the broker acknowledged it or failed.
	Publish(ctx context.Context, msg types.BrokerMessage) (DeliveryResult, error)
	// Close drains queued messages, bounded by ctx, then releases the connection.
	Close(ctx context.Context) error
}

// NewBrokerMessage builds the outbound message for env. The ingested-at header is
// assigned here, at publish time.
func NewBrokerMessage(env types.TelemetryEnvelope, now time.Time) types.BrokerMessage {
	origin := env.Origin
	if origin == "" {
		origin = types.UnknownRoute
	}
	return types.BrokerMessage{
		Key:   types.DeviceKey(env.DeviceID),
		Value: env.Payload,
		Headers: map[string]string{
			types.HeaderOriginRoute: origin,
			types.HeaderIngestedAt:  now.UTC().Format(time.RFC3339Nano),
			types.HeaderMessageID:   uuid.NewString(),
		},
	}
}
