// Package listener hosts the connection-oriented MQTT side of the gateway.
// Device messages are handed to a dispatcher so the transport's delivery
// goroutine never waits on the broker.
package listener

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/telemetry-gateway/pkg/pipeline"
)

// Submitter accepts jobs without blocking. *pipeline.Dispatcher satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Listener is a supervised MQTT ingestion loop.
type Listener interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// forward copies an inbound payload and hands it to the submitter. Failures are
// logged and the message is lost.
func forward(sub Submitter, logger zerolog.Logger, topic string, payload []byte) {
	deviceID := DeviceIDFromTopic(topic)

	// The transport may reuse its buffer once the handler returns.
	data := make([]byte, len(payload))
	copy(data, payload)

	err := sub.Submit(pipeline.Job{DeviceID: deviceID, Payload: data, Origin: topic})
	if err == nil {
		logger.Debug().Str("device_id", deviceID).Str("route", topic).Int("payload_size", len(data)).Msg("Message queued for ingestion")
		return
	}

	reason := "dispatch_failed"
	switch {
	case errors.Is(err, pipeline.ErrQueueFull):
		reason = "queue_full"
	case errors.Is(err, pipeline.ErrStopped):
		reason = "shutting_down"
	}
	logger.Warn().Err(err).
		Str("device_id", deviceID).
		Str("route", topic).
		Str("reason", reason).
		Msg("Inbound MQTT message dropped")
}
