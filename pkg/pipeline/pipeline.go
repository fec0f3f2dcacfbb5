// Package pipeline wires admission, normalization and publishing together for
// every inbound message, whichever transport it arrived on.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/telemetry-gateway/pkg/normalize"
	"github.com/illmade-knight/telemetry-gateway/pkg/producer"
	"github.com/illmade-knight/telemetry-gateway/pkg/types"
)

// Admitter is the admission controller contract the pipeline depends on.
type Admitter interface {
	Admit(deviceID string) bool
	Occupancy(deviceID string) int
}

// EnvelopeOutcome is the publish result for one envelope of a message.
type EnvelopeOutcome struct {
	Index    int
	Delivery producer.DeliveryResult
	Err      error
}

// Result describes what happened to one inbound message.
type Result struct {
	DeviceID string
	// Dropped is set when the rate limiter rejected the message; nothing was published.
	Dropped bool
	// Occupancy is the device's window occupancy at the time of a drop.
	Occupancy int
	Envelopes []EnvelopeOutcome
}

// Published returns the number of envelopes the broker accepted.
func (r Result) Published() int {
	n := 0
	for _, e := range r.Envelopes {
		if e.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the number of envelopes that could not be published.
func (r Result) Failed() int {
	return len(r.Envelopes) - r.Published()
}

// Err joins every envelope error, or returns nil when all were published.
func (r Result) Err() error {
	var errs []error
	for _, e := range r.Envelopes {
		if e.Err != nil {
			errs = append(errs, e.Err)
		}
	}
	return errors.Join(errs...)
}

// FirstDelivery returns the delivery of the first published envelope, if any.
func (r Result) FirstDelivery() (producer.DeliveryResult, bool) {
	for _, e := range r.Envelopes {
		if e.Err == nil {
			return e.Delivery, true
		}
	}
	return producer.DeliveryResult{}, false
}

// Pipeline runs admission, expansion and publishing for inbound messages.
// It is safe for concurrent use.
type Pipeline struct {
	admitter Admitter
	producer producer.Producer
	logger   zerolog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAdmission enables device-level admission control.
func WithAdmission(a Admitter) Option {
	return func(p *Pipeline) { p.admitter = a }
}

// WithMetrics records pipeline activity in m.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock replaces the time source used for receipt and ingestion timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a pipeline publishing through prod.
func New(prod producer.Producer, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		producer: prod,
		logger:   logger.With().Str("component", "IngestionPipeline").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest handles one raw inbound message. Envelopes are published in order and
// a failure on one does not stop the others.
func (p *Pipeline) Ingest(ctx context.Context, deviceID string, raw []byte, origin string) Result {
	deviceID = types.DeviceKey(deviceID)
	result := Result{DeviceID: deviceID}

	if p.admitter != nil {
		admitted := p.admitter.Admit(deviceID)
		p.metrics.admission(admitted)
		if !admitted {
			result.Dropped = true
			result.Occupancy = p.admitter.Occupancy(deviceID)
			p.logger.Warn().
				Str("device_id", deviceID).
				Str("route", origin).
				Int("window_occupancy", result.Occupancy).
				Str("reason", "rate_limited").
				Msg("Message dropped by admission control")
			return result
		}
	}

	envelopes := normalize.Expand(raw, deviceID, origin, p.now())
	transport := transportOf(origin)
	result.Envelopes = make([]EnvelopeOutcome, 0, len(envelopes))

	for _, env := range envelopes {
		msg := producer.NewBrokerMessage(env, p.now())
		delivery, err := p.producer.Publish(ctx, msg)
		p.metrics.publish(transport, err)
		if err != nil {
			p.logger.Error().Err(err).
				Str("device_id", deviceID).
				Str("route", origin).
				Int("envelope_index", env.Index).
				Msg("Failed to publish envelope")
		} else {
			p.logger.Debug().
				Str("device_id", deviceID).
				Str("route", origin).
				Int("envelope_index", env.Index).
				Int64("offset", delivery.Offset).
				Msg("Envelope published")
		}
		result.Envelopes = append(result.Envelopes, EnvelopeOutcome{Index: env.Index, Delivery: delivery, Err: err})
	}
	return result
}

func transportOf(origin string) string {
	if origin == types.OriginHTTP {
		return "http"
	}
	return "mqtt"
}
