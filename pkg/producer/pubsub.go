package producer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/illmade-knight/telemetry-gateway/pkg/types"
)

// --- Google Cloud Pub/Sub Producer Implementation ---

// PubSubConfig holds configuration for the Pub/Sub producer.
type PubSubConfig struct {
	ProjectID string
	TopicID   string
	// Optional: CredentialsFile for specific service account, otherwise ADC are used.
	CredentialsFile string
}

// PubSubProducer publishes to a Pub/Sub topic with message ordering enabled.
// The device id is the ordering key, which gives the same per-device ordering a
// Kafka partition key does.
type PubSubProducer struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger zerolog.Logger

	closeMu  sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	active   atomic.Int64
}

// NewPubSubProducer creates the process-wide Pub/Sub producer. The topic must exist.
func NewPubSubProducer(ctx context.Context, cfg PubSubConfig, logger zerolog.Logger) (*PubSubProducer, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("producer: pubsub project id is required")
	}
	if cfg.TopicID == "" {
		cfg.TopicID = DefaultTopic
	}
	logger = logger.With().Str("component", "PubSubProducer").Str("topic_id", cfg.TopicID).Logger()

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for Pub/Sub")
	} else if os.Getenv("PUBSUB_EMULATOR_HOST") == "" {
		logger.Info().Msg("Using Application Default Credentials (ADC) for Pub/Sub")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		client.Close()
		return nil, fmt.Errorf("Pub/Sub topic %s does not exist in project %s", cfg.TopicID, cfg.ProjectID)
	}
	topic.EnableMessageOrdering = true

	logger.Info().Str("project_id", cfg.ProjectID).Msg("Pub/Sub producer initialized")
	return &PubSubProducer{
		client: client,
		topic:  topic,
		logger: logger,
	}, nil
}

// Publish sends msg and waits for the server-assigned message id.
func (p *PubSubProducer) Publish(ctx context.Context, msg types.BrokerMessage) (DeliveryResult, error) {
	p.closeMu.RLock()
	if p.closed {
		p.closeMu.RUnlock()
		return DeliveryResult{}, ErrClosed
	}
	p.inflight.Add(1)
	p.active.Add(1)
	p.closeMu.RUnlock()
	defer func() {
		p.active.Add(-1)
		p.inflight.Done()
	}()

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        msg.Value,
		Attributes:  msg.Headers,
		OrderingKey: msg.Key,
	})
	serverID, err := result.Get(ctx)
	if err != nil {
		// An ordering key stays paused after a failure until it is resumed.
		p.topic.ResumePublish(msg.Key)
		return DeliveryResult{}, fmt.Errorf("pubsub publish Get: %w", err)
	}
	return DeliveryResult{Topic: p.topic.ID(), Partition: -1, Offset: -1, MessageID: serverID}, nil
}

// Close flushes pending messages and closes the client, bounded by ctx.
func (p *PubSubProducer) Close(ctx context.Context) error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	p.closeMu.Unlock()

	p.logger.Info().Int64("in_flight", p.active.Load()).Msg("Stopping Pub/Sub producer...")
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		p.topic.Stop() // flushes
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
		p.logger.Info().Msg("Pub/Sub topic stopped.")
	case <-ctx.Done():
		abandoned := p.active.Load()
		p.logger.Error().Int64("abandoned_messages", abandoned).Msg("Pub/Sub drain timed out, discarding unflushed messages")
		drainErr = fmt.Errorf("pubsub producer drain: %d messages discarded: %w", abandoned, ctx.Err())
	}

	if err := p.client.Close(); err != nil {
		p.logger.Error().Err(err).Msg("Error closing Pub/Sub client")
		return errors.Join(drainErr, err)
	}
	return drainErr
}
