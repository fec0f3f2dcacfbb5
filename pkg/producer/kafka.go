package producer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/illmade-knight/telemetry-gateway/pkg/types"
)

// KafkaConfig holds the settings for the Kafka producer.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	RequiredAcks string // none, one, all
	Compression  string // none, gzip, snappy, lz4, zstd
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	MaxAttempts  int // writer attempts per batch; 1 keeps delivery at-most-once

	// EnsureTopic creates Topic on startup when it does not exist.
	EnsureTopic       bool
	Partitions        int
	ReplicationFactor int
}

// DefaultKafkaConfig provides sensible defaults for a local broker.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:           []string{"localhost:9092"},
		Topic:             DefaultTopic,
		RequiredAcks:      "one",
		Compression:       "snappy",
		BatchTimeout:      10 * time.Millisecond,
		WriteTimeout:      10 * time.Second,
		MaxAttempts:       1,
		Partitions:        6,
		ReplicationFactor: 1,
	}
}

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes to a single Kafka topic through one shared writer.
// The writer hashes the message key, so every message of a device lands on the
// same partition.
type KafkaProducer struct {
	writer messageWriter
	topic  string
	logger zerolog.Logger

	// pending maps a message-id header to the channel waiting for its delivery report.
	pendingMu sync.Mutex
	pending   map[string]chan kafka.Message

	closeMu  sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	active   atomic.Int64
}

// NewKafkaProducer creates the process-wide Kafka producer.
func NewKafkaProducer(ctx context.Context, cfg KafkaConfig, logger zerolog.Logger) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("producer: at least one kafka bootstrap address is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	logger = logger.With().Str("component", "KafkaProducer").Str("topic", cfg.Topic).Logger()

	if cfg.EnsureTopic {
		if err := EnsureTopic(ctx, cfg, logger); err != nil {
			return nil, fmt.Errorf("producer: ensure topic %s: %w", cfg.Topic, err)
		}
	}

	p := &KafkaProducer{
		topic:   cfg.Topic,
		logger:  logger,
		pending: make(map[string]chan kafka.Message),
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		RequiredAcks: parseAcks(cfg.RequiredAcks),
		Compression:  parseCompression(cfg.Compression),
		Completion:   p.onCompletion,
	}

	logger.Info().Strs("brokers", cfg.Brokers).Msg("Kafka producer initialized")
	return p, nil
}

// newKafkaProducerWithWriter is used by tests to inject a writer.
func newKafkaProducerWithWriter(w messageWriter, topic string, logger zerolog.Logger) *KafkaProducer {
	return &KafkaProducer{
		writer:  w,
		topic:   topic,
		logger:  logger,
		pending: make(map[string]chan kafka.Message),
	}
}

// Publish writes msg synchronously. The returned offset is reported when the
// writer delivered it with the acknowledgement, otherwise it is -1.
func (p *KafkaProducer) Publish(ctx context.Context, msg types.BrokerMessage) (DeliveryResult, error) {
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

	km := kafka.Message{
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: toKafkaHeaders(msg.Headers),
	}

	id := msg.Headers[types.HeaderMessageID]
	var report chan kafka.Message
	if id != "" {
		report = make(chan kafka.Message, 1)
		p.pendingMu.Lock()
		p.pending[id] = report
		p.pendingMu.Unlock()
		defer func() {
			p.pendingMu.Lock()
			delete(p.pending, id)
			p.pendingMu.Unlock()
		}()
	}

	if err := p.writer.WriteMessages(ctx, km); err != nil {
		return DeliveryResult{}, fmt.Errorf("kafka write to %s: %w", p.topic, err)
	}

	result := DeliveryResult{Topic: p.topic, Partition: -1, Offset: -1}
	select {
	case delivered := <-report:
		result.Partition = delivered.Partition
		result.Offset = delivered.Offset
	default:
	}
	return result, nil
}

// onCompletion receives delivery reports from the writer's batching goroutines.
func (p *KafkaProducer) onCompletion(messages []kafka.Message, err error) {
	if err != nil {
		return
	}
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for _, m := range messages {
		for _, h := range m.Headers {
			if h.Key != types.HeaderMessageID {
				continue
			}
			if ch, ok := p.pending[string(h.Value)]; ok {
				select {
				case ch <- m:
				default:
				}
			}
			break
		}
	}
}

// Close stops accepting messages, waits for in-flight publishes and flushes the
// writer. If ctx expires first the unflushed messages are abandoned and logged.
func (p *KafkaProducer) Close(ctx context.Context) error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	p.closeMu.Unlock()

	p.logger.Info().Int64("in_flight", p.active.Load()).Msg("Draining Kafka producer...")
	done := make(chan error, 1)
	go func() {
		p.inflight.Wait()
		done <- p.writer.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			p.logger.Error().Err(err).Msg("Error closing Kafka writer")
			return fmt.Errorf("kafka writer close: %w", err)
		}
		p.logger.Info().Msg("Kafka producer drained and closed.")
		return nil
	case <-ctx.Done():
		abandoned := p.active.Load()
		p.logger.Error().Int64("abandoned_messages", abandoned).Msg("Kafka producer drain timed out, discarding unflushed messages")
		return fmt.Errorf("kafka producer drain: %d messages discarded: %w", abandoned, ctx.Err())
	}
}

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func parseCompression(s string) kafka.Compression {
	switch strings.ToLower(s) {
	case "", "none", "no", "off", "0":
		return kafka.Compression(0)
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Snappy
	}
}

func parseAcks(s string) kafka.RequiredAcks {
	switch strings.ToLower(s) {
	case "none", "0":
		return kafka.RequireNone
	case "all", "-1":
		return kafka.RequireAll
	default:
		return kafka.RequireOne
	}
}

// EnsureTopic creates cfg.Topic through the cluster controller if it is missing.
func EnsureTopic(ctx context.Context, cfg KafkaConfig, logger zerolog.Logger) error {
	conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	if parts, err := conn.ReadPartitions(cfg.Topic); err == nil && len(parts) > 0 {
		logger.Info().Int("partitions", len(parts)).Msg("Kafka topic already exists")
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer ctrlConn.Close()

	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}
	logger.Info().Int("partitions", partitions).Int("replication_factor", replication).Msg("Creating Kafka topic")
	return ctrlConn.CreateTopics(kafka.TopicConfig{
		Topic:             cfg.Topic,
		NumPartitions:     partitions,
		ReplicationFactor: replication,
	})
}
