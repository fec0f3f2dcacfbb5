package listener

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// DefaultTopics are the upstream filters covering both accepted routing key forms.
var DefaultTopics = []string{"devices/+/telemetry", "+/devices/+/telemetry"}

// BridgeConfig holds settings for subscribing to an upstream MQTT broker.
type BridgeConfig struct {
	BrokerURL          string
	Topics             []string
	ClientID           string
	Username           string
	Password           string
	QoS                byte
	KeepAlive          time.Duration
	ConnectTimeout     time.Duration
	ReconnectWaitMax   time.Duration
	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// DefaultBridgeConfig provides sensible defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		BrokerURL:        "tcp://localhost:1883",
		Topics:           DefaultTopics,
		ClientID:         "telemetry-gateway",
		QoS:              1,
		KeepAlive:        30 * time.Second,
		ConnectTimeout:   10 * time.Second,
		ReconnectWaitMax: time.Minute,
	}
}

// subscriber is the part of the paho client the bridge subscribes through.
type subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Bridge subscribes to an existing MQTT broker and submits every message it
// receives. Device authentication is left to that broker.
type Bridge struct {
	cfg    BridgeConfig
	sub    Submitter
	logger zerolog.Logger

	client mqtt.Client

	mu     sync.Mutex
	active map[string]bool
}

// NewBridge creates a bridge listener.
func NewBridge(cfg BridgeConfig, sub Submitter, logger zerolog.Logger) *Bridge {
	if len(cfg.Topics) == 0 {
		cfg.Topics = DefaultTopics
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultBridgeConfig().ConnectTimeout
	}
	return &Bridge{
		cfg:    cfg,
		sub:    sub,
		logger: logger.With().Str("component", "BridgeListener").Logger(),
		active: make(map[string]bool),
	}
}

// Start connects to the upstream broker. Subscriptions are made from the
// connect handler so they are restored after every reconnect.
func (b *Bridge) Start(_ context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("%s-%d", b.cfg.ClientID, time.Now().UnixNano()%1000000))
	opts.SetUsername(b.cfg.Username)
	opts.SetPassword(b.cfg.Password)
	opts.SetKeepAlive(b.cfg.KeepAlive)
	opts.SetConnectTimeout(b.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(b.cfg.ReconnectWaitMax)
	opts.SetCleanSession(true)
	opts.SetConnectionAttemptHandler(func(broker *url.URL, tlsCfg *tls.Config) *tls.Config {
		b.logger.Info().Str("broker", broker.String()).Msg("Attempting to connect to MQTT broker")
		return tlsCfg
	})

	if usesTLS(b.cfg.BrokerURL) {
		tlsConfig, err := newTLSConfig(b.cfg, b.logger)
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		b.logger.Warn().Str("topic", msg.Topic()).Msg("Received message on unexpected topic")
	})
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		return fmt.Errorf("timed out connecting to MQTT broker %s", b.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("paho MQTT client connect error: %w", err)
	}
	b.logger.Info().Str("broker", b.cfg.BrokerURL).Strs("topics", b.cfg.Topics).Msg("Bridge listener started")
	return nil
}

// Stop disconnects from the upstream broker.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	quiesce := uint(250)
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < 250*time.Millisecond && left > 0 {
			quiesce = uint(left.Milliseconds())
		}
	}
	b.client.Disconnect(quiesce)
	b.resetSubscriptions()
	b.logger.Info().Msg("Bridge listener stopped.")
	return nil
}

func (b *Bridge) onConnect(client mqtt.Client) {
	b.logger.Info().Str("broker", b.cfg.BrokerURL).Msg("Connected to MQTT broker")
	if err := b.subscribeAll(client); err != nil {
		b.logger.Error().Err(err).Msg("Failed to restore subscriptions")
	}
}

func (b *Bridge) onConnectionLost(_ mqtt.Client, err error) {
	b.logger.Error().Err(err).Msg("Lost MQTT connection, auto-reconnect will resubscribe")
	b.resetSubscriptions()
}

// subscribeAll subscribes to every configured filter not yet active on the
// current connection.
func (b *Bridge) subscribeAll(client subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, filter := range b.cfg.Topics {
		if b.active[filter] {
			continue
		}
		token := client.Subscribe(filter, b.cfg.QoS, b.onMessage)
		if !token.WaitTimeout(b.cfg.ConnectTimeout) {
			errs = append(errs, fmt.Errorf("timed out subscribing to %s", filter))
			continue
		}
		if err := token.Error(); err != nil {
			errs = append(errs, fmt.Errorf("failed to subscribe to %s: %w", filter, err))
			continue
		}
		b.active[filter] = true
		b.logger.Info().Str("topic", filter).Msg("Subscribed to MQTT topic")
	}
	return errors.Join(errs...)
}

func (b *Bridge) resetSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.active)
}

func (b *Bridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	forward(b.sub, b.logger, msg.Topic(), msg.Payload())
}

func usesTLS(brokerURL string) bool {
	lower := strings.ToLower(brokerURL)
	return strings.HasPrefix(lower, "tls://") ||
		strings.HasPrefix(lower, "ssl://") ||
		strings.HasPrefix(lower, "mqtts://") ||
		strings.HasSuffix(lower, ":8883")
}

// newTLSConfig creates a TLS configuration for the MQTT client.
func newTLSConfig(cfg BridgeConfig, logger zerolog.Logger) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file %s: %w", cfg.CACertFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate from %s to pool", cfg.CACertFile)
		}
		tlsConfig.RootCAs = pool
		logger.Info().Str("ca_cert_file", cfg.CACertFile).Msg("CA certificate loaded")
	}

	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
		logger.Info().Msg("Client certificate and key loaded for mTLS")
	} else if cfg.ClientCertFile != "" || cfg.ClientKeyFile != "" {
		logger.Warn().Msg("Client certificate or key file provided without its pair; mTLS will not be configured.")
	}

	return tlsConfig, nil
}
