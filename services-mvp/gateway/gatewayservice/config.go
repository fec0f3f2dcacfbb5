package gatewayservice

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/illmade-knight/telemetry-gateway/pkg/producer"
)

// Config holds all configuration for the gateway.
// It's structured to neatly group settings for different components.
type Config struct {
	// LogLevel for the application-wide logger (e.g., "debug", "info", "warn", "error").
	LogLevel string `mapstructure:"log_level"`

	// ShutdownTimeout bounds the whole drain: dispatcher, then producer.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// SweepInterval is how often idle rate windows are removed.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	HTTP struct {
		ListenAddr     string        `mapstructure:"listen_addr"`
		MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"http"`

	RateLimit struct {
		Enabled              bool `mapstructure:"enabled"`
		MaxMessagesPerWindow int  `mapstructure:"max_messages_per_window"`
		WindowSeconds        int  `mapstructure:"window_seconds"`
	} `mapstructure:"rate_limit"`

	Auth struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"auth"`

	// Identity selects the device registry used when auth is enabled.
	Identity struct {
		Kind            string        `mapstructure:"kind"` // http or firestore
		BaseURL         string        `mapstructure:"base_url"`
		Timeout         time.Duration `mapstructure:"timeout"`
		ProjectID       string        `mapstructure:"project_id"`
		Collection      string        `mapstructure:"collection"`
		CredentialsFile string        `mapstructure:"credentials_file"`
	} `mapstructure:"identity"`

	Listener struct {
		Mode string `mapstructure:"mode"` // embedded or bridge
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
		// Bridge mode only. The embedded broker forwards every device publish.
		Topics             []string `mapstructure:"topics"`
		BrokerURL          string   `mapstructure:"broker_url"`
		ClientID           string   `mapstructure:"client_id"`
		Username           string   `mapstructure:"username"`
		Password           string   `mapstructure:"password"`
		QoS                int      `mapstructure:"qos"`
		CACertFile         string   `mapstructure:"ca_cert_file"`
		ClientCertFile     string   `mapstructure:"client_cert_file"`
		ClientKeyFile      string   `mapstructure:"client_key_file"`
		InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify"`
	} `mapstructure:"listener"`

	Dispatcher struct {
		Workers   int `mapstructure:"workers"`
		QueueSize int `mapstructure:"queue_size"`
	} `mapstructure:"dispatcher"`

	Broker struct {
		Kind              string        `mapstructure:"kind"` // kafka or pubsub
		Bootstrap         []string      `mapstructure:"bootstrap"`
		Topic             string        `mapstructure:"topic"`
		RequiredAcks      string        `mapstructure:"required_acks"`
		Compression       string        `mapstructure:"compression"`
		BatchTimeout      time.Duration `mapstructure:"batch_timeout"`
		EnsureTopic       bool          `mapstructure:"ensure_topic"`
		Partitions        int           `mapstructure:"partitions"`
		ReplicationFactor int           `mapstructure:"replication_factor"`
		ProjectID         string        `mapstructure:"project_id"`
		CredentialsFile   string        `mapstructure:"credentials_file"`
	} `mapstructure:"broker"`
}

// Window returns the rate limit window as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("sweep_interval", time.Minute)

	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("http.max_body_bytes", int64(1<<20))
	v.SetDefault("http.request_timeout", 30*time.Second)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.max_messages_per_window", 100)
	v.SetDefault("rate_limit.window_seconds", 60)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("identity.kind", "http")
	v.SetDefault("identity.timeout", 5*time.Second)
	v.SetDefault("identity.collection", "devices")

	v.SetDefault("listener.mode", "embedded")
	v.SetDefault("listener.host", "0.0.0.0")
	v.SetDefault("listener.port", 1883)
	v.SetDefault("listener.topics", []string{"devices/+/telemetry", "+/devices/+/telemetry"})
	v.SetDefault("listener.broker_url", "tcp://localhost:1883")
	v.SetDefault("listener.client_id", "telemetry-gateway")
	v.SetDefault("listener.qos", 1)

	v.SetDefault("dispatcher.workers", 8)
	v.SetDefault("dispatcher.queue_size", 1024)

	v.SetDefault("broker.kind", "kafka")
	v.SetDefault("broker.bootstrap", []string{"localhost:9092"})
	v.SetDefault("broker.topic", producer.DefaultTopic)
	v.SetDefault("broker.required_acks", "one")
	v.SetDefault("broker.compression", "snappy")
	v.SetDefault("broker.batch_timeout", 10*time.Millisecond)
	v.SetDefault("broker.partitions", 6)
	v.SetDefault("broker.replication_factor", 1)

	// Keys without a meaningful default are registered so that environment
	// variables reach them during Unmarshal.
	for _, key := range []string{
		"identity.base_url", "identity.project_id", "identity.credentials_file",
		"listener.username", "listener.password", "listener.ca_cert_file",
		"listener.client_cert_file", "listener.client_key_file",
		"broker.project_id", "broker.credentials_file",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("listener.insecure_skip_verify", false)
	v.SetDefault("broker.ensure_topic", false)
}

// LoadConfig initializes and loads the gateway configuration.
// Precedence, lowest first: defaults, config file, GATEWAY_ environment
// variables, command-line flags.
func LoadConfig(args []string) (*Config, error) {
	v := viper.New()

	// --- 1. Set Defaults ---
	setDefaults(v)

	// --- 2. Set up pflag for command-line overrides ---
	fs := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	fs.String("config", "", "Path to config file")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.String("http-addr", ":8080", "HTTP listen address")
	fs.String("listener-mode", "embedded", "MQTT listener mode (embedded, bridge)")
	fs.Int("listener-port", 1883, "Embedded MQTT listener port")
	fs.String("broker-kind", "kafka", "Broker backend (kafka, pubsub)")
	fs.StringSlice("broker-bootstrap", []string{"localhost:9092"}, "Kafka bootstrap addresses")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	bindings := map[string]string{
		"log_level":        "log-level",
		"http.listen_addr": "http-addr",
		"listener.mode":    "listener-mode",
		"listener.port":    "listener-port",
		"broker.kind":      "broker-kind",
		"broker.bootstrap": "broker-bootstrap",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("binding flag %s: %w", flag, err)
		}
	}

	// --- 3. Set up environment variable support ---
	// e.g., GATEWAY_BROKER_TOPIC overrides broker.topic.
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// --- 4. Read the optional config file ---
	if configFile, _ := fs.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	// --- 5. Unmarshal config into our struct ---
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that have no safe fallback.
func (c *Config) Validate() error {
	var errs []error
	if c.RateLimit.Enabled {
		if c.RateLimit.MaxMessagesPerWindow <= 0 {
			errs = append(errs, errors.New("rate_limit.max_messages_per_window must be positive"))
		}
		if c.RateLimit.WindowSeconds <= 0 {
			errs = append(errs, errors.New("rate_limit.window_seconds must be positive"))
		}
	}
	switch c.Listener.Mode {
	case "embedded", "bridge":
	default:
		errs = append(errs, fmt.Errorf("listener.mode %q is not one of embedded, bridge", c.Listener.Mode))
	}
	if c.Listener.QoS < 0 || c.Listener.QoS > 2 {
		errs = append(errs, fmt.Errorf("listener.qos %d is out of range", c.Listener.QoS))
	}
	switch c.Broker.Kind {
	case "kafka":
		if len(c.Broker.Bootstrap) == 0 {
			errs = append(errs, errors.New("broker.bootstrap is required for kafka"))
		}
	case "pubsub":
		if c.Broker.ProjectID == "" {
			errs = append(errs, errors.New("broker.project_id is required for pubsub"))
		}
	default:
		errs = append(errs, fmt.Errorf("broker.kind %q is not one of kafka, pubsub", c.Broker.Kind))
	}
	if c.Auth.Enabled {
		switch c.Identity.Kind {
		case "http":
			if c.Identity.BaseURL == "" {
				errs = append(errs, errors.New("identity.base_url is required when auth is enabled"))
			}
		case "firestore":
			if c.Identity.ProjectID == "" {
				errs = append(errs, errors.New("identity.project_id is required when auth is enabled"))
			}
		default:
			errs = append(errs, fmt.Errorf("identity.kind %q is not one of http, firestore", c.Identity.Kind))
		}
	}
	if c.Dispatcher.Workers <= 0 || c.Dispatcher.QueueSize <= 0 {
		errs = append(errs, errors.New("dispatcher.workers and dispatcher.queue_size must be positive"))
	}
	return errors.Join(errs...)
}
