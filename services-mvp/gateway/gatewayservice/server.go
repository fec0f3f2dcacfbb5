// Package gatewayservice assembles the telemetry gateway: one producer, the
// admission limiter, the ingestion pipeline and both inbound surfaces.
package gatewayservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/telemetry-gateway/pkg/admission"
	"github.com/illmade-knight/telemetry-gateway/pkg/identity"
	"github.com/illmade-knight/telemetry-gateway/pkg/pipeline"
	"github.com/illmade-knight/telemetry-gateway/pkg/producer"
	"github.com/illmade-knight/telemetry-gateway/services-mvp/gateway/httpapi"
	"github.com/illmade-knight/telemetry-gateway/services-mvp/gateway/listener"
)

// Server represents the runnable gateway application.
type Server struct {
	config *Config
	logger zerolog.Logger

	registry   *prometheus.Registry
	identity   identity.Client
	limiter    *admission.Limiter
	producer   producer.Producer
	pipeline   *pipeline.Pipeline
	dispatcher *pipeline.Dispatcher
	listener   listener.Listener

	httpServer *http.Server
	httpAddr   net.Addr

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	stopOnce    sync.Once
	stopErr     error
}

// NewServer builds the broker producer and identity client from cfg and
// assembles the gateway around them.
func NewServer(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}
	prod, err := newProducer(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	idc, err := newIdentityClient(ctx, cfg, logger)
	if err != nil {
		_ = prod.Close(ctx)
		return nil, err
	}
	return NewServerWithDependencies(cfg, logger, prod, idc)
}

// NewServerWithDependencies assembles the gateway around an existing producer
// and identity client. The server takes ownership of both and closes them on Stop.
func NewServerWithDependencies(cfg *Config, logger zerolog.Logger, prod producer.Producer, idc identity.Client) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}
	if prod == nil {
		return nil, errors.New("producer cannot be nil")
	}
	if idc == nil {
		idc = identity.AllowAll{}
	}

	s := &Server{
		config:   cfg,
		logger:   logger.With().Str("service", "telemetry-gateway").Logger(),
		registry: prometheus.NewRegistry(),
		identity: idc,
		producer: prod,
	}
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := pipeline.NewMetrics(s.registry)

	opts := []pipeline.Option{pipeline.WithMetrics(metrics)}
	if cfg.RateLimit.Enabled {
		s.limiter = admission.New(admission.Config{
			Enabled:      true,
			MaxPerWindow: cfg.RateLimit.MaxMessagesPerWindow,
			Window:       cfg.Window(),
		})
		opts = append(opts, pipeline.WithAdmission(s.limiter))
		s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateway_admission_tracked_devices",
			Help: "Devices with a live rate window",
		}, func() float64 { return float64(s.limiter.Devices()) }))
	}
	s.pipeline = pipeline.New(prod, logger, opts...)
	s.dispatcher = pipeline.NewDispatcher(s.pipeline, pipeline.DispatcherConfig{
		Workers:   cfg.Dispatcher.Workers,
		QueueSize: cfg.Dispatcher.QueueSize,
	}, logger, metrics)

	switch cfg.Listener.Mode {
	case "bridge":
		if cfg.Auth.Enabled {
			s.logger.Warn().Msg("Bridge mode: device authentication is left to the upstream broker")
		}
		bcfg := listener.DefaultBridgeConfig()
		bcfg.BrokerURL = cfg.Listener.BrokerURL
		bcfg.Topics = cfg.Listener.Topics
		bcfg.ClientID = cfg.Listener.ClientID
		bcfg.Username = cfg.Listener.Username
		bcfg.Password = cfg.Listener.Password
		bcfg.QoS = byte(cfg.Listener.QoS)
		bcfg.CACertFile = cfg.Listener.CACertFile
		bcfg.ClientCertFile = cfg.Listener.ClientCertFile
		bcfg.ClientKeyFile = cfg.Listener.ClientKeyFile
		bcfg.InsecureSkipVerify = cfg.Listener.InsecureSkipVerify
		s.listener = listener.NewBridge(bcfg, s.dispatcher, logger)
	default:
		embedded := listener.NewEmbedded(listener.EmbeddedConfig{
			Host:        cfg.Listener.Host,
			Port:        cfg.Listener.Port,
			AuthEnabled: cfg.Auth.Enabled,
			AuthTimeout: cfg.Identity.Timeout,
		}, idc, s.dispatcher, logger)
		s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateway_mqtt_sessions",
			Help: "Authenticated MQTT device sessions",
		}, func() float64 { return float64(embedded.Connected()) }))
		s.listener = embedded
	}

	handler := httpapi.NewHandler(s.pipeline, cfg.HTTP.MaxBodyBytes, logger)
	s.httpServer = &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           httpapi.NewRouter(handler, s.registry, cfg.HTTP.RequestTimeout),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

func newProducer(ctx context.Context, cfg *Config, logger zerolog.Logger) (producer.Producer, error) {
	switch cfg.Broker.Kind {
	case "pubsub":
		return producer.NewPubSubProducer(ctx, producer.PubSubConfig{
			ProjectID:       cfg.Broker.ProjectID,
			TopicID:         cfg.Broker.Topic,
			CredentialsFile: cfg.Broker.CredentialsFile,
		}, logger)
	case "kafka":
		kcfg := producer.DefaultKafkaConfig()
		kcfg.Brokers = cfg.Broker.Bootstrap
		kcfg.Topic = cfg.Broker.Topic
		kcfg.RequiredAcks = cfg.Broker.RequiredAcks
		kcfg.Compression = cfg.Broker.Compression
		kcfg.BatchTimeout = cfg.Broker.BatchTimeout
		kcfg.EnsureTopic = cfg.Broker.EnsureTopic
		kcfg.Partitions = cfg.Broker.Partitions
		kcfg.ReplicationFactor = cfg.Broker.ReplicationFactor
		return producer.NewKafkaProducer(ctx, kcfg, logger)
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}

func newIdentityClient(ctx context.Context, cfg *Config, logger zerolog.Logger) (identity.Client, error) {
	if !cfg.Auth.Enabled {
		return identity.AllowAll{}, nil
	}
	switch cfg.Identity.Kind {
	case "firestore":
		return identity.NewFirestoreClient(ctx, identity.FirestoreClientConfig{
			ProjectID:       cfg.Identity.ProjectID,
			CollectionName:  cfg.Identity.Collection,
			CredentialsFile: cfg.Identity.CredentialsFile,
		}, logger)
	case "http":
		return identity.NewHTTPClient(identity.HTTPClientConfig{
			BaseURL: cfg.Identity.BaseURL,
			Timeout: cfg.Identity.Timeout,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown identity kind %q", cfg.Identity.Kind)
	}
}

// HTTPAddr is the bound HTTP address once Start has returned.
func (s *Server) HTTPAddr() string {
	if s.httpAddr == nil {
		return s.config.HTTP.ListenAddr
	}
	return s.httpAddr.String()
}

// Start launches the dispatcher, the MQTT listener, the HTTP server and the
// periodic rate window sweep.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting telemetry gateway...")

	s.dispatcher.Start()

	if err := s.listener.Start(ctx); err != nil {
		_ = s.dispatcher.Stop(ctx)
		return fmt.Errorf("failed to start MQTT listener: %w", err)
	}

	ln, err := net.Listen("tcp", s.config.HTTP.ListenAddr)
	if err != nil {
		_ = s.listener.Stop(ctx)
		_ = s.dispatcher.Stop(ctx)
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTP.ListenAddr, err)
	}
	s.httpAddr = ln.Addr()
	go func() {
		s.logger.Info().Str("address", s.httpAddr.String()).Msg("HTTP server listening")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server Serve error")
		}
		s.logger.Info().Msg("HTTP server shut down.")
	}()

	if s.limiter != nil && s.config.SweepInterval > 0 {
		sweepCtx, cancel := context.WithCancel(context.Background())
		s.sweepCancel = cancel
		s.sweepDone = make(chan struct{})
		go s.sweepLoop(sweepCtx, s.config.SweepInterval)
	}

	s.logger.Info().
		Str("listener_mode", s.config.Listener.Mode).
		Str("broker_kind", s.config.Broker.Kind).
		Bool("rate_limit_enabled", s.config.RateLimit.Enabled).
		Bool("auth_enabled", s.config.Auth.Enabled).
		Msg("Telemetry gateway started successfully.")
	return nil
}

func (s *Server) sweepLoop(ctx context.Context, every time.Duration) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Sweep(); n > 0 {
				s.logger.Debug().Int("removed", n).Int("remaining", s.limiter.Devices()).Msg("Swept idle rate windows")
			}
		}
	}
}

// Stop shuts the gateway down: inbound surfaces first, then the dispatch
// queue, then the producer and identity client. ctx bounds the whole drain.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *Server) stop(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down telemetry gateway...")
	var errs []error

	// 1. Stop accepting new connections and requests.
	if err := s.listener.Stop(ctx); err != nil {
		s.logger.Error().Err(err).Msg("MQTT listener shutdown error")
		errs = append(errs, err)
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("HTTP server shutdown error")
		errs = append(errs, err)
	}
	if s.sweepCancel != nil {
		s.sweepCancel()
		<-s.sweepDone
	}

	// 2. Let queued messages reach the producer.
	if err := s.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	// 3. Flush the producer; unflushed messages are logged by the producer.
	if err := s.producer.Close(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Producer shutdown error")
		errs = append(errs, err)
	}

	// 4. Release the identity client.
	if err := s.identity.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Identity client close error")
		errs = append(errs, err)
	}

	s.logger.Info().Msg("Telemetry gateway shut down process completed.")
	return errors.Join(errs...)
}

// Run starts the server and waits for a shutdown signal.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stopSignal)

	select {
	case sig := <-stopSignal:
		s.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal.")
	case <-ctx.Done():
		s.logger.Info().Str("error", ctx.Err().Error()).Msg("Context cancelled, initiating shutdown.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	return s.Stop(shutdownCtx)
}
