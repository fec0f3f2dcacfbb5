package listener

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/telemetry-gateway/pkg/identity"
)

// EmbeddedConfig holds settings for the device-facing MQTT broker.
type EmbeddedConfig struct {
	Host        string
	Port        int
	AuthEnabled bool
	// AuthTimeout bounds each call to the identity service during CONNECT.
	AuthTimeout time.Duration
}

// DefaultEmbeddedConfig provides sensible defaults.
func DefaultEmbeddedConfig() EmbeddedConfig {
	return EmbeddedConfig{
		Host:        "0.0.0.0",
		Port:        1883,
		AuthTimeout: 5 * time.Second,
	}
}

// Embedded runs an MQTT broker that devices connect to directly. Connections
// are authenticated against the identity service and every device publish,
// whatever its topic, is submitted for ingestion. Devices may not subscribe.
type Embedded struct {
	cfg      EmbeddedConfig
	identity identity.Client
	sub      Submitter
	logger   zerolog.Logger

	server *mqtt.Server
	ctx    context.Context
	cancel context.CancelFunc

	sessMu   sync.Mutex
	sessions map[string]string
}

// NewEmbedded creates an embedded listener. idc may be nil when authentication is disabled.
func NewEmbedded(cfg EmbeddedConfig, idc identity.Client, sub Submitter, logger zerolog.Logger) *Embedded {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultEmbeddedConfig().AuthTimeout
	}
	if idc == nil {
		idc = identity.AllowAll{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Embedded{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		identity: idc,
		sub:      sub,
		logger:   logger.With().Str("component", "EmbeddedListener").Logger(),
		sessions: make(map[string]string),
	}
}

// Address is the host:port the broker binds to.
func (e *Embedded) Address() string {
	return net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
}

// Start binds the listener and begins serving devices.
func (e *Embedded) Start(_ context.Context) error {
	if e.server != nil {
		return errors.New("embedded listener already started")
	}

	server := mqtt.New(&mqtt.Options{
		Logger: brokerLogger(e.logger),
	})
	if err := server.AddHook(&gatewayHook{listener: e}, nil); err != nil {
		return fmt.Errorf("failed to add gateway hook: %w", err)
	}
	tcp := listeners.NewTCP(listeners.Config{ID: "gateway-tcp", Address: e.Address()})
	if err := server.AddListener(tcp); err != nil {
		return fmt.Errorf("failed to bind MQTT listener on %s: %w", e.Address(), err)
	}
	e.server = server

	go func() {
		if err := server.Serve(); err != nil {
			e.logger.Error().Err(err).Msg("MQTT broker stopped serving")
		}
	}()
	e.logger.Info().Str("address", e.Address()).Bool("auth_enabled", e.cfg.AuthEnabled).Msg("Embedded MQTT listener started")
	return nil
}

// Connected returns the number of authenticated device sessions.
func (e *Embedded) Connected() int {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	return len(e.sessions)
}

// Stop closes every client connection and the TCP listener.
func (e *Embedded) Stop(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	e.logger.Info().Msg("Stopping embedded MQTT listener...")
	e.cancel()

	done := make(chan error, 1)
	go func() { done <- e.server.Close() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to close MQTT broker: %w", err)
		}
		e.logger.Info().Msg("Embedded MQTT listener stopped.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("closing MQTT broker: %w", ctx.Err())
	}
}

func (e *Embedded) onPublish(topic string, payload []byte) {
	forward(e.sub, e.logger, topic, payload)
}

// allow is the topic ACL: devices publish anywhere and subscribe nowhere.
func (e *Embedded) allow(clientID, topic string, write bool) bool {
	if write {
		return true
	}
	e.logger.Warn().
		Str("client_id", clientID).
		Str("topic", topic).
		Str("reason", "subscribe_denied").
		Msg("MQTT subscription refused")
	return false
}

// authenticate decides a CONNECT. The device id is the username, or the client
// id when no username is given.
func (e *Embedded) authenticate(clientID, username, password string) bool {
	if !e.cfg.AuthEnabled {
		return true
	}
	deviceID := sessionDevice(clientID, username)
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.AuthTimeout)
	defer cancel()
	if !identity.Verify(ctx, e.identity, deviceID, password, e.logger) {
		e.logger.Warn().
			Str("device_id", deviceID).
			Str("client_id", clientID).
			Str("reason", "auth_failed").
			Msg("MQTT connection refused")
		return false
	}
	return true
}

func (e *Embedded) sessionStarted(clientID, username string) {
	deviceID := sessionDevice(clientID, username)
	e.sessMu.Lock()
	e.sessions[clientID] = deviceID
	n := len(e.sessions)
	e.sessMu.Unlock()
	e.logger.Info().Str("device_id", deviceID).Str("client_id", clientID).Int("sessions", n).Msg("Device connected")
}

func (e *Embedded) sessionEnded(clientID string, err error) {
	e.sessMu.Lock()
	deviceID, ok := e.sessions[clientID]
	delete(e.sessions, clientID)
	n := len(e.sessions)
	e.sessMu.Unlock()
	if !ok {
		return
	}
	e.logger.Info().Err(err).Str("device_id", deviceID).Str("client_id", clientID).Int("sessions", n).Msg("Device disconnected")
}

func sessionDevice(clientID, username string) string {
	if username != "" {
		return username
	}
	return clientID
}

// gatewayHook connects broker lifecycle events to the listener.
type gatewayHook struct {
	mqtt.HookBase
	listener *Embedded
}

func (h *gatewayHook) ID() string { return "gateway-auth" }

func (h *gatewayHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnPublish,
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
	}, []byte{b})
}

func (h *gatewayHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	return h.listener.authenticate(cl.ID, string(pk.Connect.Username), string(pk.Connect.Password))
}

func (h *gatewayHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	return h.listener.allow(cl.ID, topic, write)
}

// OnPublish sees every accepted publish before it is routed to subscribers.
func (h *gatewayHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if !cl.Net.Inline {
		h.listener.onPublish(pk.TopicName, pk.Payload)
	}
	return pk, nil
}

func (h *gatewayHook) OnSessionEstablished(cl *mqtt.Client, pk packets.Packet) {
	h.listener.sessionStarted(cl.ID, string(pk.Connect.Username))
}

func (h *gatewayHook) OnDisconnect(cl *mqtt.Client, err error, _ bool) {
	h.listener.sessionEnded(cl.ID, err)
}

// brokerLogger routes the broker's slog output into the service logger at warn level.
func brokerLogger(logger zerolog.Logger) *slog.Logger {
	return slog.New(slog.NewTextHandler(logger.With().Str("component", "MQTTBroker").Logger(), &slog.HandlerOptions{Level: slog.LevelWarn}))
}
