package gatewayservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/telemetry-gateway/pkg/identity"
	"github.com/illmade-knight/telemetry-gateway/pkg/producer"
	"github.com/illmade-knight/telemetry-gateway/pkg/types"
)

// memoryProducer records messages and the order of shutdown events.
type memoryProducer struct {
	mu       sync.Mutex
	messages []types.BrokerMessage
	events   *[]string
	closed   bool
}

func (p *memoryProducer) Publish(_ context.Context, msg types.BrokerMessage) (producer.DeliveryResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return producer.DeliveryResult{Offset: -1}, producer.ErrClosed
	}
	p.messages = append(p.messages, msg)
	return producer.DeliveryResult{Topic: producer.DefaultTopic, Offset: int64(len(p.messages) - 1)}, nil
}

func (p *memoryProducer) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.events != nil {
		*p.events = append(*p.events, "producer")
	}
	return nil
}

func (p *memoryProducer) snapshot() []types.BrokerMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.BrokerMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// closeRecorder is an identity client that records when it is closed.
type closeRecorder struct {
	events *[]string
	mu     *sync.Mutex
	creds  map[string]string
}

func (c *closeRecorder) Authenticate(_ context.Context, deviceID, credential string) (bool, error) {
	want, ok := c.creds[deviceID]
	return ok && want == credential, nil
}

func (c *closeRecorder) GetDeviceInfo(context.Context, string) (*identity.DeviceInfo, error) {
	return nil, errors.New("not implemented")
}

func (c *closeRecorder) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.events = append(*c.events, "identity")
	return nil
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	cfg.HTTP.ListenAddr = "127.0.0.1:0"
	cfg.Listener.Host = "127.0.0.1"
	cfg.Listener.Port = freePort(t)
	cfg.Dispatcher.Workers = 2
	cfg.Dispatcher.QueueSize = 64
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

func TestServer_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Enabled = true
	cfg.RateLimit.MaxMessagesPerWindow = 3

	var mu sync.Mutex
	var events []string
	prod := &memoryProducer{events: &events}
	idc := &closeRecorder{events: &events, mu: &mu, creds: map[string]string{"D1": "secret"}}

	server, err := NewServerWithDependencies(cfg, zerolog.Nop(), prod, idc)
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))

	// HTTP path.
	resp, err := http.Post(fmt.Sprintf("http://%s/api/telemetry/devices/H1", server.HTTPAddr()), "application/json", strings.NewReader(`[{"a":1},{"a":2}]`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var submit map[string]any
	require.NoError(t, json.Unmarshal(body, &submit))
	assert.Equal(t, true, submit["success"])

	// MQTT path.
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://127.0.0.1:%d", cfg.Listener.Port)).
		SetClientID("d1").
		SetUsername("D1").
		SetPassword("secret").
		SetAutoReconnect(false)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	for i := 0; i < 5; i++ {
		pub := client.Publish("devices/D1/telemetry", 1, false, []byte(fmt.Sprintf(`{"seq":%d}`, i)))
		require.True(t, pub.WaitTimeout(5*time.Second))
		require.NoError(t, pub.Error())
	}
	client.Disconnect(100)

	// 2 HTTP envelopes plus 3 admitted MQTT messages; the other 2 are rate limited.
	require.Eventually(t, func() bool { return len(prod.snapshot()) == 5 }, 5*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	var d1 int
	for _, msg := range prod.snapshot() {
		if msg.Key == "D1" {
			d1++
			assert.Equal(t, "devices/D1/telemetry", msg.Headers[types.HeaderOriginRoute])
		}
	}
	assert.Equal(t, 3, d1)

	// Metrics are exposed on the same HTTP server.
	mresp, err := http.Get(fmt.Sprintf("http://%s/metrics", server.HTTPAddr()))
	require.NoError(t, err)
	mbody, _ := io.ReadAll(mresp.Body)
	mresp.Body.Close()
	assert.Contains(t, string(mbody), "gateway_admission_rejected_total 2")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))
	mu.Lock()
	assert.Equal(t, []string{"producer", "identity"}, events)
	mu.Unlock()

	// Stop is idempotent.
	assert.NoError(t, server.Stop(ctx))
}

func TestServer_RejectsUnauthenticatedDevice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Enabled = true

	var mu sync.Mutex
	var events []string
	prod := &memoryProducer{}
	idc := &closeRecorder{events: &events, mu: &mu, creds: map[string]string{"D1": "secret"}}

	server, err := NewServerWithDependencies(cfg, zerolog.Nop(), prod, idc)
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { _ = server.Stop(context.Background()) })

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://127.0.0.1:%d", cfg.Listener.Port)).
		SetClientID("intruder").
		SetUsername("D1").
		SetPassword("guess").
		SetAutoReconnect(false)
	token := mqtt.NewClient(opts).Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	assert.Error(t, token.Error())
}

func TestNewServerWithDependencies_Validation(t *testing.T) {
	_, err := NewServerWithDependencies(nil, zerolog.Nop(), &memoryProducer{}, nil)
	assert.Error(t, err)

	_, err = NewServerWithDependencies(testConfig(t), zerolog.Nop(), nil, nil)
	assert.Error(t, err)
}
