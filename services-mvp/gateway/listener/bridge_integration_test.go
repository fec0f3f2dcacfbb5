//go:build integration

package listener

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testMosquittoImage = "eclipse-mosquitto:2.0"
	testMqttBrokerPort = "1883/tcp"
)

func setupMosquittoContainer(t *testing.T, ctx context.Context) string {
	t.Helper()
	confPath := filepath.Join(t.TempDir(), "mosquitto.conf")
	require.NoError(t, os.WriteFile(confPath, []byte("listener 1883\nallow_anonymous true\n"), 0o644))

	req := testcontainers.ContainerRequest{
		Image:        testMosquittoImage,
		ExposedPorts: []string{testMqttBrokerPort},
		WaitingFor:   wait.ForLog("mosquitto version 2.0").WithStartupTimeout(60 * time.Second),
		Files:        []testcontainers.ContainerFile{{HostFilePath: confPath, ContainerFilePath: "/mosquitto/config/mosquitto.conf"}},
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(context.Background())) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, testMqttBrokerPort)
	require.NoError(t, err)
	return fmt.Sprintf("tcp://%s:%s", host, port.Port())
}

func TestBridge_ForwardsUpstreamTelemetry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	brokerURL := setupMosquittoContainer(t, ctx)

	sub := &recordingSubmitter{}
	cfg := DefaultBridgeConfig()
	cfg.BrokerURL = brokerURL
	cfg.ClientID = "bridge-it"
	bridge := NewBridge(cfg, sub, zerolog.Nop())
	require.NoError(t, bridge.Start(ctx))
	t.Cleanup(func() { _ = bridge.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		bridge.mu.Lock()
		defer bridge.mu.Unlock()
		return len(bridge.active) == len(DefaultTopics)
	}, 10*time.Second, 50*time.Millisecond)

	pubOpts := mqtt.NewClientOptions().AddBroker(brokerURL).SetClientID("device-sim").SetConnectTimeout(10 * time.Second)
	publisher := mqtt.NewClient(pubOpts)
	token := publisher.Connect()
	require.True(t, token.WaitTimeout(10*time.Second))
	require.NoError(t, token.Error())
	defer publisher.Disconnect(250)

	for topic, payload := range map[string]string{
		"devices/D9/telemetry":        `{"t":1}`,
		"site-a/devices/D8/telemetry": `{"t":2}`,
		"devices/D7/status":           `{"ignored":true}`,
	} {
		pub := publisher.Publish(topic, 1, false, []byte(payload))
		require.True(t, pub.WaitTimeout(10*time.Second))
		require.NoError(t, pub.Error())
	}

	require.Eventually(t, func() bool { return len(sub.snapshot()) == 2 }, 10*time.Second, 50*time.Millisecond)
	got := map[string]string{}
	for _, job := range sub.snapshot() {
		got[job.DeviceID] = job.Origin
	}
	assert.Equal(t, map[string]string{
		"D9": "devices/D9/telemetry",
		"D8": "site-a/devices/D8/telemetry",
	}, got)
}
