package listener

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/telemetry-gateway/pkg/identity"
	"github.com/illmade-knight/telemetry-gateway/pkg/pipeline"
	"github.com/illmade-knight/telemetry-gateway/pkg/types"
)

// recordingSubmitter collects jobs, or rejects them with err.
type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	err  error
}

func (s *recordingSubmitter) Submit(job pipeline.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *recordingSubmitter) snapshot() []pipeline.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// staticIdentity authenticates devices against a fixed credential table.
type staticIdentity struct {
	creds map[string]string
	err   error
	calls int
	mu    sync.Mutex
}

func (s *staticIdentity) Authenticate(_ context.Context, deviceID, credential string) (bool, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	want, ok := s.creds[deviceID]
	if !ok {
		return false, identity.ErrDeviceNotFound
	}
	return want == credential, nil
}

func (s *staticIdentity) GetDeviceInfo(_ context.Context, deviceID string) (*identity.DeviceInfo, error) {
	if _, ok := s.creds[deviceID]; !ok {
		return nil, identity.ErrDeviceNotFound
	}
	return &identity.DeviceInfo{ID: deviceID, IsActive: true}, nil
}

func (s *staticIdentity) Close() error { return nil }

// syncBuffer guards a bytes.Buffer written by the logger from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestForward_CopiesPayloadAndExtractsDevice(t *testing.T) {
	sub := &recordingSubmitter{}
	payload := []byte(`{"t":1}`)

	forward(sub, zerolog.Nop(), "devices/ABC123/telemetry", payload)
	payload[0] = 'X'

	jobs := sub.snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, "ABC123", jobs[0].DeviceID)
	assert.Equal(t, "devices/ABC123/telemetry", jobs[0].Origin)
	assert.Equal(t, `{"t":1}`, string(jobs[0].Payload))
}

func TestForward_UnknownTopicStillForwarded(t *testing.T) {
	sub := &recordingSubmitter{}
	forward(sub, zerolog.Nop(), "foo/bar", []byte("x"))

	jobs := sub.snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, "unknown", jobs[0].DeviceID)
}

func TestForward_QueueFullIsLogged(t *testing.T) {
	var logs syncBuffer
	sub := &recordingSubmitter{err: pipeline.ErrQueueFull}

	forward(sub, zerolog.New(&logs), "devices/D1/telemetry", []byte("x"))

	out := logs.String()
	assert.Contains(t, out, `"device_id":"D1"`)
	assert.Contains(t, out, `"reason":"queue_full"`)
}

func TestEmbedded_Authenticate(t *testing.T) {
	idc := &staticIdentity{creds: map[string]string{"D1": "secret"}}

	disabled := NewEmbedded(EmbeddedConfig{AuthEnabled: false}, idc, &recordingSubmitter{}, zerolog.Nop())
	assert.True(t, disabled.authenticate("client-1", "D1", "wrong"))
	assert.Equal(t, 0, idc.calls)

	enabled := NewEmbedded(EmbeddedConfig{AuthEnabled: true}, idc, &recordingSubmitter{}, zerolog.Nop())
	testCases := []struct {
		name     string
		clientID string
		username string
		password string
		want     bool
	}{
		{name: "valid username", clientID: "c1", username: "D1", password: "secret", want: true},
		{name: "wrong password", clientID: "c1", username: "D1", password: "nope", want: false},
		{name: "client id as device", clientID: "D1", username: "", password: "secret", want: true},
		{name: "unknown device", clientID: "c1", username: "D9", password: "secret", want: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, enabled.authenticate(tc.clientID, tc.username, tc.password))
		})
	}
}

func TestEmbedded_AuthenticateFailsClosed(t *testing.T) {
	idc := &staticIdentity{err: errors.New("registry unreachable")}
	e := NewEmbedded(EmbeddedConfig{AuthEnabled: true}, idc, &recordingSubmitter{}, zerolog.Nop())

	assert.False(t, e.authenticate("c1", "D1", "secret"))
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startEmbedded(t *testing.T, cfg EmbeddedConfig, idc identity.Client, sub Submitter) *Embedded {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Port = freePort(t)
	e := NewEmbedded(cfg, idc, sub, zerolog.Nop())
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func connectDevice(addr, clientID, username, password string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID(clientID).
		SetUsername(username).
		SetPassword(password).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(5 * time.Second)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, errors.New("connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return client, nil
}

func TestEmbedded_DevicePublishIsSubmitted(t *testing.T) {
	sub := &recordingSubmitter{}
	idc := &staticIdentity{creds: map[string]string{"D1": "secret"}}
	e := startEmbedded(t, EmbeddedConfig{AuthEnabled: true}, idc, sub)

	client, err := connectDevice(e.Address(), "d1-client", "D1", "secret")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.Connected() == 1 }, 2*time.Second, 10*time.Millisecond)

	token := client.Publish("devices/D1/telemetry", 1, false, []byte(`[{"a":1},{"a":2}]`))
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	require.Eventually(t, func() bool { return len(sub.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	job := sub.snapshot()[0]
	assert.Equal(t, "D1", job.DeviceID)
	assert.Equal(t, "devices/D1/telemetry", job.Origin)
	assert.Equal(t, `[{"a":1},{"a":2}]`, string(job.Payload))

	client.Disconnect(100)
	require.Eventually(t, func() bool { return e.Connected() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEmbedded_BadCredentialsRefused(t *testing.T) {
	sub := &recordingSubmitter{}
	idc := &staticIdentity{creds: map[string]string{"D1": "secret"}}
	e := startEmbedded(t, EmbeddedConfig{AuthEnabled: true}, idc, sub)

	_, err := connectDevice(e.Address(), "d1-client", "D1", "wrong")
	require.Error(t, err)
	assert.Equal(t, 0, e.Connected())
}

func TestEmbedded_EveryDevicePublishIsForwarded(t *testing.T) {
	sub := &recordingSubmitter{}
	e := startEmbedded(t, EmbeddedConfig{}, nil, sub)

	client, err := connectDevice(e.Address(), "stray", "", "")
	require.NoError(t, err)
	defer client.Disconnect(100)

	for _, topic := range []string{"foo/bar", "legacy/devices/XYZ/telemetry"} {
		token := client.Publish(topic, 1, false, []byte(`{"t":1}`))
		require.True(t, token.WaitTimeout(5*time.Second))
		require.NoError(t, token.Error())
	}

	require.Eventually(t, func() bool { return len(sub.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	// Give a duplicate delivery the chance to show up.
	time.Sleep(50 * time.Millisecond)
	jobs := sub.snapshot()
	require.Len(t, jobs, 2)
	assert.Equal(t, types.UnknownDevice, jobs[0].DeviceID)
	assert.Equal(t, "foo/bar", jobs[0].Origin)
	assert.Equal(t, "XYZ", jobs[1].DeviceID)
}

func TestEmbedded_DeviceSubscriptionRefused(t *testing.T) {
	sub := &recordingSubmitter{}
	e := startEmbedded(t, EmbeddedConfig{}, nil, sub)

	snooper, err := connectDevice(e.Address(), "snooper", "D2", "")
	require.NoError(t, err)
	defer snooper.Disconnect(100)

	received := make(chan string, 1)
	token := snooper.Subscribe("#", 1, func(_ mqtt.Client, msg mqtt.Message) { received <- msg.Topic() })
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	assert.Equal(t, byte(0x80), token.(*mqtt.SubscribeToken).Result()["#"])

	device, err := connectDevice(e.Address(), "d1", "D1", "")
	require.NoError(t, err)
	defer device.Disconnect(100)
	pub := device.Publish("devices/D1/telemetry", 1, false, []byte(`{"t":1}`))
	require.True(t, pub.WaitTimeout(5*time.Second))
	require.NoError(t, pub.Error())

	require.Eventually(t, func() bool { return len(sub.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	select {
	case topic := <-received:
		t.Fatalf("device received telemetry on %s", topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEmbedded_AllowIsPublishOnly(t *testing.T) {
	buf := &syncBuffer{}
	e := NewEmbedded(EmbeddedConfig{}, nil, &recordingSubmitter{}, zerolog.New(buf))

	assert.True(t, e.allow("d1", "anything/at/all", true))
	assert.False(t, e.allow("d1", "devices/+/telemetry", false))
	assert.Contains(t, buf.String(), `"reason":"subscribe_denied"`)
}
