package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

const deviceIDPlaceholder = "{DEVICE_ID}"

// publishOptions configures a paced MQTT publishing run.
type publishOptions struct {
	BrokerURL    string
	DeviceIDs    []string
	TopicPattern string  // must contain {DEVICE_ID}
	Count        int     // messages per device
	Rate         float64 // messages per second per device; <= 0 is unpaced
	QoS          byte
	Password     string // sent with the device id as username
	Payload      string // fixed payload; empty generates one per message
	Timeout      time.Duration
}

// publishReport counts outcomes per device.
type publishReport struct {
	Published map[string]int `json:"published"`
	Failed    map[string]int `json:"failed"`
}

func (r publishReport) total() (published, failed int) {
	for _, n := range r.Published {
		published += n
	}
	for _, n := range r.Failed {
		failed += n
	}
	return published, failed
}

var (
	publishBroker   string
	publishDevices  []string
	publishNumDev   int
	publishPrefix   string
	publishTopic    string
	publishCount    int
	publishRate     float64
	publishQoS      int
	publishPassword string
	publishPayload  string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish paced MQTT telemetry as simulated devices",
	Long: `publish connects one MQTT client per device and publishes --count
messages each, paced at --rate messages per second per device.

Devices come from --device, or are generated as --num-devices ids with
--device-prefix. Each client uses its device id as the MQTT username so a
gateway with auth enabled can verify it against --password.`,
	Example: `  gatewayctl publish --device D1 --count 101 --rate 50
  gatewayctl publish --num-devices 20 --count 600 --rate 10 --broker tcp://gateway:1883`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if publishQoS < 0 || publishQoS > 2 {
			return fmt.Errorf("--qos must be 0, 1 or 2")
		}
		opts := publishOptions{
			BrokerURL:    publishBroker,
			DeviceIDs:    deviceIDs(publishDevices, publishNumDev, publishPrefix),
			TopicPattern: publishTopic,
			Count:        publishCount,
			Rate:         publishRate,
			QoS:          byte(publishQoS),
			Password:     publishPassword,
			Payload:      publishPayload,
			Timeout:      requestTimeout,
		}
		report, err := runPublish(cmd.Context(), opts, log.Logger)
		if printErr := printJSON(cmd.OutOrStdout(), report); printErr != nil {
			return errors.Join(err, printErr)
		}
		return err
	},
}

func init() {
	f := publishCmd.Flags()
	f.StringVarP(&publishBroker, "broker", "b", "tcp://localhost:1883", "MQTT broker URL")
	f.StringSliceVarP(&publishDevices, "device", "d", nil, "Device ids to publish as (repeatable)")
	f.IntVarP(&publishNumDev, "num-devices", "n", 1, "Number of generated devices when --device is not set")
	f.StringVar(&publishPrefix, "device-prefix", "LOADTEST-", "Prefix for generated device ids")
	f.StringVar(&publishTopic, "topic-pattern", "devices/"+deviceIDPlaceholder+"/telemetry", "Topic pattern; {DEVICE_ID} is replaced per device")
	f.IntVar(&publishCount, "count", 10, "Messages per device")
	f.Float64Var(&publishRate, "rate", 1, "Messages per second per device (0 for unpaced)")
	f.IntVar(&publishQoS, "qos", 1, "MQTT QoS")
	f.StringVar(&publishPassword, "password", "", "Device credential")
	f.StringVar(&publishPayload, "payload", "", "Fixed JSON payload (default: generated reading)")
	rootCmd.AddCommand(publishCmd)
}

func deviceIDs(explicit []string, n int, prefix string) []string {
	if len(explicit) > 0 {
		return explicit
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s%06d", prefix, i)
	}
	return ids
}

// runPublish publishes for every device concurrently and returns once all
// devices are done or ctx is cancelled. A device that cannot connect counts
// its whole quota as failed.
func runPublish(ctx context.Context, opts publishOptions, logger zerolog.Logger) (publishReport, error) {
	report := publishReport{Published: map[string]int{}, Failed: map[string]int{}}
	if len(opts.DeviceIDs) == 0 {
		return report, errors.New("no devices to publish as")
	}
	if !strings.Contains(opts.TopicPattern, deviceIDPlaceholder) {
		return report, fmt.Errorf("topic pattern %q must contain %s", opts.TopicPattern, deviceIDPlaceholder)
	}
	logger = logger.With().Str("component", "Publisher").Logger()

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, id := range opts.DeviceIDs {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			published, err := publishAsDevice(ctx, opts, deviceID, logger)
			mu.Lock()
			defer mu.Unlock()
			report.Published[deviceID] = published
			report.Failed[deviceID] = opts.Count - published
			if err != nil {
				errs = append(errs, fmt.Errorf("device %s: %w", deviceID, err))
			}
		}(id)
	}
	wg.Wait()

	published, failed := report.total()
	logger.Info().Int("devices", len(opts.DeviceIDs)).Int("published", published).Int("failed", failed).Msg("Publishing complete")
	return report, errors.Join(errs...)
}

func publishAsDevice(ctx context.Context, opts publishOptions, deviceID string, logger zerolog.Logger) (int, error) {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(fmt.Sprintf("gatewayctl-%s-%s", deviceID, uuid.NewString()[:8])).
		SetUsername(deviceID).
		SetPassword(opts.Password).
		SetConnectTimeout(opts.Timeout).
		SetAutoReconnect(false)
	client := mqtt.NewClient(clientOpts)

	token := client.Connect()
	if !token.WaitTimeout(opts.Timeout) {
		return 0, fmt.Errorf("connect to %s timed out", opts.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return 0, fmt.Errorf("connect to %s: %w", opts.BrokerURL, err)
	}
	defer client.Disconnect(250)

	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)
	topic := strings.ReplaceAll(opts.TopicPattern, deviceIDPlaceholder, deviceID)

	published := 0
	for seq := 0; seq < opts.Count; seq++ {
		if err := limiter.Wait(ctx); err != nil {
			return published, err
		}
		pub := client.Publish(topic, opts.QoS, false, payloadFor(opts.Payload, deviceID, seq))
		if !pub.WaitTimeout(opts.Timeout) {
			logger.Warn().Str("device_id", deviceID).Int("seq", seq).Msg("Publish timed out")
			continue
		}
		if err := pub.Error(); err != nil {
			logger.Warn().Err(err).Str("device_id", deviceID).Int("seq", seq).Msg("Publish failed")
			continue
		}
		published++
	}
	logger.Debug().Str("device_id", deviceID).Str("topic", topic).Int("published", published).Msg("Device finished")
	return published, nil
}

func payloadFor(fixed, deviceID string, seq int) []byte {
	if fixed != "" {
		return []byte(fixed)
	}
	return []byte(fmt.Sprintf(`{"deviceId":%q,"seq":%d,"ts":%q}`, deviceID, seq, time.Now().UTC().Format(time.RFC3339Nano)))
}
