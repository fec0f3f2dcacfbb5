package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/illmade-knight/telemetry-gateway/services-mvp/gateway/httpapi"
)

var postPayloadFile string

var postCmd = &cobra.Command{
	Use:   "post <device-id> [payload]",
	Short: "Submit one payload for a device over HTTP",
	Long: `post sends a single JSON payload to /api/telemetry/devices/{deviceId}.

The payload comes from the second argument, from --file, or from stdin
when neither is given. A JSON array is fanned out by the gateway into one
broker message per element.`,
	Example: `  gatewayctl post D1 '{"temp":21.5}'
  gatewayctl post D1 -f reading.json --gateway-url http://gateway:8080`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(cmd.InOrStdin(), args[1:], postPayloadFile)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		resp, status, err := postTelemetry(ctx, httpClient(), gatewayURL, args[0], payload)
		if err != nil {
			return err
		}
		log.Info().Str("device_id", args[0]).Int("status", status).Bool("dropped", resp.Dropped).Msg("Submission complete")
		if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("gateway returned %d: %s", status, resp.Error)
		}
		return nil
	},
}

func init() {
	postCmd.Flags().StringVarP(&postPayloadFile, "file", "f", "", "Read the payload from this file")
	rootCmd.AddCommand(postCmd)
}

// postTelemetry submits payload for deviceID and decodes the gateway's reply.
// Non-2xx replies are returned with their status, not as an error.
func postTelemetry(ctx context.Context, client *http.Client, baseURL, deviceID string, payload []byte) (*httpapi.SubmitResponse, int, error) {
	endpoint := strings.TrimRight(baseURL, "/") + "/api/telemetry/devices/" + url.PathEscape(deviceID)
	var resp httpapi.SubmitResponse
	status, err := postJSON(ctx, client, endpoint, payload, &resp)
	if err != nil {
		return nil, status, err
	}
	return &resp, status, nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("posting to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding %d response %q: %w", resp.StatusCode, strings.TrimSpace(string(raw)), err)
	}
	return resp.StatusCode, nil
}

func readPayload(stdin io.Reader, args []string, file string) ([]byte, error) {
	switch {
	case len(args) > 0 && file != "":
		return nil, fmt.Errorf("give the payload as an argument or with --file, not both")
	case len(args) > 0:
		return []byte(args[0]), nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading payload file: %w", err)
		}
		return data, nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading payload from stdin: %w", err)
		}
		return data, nil
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
