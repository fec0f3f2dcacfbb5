package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/illmade-knight/telemetry-gateway/services-mvp/gateway/httpapi"
)

var bulkCmd = &cobra.Command{
	Use:   "bulk <file>",
	Short: "Send a file of entries to the bulk endpoint",
	Long: `bulk reads a JSON file and posts it to /api/telemetry/bulk.

The file is either {"messages": [...]} or a bare array of
{"deviceId": "...", "payload": ...} entries. Each entry is reported
separately; the command fails if any entry failed.`,
	Example: `  gatewayctl bulk readings.json`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := loadBulkFile(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		resp, status, err := postBulk(ctx, httpClient(), gatewayURL, req)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("gateway returned %d", status)
		}

		var failed, dropped int
		for _, r := range resp.Results {
			switch {
			case !r.Success:
				failed++
			case r.Dropped:
				dropped++
			}
		}
		log.Info().Int("processed", resp.Processed).Int("failed", failed).Int("dropped", dropped).Msg("Bulk submission complete")
		if failed > 0 {
			return fmt.Errorf("%d of %d entries failed", failed, len(resp.Results))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bulkCmd)
}

// loadBulkFile accepts the request object or a bare array of entries.
func loadBulkFile(path string) (httpapi.BulkRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return httpapi.BulkRequest{}, fmt.Errorf("reading bulk file: %w", err)
	}
	var req httpapi.BulkRequest
	if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		err = json.Unmarshal(data, &req.Messages)
	} else {
		err = json.Unmarshal(data, &req)
	}
	if err != nil {
		return httpapi.BulkRequest{}, fmt.Errorf("parsing bulk file %s: %w", path, err)
	}
	if len(req.Messages) == 0 {
		return httpapi.BulkRequest{}, fmt.Errorf("bulk file %s has no messages", path)
	}
	return req, nil
}

func postBulk(ctx context.Context, client *http.Client, baseURL string, req httpapi.BulkRequest) (*httpapi.BulkResponse, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("encoding bulk request: %w", err)
	}
	var resp httpapi.BulkResponse
	status, err := postJSON(ctx, client, strings.TrimRight(baseURL, "/")+"/api/telemetry/bulk", body, &resp)
	if err != nil {
		return nil, status, err
	}
	return &resp, status, nil
}
