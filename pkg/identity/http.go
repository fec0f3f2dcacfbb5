package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClientConfig configures the REST registry client.
type HTTPClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPClient implements Client against the device registry's REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPClient creates a registry client. BaseURL is required.
func NewHTTPClient(cfg HTTPClientConfig, logger zerolog.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("identity: registry base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("identity: invalid registry base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With().Str("component", "RegistryHTTPClient").Logger(),
	}, nil
}

type authenticateRequest struct {
	Credential string `json:"credential"`
}

type authenticateResponse struct {
	Authenticated bool `json:"authenticated"`
}

// Authenticate asks the registry whether credential is valid for deviceID.
func (c *HTTPClient) Authenticate(ctx context.Context, deviceID, credential string) (bool, error) {
	body, err := json.Marshal(authenticateRequest{Credential: credential})
	if err != nil {
		return false, fmt.Errorf("identity: marshal authenticate request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/devices/%s/authenticate", c.baseURL, url.PathEscape(deviceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("identity: build authenticate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out authenticateResponse
	if err := c.do(req, &out); err != nil {
		return false, err
	}
	c.logger.Debug().Str("device_id", deviceID).Bool("authenticated", out.Authenticated).Msg("Registry authentication answered")
	return out.Authenticated, nil
}

// GetDeviceInfo fetches the registry record for deviceID.
func (c *HTTPClient) GetDeviceInfo(ctx context.Context, deviceID string) (*DeviceInfo, error) {
	endpoint := fmt.Sprintf("%s/devices/%s", c.baseURL, url.PathEscape(deviceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: build device request: %w", err)
	}
	var info DeviceInfo
	if err := c.do(req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("identity: registry request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrDeviceNotFound
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("identity: registry returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("identity: decode registry response: %w", err)
	}
	return nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
