// Package httpapi is the request-oriented ingestion surface of the gateway,
// for devices that cannot hold an MQTT connection.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/telemetry-gateway/pkg/pipeline"
	"github.com/illmade-knight/telemetry-gateway/pkg/types"
)

// DefaultMaxBodyBytes caps request bodies at 1 MiB.
const DefaultMaxBodyBytes int64 = 1 << 20

// Client-side validation failures.
var (
	ErrMissingDeviceID = errors.New("deviceId is required")
	ErrMissingPayload  = errors.New("payload is required")
	ErrNoMessages      = errors.New("messages must contain at least one entry")
)

// Ingester runs one inbound message through admission and publishing.
// *pipeline.Pipeline satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, deviceID string, raw []byte, origin string) pipeline.Result
}

// SubmitResponse is the reply to a single device submission.
type SubmitResponse struct {
	Success       bool   `json:"success"`
	DeviceID      string `json:"deviceId"`
	Timestamp     string `json:"timestamp"`
	BytesReceived int    `json:"bytesReceived"`
	Dropped       bool   `json:"dropped,omitempty"`
	Failed        int    `json:"failed,omitempty"`
	Error         string `json:"error,omitempty"`
}

// BulkEntry is one message in a bulk submission.
type BulkEntry struct {
	DeviceID string          `json:"deviceId"`
	Payload  json.RawMessage `json:"payload"`
}

// BulkRequest is the body of a bulk submission.
type BulkRequest struct {
	Messages []BulkEntry `json:"messages"`
}

// BulkResult reports the outcome of one bulk entry.
type BulkResult struct {
	DeviceID string `json:"deviceId"`
	Success  bool   `json:"success"`
	Offset   *int64 `json:"offset,omitempty"`
	Dropped  bool   `json:"dropped,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BulkResponse is the reply to a bulk submission. Results are in input order.
type BulkResponse struct {
	Success   bool         `json:"success"`
	Processed int          `json:"processed"`
	Results   []BulkResult `json:"results"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Handler serves the telemetry endpoints.
type Handler struct {
	ingester     Ingester
	logger       zerolog.Logger
	maxBodyBytes int64
	now          func() time.Time
}

// NewHandler creates a handler. maxBodyBytes <= 0 selects DefaultMaxBodyBytes.
func NewHandler(ingester Ingester, maxBodyBytes int64, logger zerolog.Logger) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{
		ingester:     ingester,
		logger:       logger.With().Str("component", "HTTPIngestion").Logger(),
		maxBodyBytes: maxBodyBytes,
		now:          time.Now,
	}
}

// Routes registers the telemetry endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/telemetry/devices/{deviceId}", h.Submit)
	r.Post("/api/telemetry/bulk", h.SubmitBulk)
}

// Submit accepts a single payload, object or array, for the device in the path.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(chi.URLParam(r, "deviceId"))
	if deviceID == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: ErrMissingDeviceID.Error()})
		return
	}

	body, status, err := h.readBody(w, r)
	if err != nil {
		h.writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	if isAbsent(body) {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: ErrMissingPayload.Error()})
		return
	}

	receivedAt := h.now().UTC()
	// An admitted message is forwarded even if the client goes away.
	result := h.ingester.Ingest(context.WithoutCancel(r.Context()), deviceID, body, types.OriginHTTP)

	resp := SubmitResponse{
		Success:       true,
		DeviceID:      result.DeviceID,
		Timestamp:     receivedAt.Format(time.RFC3339Nano),
		BytesReceived: len(body),
		Dropped:       result.Dropped,
		Failed:        result.Failed(),
	}
	if len(result.Envelopes) > 0 && result.Published() == 0 {
		resp.Success = false
		resp.Error = result.Err().Error()
		h.writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// SubmitBulk processes every entry independently. A failing entry is reported
// in its own result and does not affect the others.
func (h *Handler) SubmitBulk(w http.ResponseWriter, r *http.Request) {
	body, status, err := h.readBody(w, r)
	if err != nil {
		h.writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	var req BulkRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed bulk request: " + err.Error()})
		return
	}
	if len(req.Messages) == 0 {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: ErrNoMessages.Error()})
		return
	}

	ctx := context.WithoutCancel(r.Context())
	resp := BulkResponse{Success: true, Processed: len(req.Messages), Results: make([]BulkResult, 0, len(req.Messages))}
	for i, entry := range req.Messages {
		resp.Results = append(resp.Results, h.submitEntry(ctx, i, entry))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) submitEntry(ctx context.Context, index int, entry BulkEntry) BulkResult {
	deviceID := strings.TrimSpace(entry.DeviceID)
	res := BulkResult{DeviceID: entry.DeviceID}
	switch {
	case deviceID == "":
		res.Error = ErrMissingDeviceID.Error()
	case isAbsent(entry.Payload):
		res.Error = ErrMissingPayload.Error()
	}
	if res.Error != "" {
		h.logger.Warn().Int("entry_index", index).Str("device_id", deviceID).Str("route", types.OriginHTTP).Str("reason", res.Error).Msg("Rejected bulk entry")
		return res
	}

	result := h.ingester.Ingest(ctx, deviceID, entry.Payload, types.OriginHTTP)
	if result.Dropped {
		res.Success = true
		res.Dropped = true
		return res
	}
	if len(result.Envelopes) > 0 && result.Published() == 0 {
		res.Error = result.Err().Error()
		return res
	}
	res.Success = true
	if d, ok := result.FirstDelivery(); ok && d.HasOffset() {
		offset := d.Offset
		res.Offset = &offset
	}
	return res
}

// readBody reads the whole request body within the size limit.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, errors.New("request body too large")
		}
		return nil, http.StatusBadRequest, errors.New("failed to read request body")
	}
	return body, http.StatusOK, nil
}

func isAbsent(payload []byte) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode and write response")
	}
}
