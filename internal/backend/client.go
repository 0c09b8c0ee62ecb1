package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aurelia-labs/shotprep/constants"
	"github.com/aurelia-labs/shotprep/internal/common"
)

// Client talks to the model server hosting both segmentation models.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Transport-level ceiling only; per-call budgets come from ctx.
		http: &http.Client{Timeout: 5 * time.Minute},
		log:  logger,
	}
}

// Stats is the model server's accelerator memory report.
type Stats struct {
	VRAMUsed  uint64 `json:"vram_used"`
	VRAMTotal uint64 `json:"vram_total"`
}

// LoadModel asks the server to bring a model into memory on the given device.
func (c *Client) LoadModel(ctx context.Context, model string, mode constants.DeviceMode) error {
	body := map[string]any{"device": deviceParam(mode)}
	_, err := c.postJSON(ctx, "/models/"+model+"/load", body)
	return err
}

// UnloadModel releases the model's memory on the server.
func (c *Client) UnloadModel(ctx context.Context, model string) error {
	_, err := c.postJSON(ctx, "/models/"+model+"/unload", nil)
	return err
}

// UsedFraction reports accelerator memory usage as used/total.
func (c *Client) UsedFraction(ctx context.Context) (float64, error) {
	raw, err := c.get(ctx, "/system/stats")
	if err != nil {
		return 0, err
	}
	var st Stats
	if err := json.Unmarshal(raw, &st); err != nil {
		return 0, common.NewError(common.KindDeviceError, "decode system stats", err)
	}
	if st.VRAMTotal == 0 {
		return 0, nil
	}
	return float64(st.VRAMUsed) / float64(st.VRAMTotal), nil
}

// Reclaim triggers a server-side cache free. Aggressive reclaim also drops
// cached intermediates, not just unreferenced buffers.
func (c *Client) Reclaim(ctx context.Context, aggressive bool) error {
	body := map[string]any{"free_memory": true, "aggressive": aggressive}
	_, err := c.postJSON(ctx, "/free", body)
	return err
}

func (c *Client) postJSON(ctx context.Context, path string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		rd = bytes.NewReader(bs)
	}
	return c.do(ctx, http.MethodPost, path, rd, "application/json")
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil, "")
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	reqID := uuid.New().String()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("backend.http.send_error",
			"req_id", reqID, "path", path, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return nil, classifyTransportError(err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.log.Warn("backend.http.body_close_error", "req_id", reqID, "error", cerr)
		}
	}()

	raw, _ := io.ReadAll(resp.Body)

	c.log.Debug("backend.http.response",
		"req_id", reqID, "path", path, "status", resp.StatusCode,
		"bytes", len(raw), "elapsed_ms", time.Since(start).Milliseconds())

	if resp.StatusCode/100 != 2 {
		return raw, classifyStatus(resp.StatusCode, raw)
	}
	return raw, nil
}

// classifyStatus maps server failures into the error taxonomy so callers
// can pick a recovery path without parsing response bodies themselves.
func classifyStatus(status int, body []byte) error {
	text := strings.ToLower(string(body))
	switch {
	case status == http.StatusInsufficientStorage || strings.Contains(text, "out of memory") || strings.Contains(text, "oom"):
		return common.Errorf(common.KindResourceExhausted, "model server exhausted: status %d", status)
	case (status == http.StatusBadGateway || status == http.StatusServiceUnavailable) &&
		(strings.Contains(text, "cuda") || strings.Contains(text, "device")):
		return common.Errorf(common.KindDeviceError, "device fault: status %d", status)
	default:
		return common.Errorf(common.KindBackendFailure, "non-2xx status %d: %s", status, truncate(text, 256))
	}
}

func classifyTransportError(err error) error {
	return common.NewError(common.KindBackendFailure, "http send", err)
}

func deviceParam(mode constants.DeviceMode) string {
	if mode == constants.DeviceHostOnly {
		return "cpu"
	}
	return "cuda"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
