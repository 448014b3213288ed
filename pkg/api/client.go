package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pinacle-sh/pinacle/pkg/models"
)

// Client is the agent's view of the control plane. Network failures come
// back as transient errors; a 404 comes back as not-found so the agent can
// re-register.
type Client struct {
	BaseURL string
	Key     string
	HTTP    *http.Client
}

func NewClient(baseURL, key string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Key:     key,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) RegisterServer(ctx context.Context, server *models.Server) error {
	return c.post(ctx, "/register", server, nil)
}

func (c *Client) Heartbeat(ctx context.Context, serverID string) error {
	return c.post(ctx, "/heartbeat", heartbeatRequest{ServerID: serverID}, nil)
}

func (c *Client) ReportMetrics(ctx context.Context, sample *models.ServerMetricsSample, pods []*models.PodMetricsSample) error {
	if sample == nil {
		return fmt.Errorf("metrics report requires a server sample")
	}
	return c.post(ctx, "/metrics", MetricsReport{
		ServerID:        sample.ServerID,
		CPUUsagePercent: sample.CPUUsagePercent,
		MemoryUsageMb:   sample.MemoryUsageMb,
		DiskUsageGb:     sample.DiskUsageGb,
		ActivePodsCount: sample.ActivePodsCount,
		PodMetrics:      pods,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Key != "" {
		req.Header.Set("X-Api-Key", c.Key)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return models.Transient(fmt.Errorf("post %s: %w", path, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.NotFound(fmt.Errorf("post %s: %s", path, readError(resp.Body)))
	case resp.StatusCode == http.StatusConflict:
		return models.Conflict(fmt.Errorf("post %s: %s", path, readError(resp.Body)))
	case resp.StatusCode >= 500:
		return models.Transient(fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, readError(resp.Body)))
	case resp.StatusCode >= 400:
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, readError(resp.Body))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func readError(body io.Reader) string {
	var resp errorResponse
	if err := json.NewDecoder(body).Decode(&resp); err == nil && resp.Error != "" {
		return resp.Error
	}
	return "request failed"
}
