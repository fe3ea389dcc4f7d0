package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/edgeforge-io/edgeforge/internal/history"
	"github.com/edgeforge-io/edgeforge/internal/station"
)

// Device is one row of the station's device listing.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// DetectResult is the outcome of a detection probe.
type DetectResult struct {
	Target string `json:"target"`
	Port   string `json:"port,omitempty"`
	Host   string `json:"host,omitempty"`
}

// apiError is the station's structured error body.
type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Client calls the station daemon's REST API.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client for the station at base.
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var out []Device
	return out, c.do(ctx, http.MethodGet, "/api/v1/devices", nil, &out)
}

func (c *Client) Detect(ctx context.Context, deviceID string) (*DetectResult, error) {
	var out DetectResult
	err := c.do(ctx, http.MethodPost, "/api/v1/devices/"+url.PathEscape(deviceID)+"/detect", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartDeployment(ctx context.Context, req station.Request) (string, error) {
	var out map[string]string
	if err := c.do(ctx, http.MethodPost, "/api/v1/deployments", req, &out); err != nil {
		return "", err
	}
	return out["run_id"], nil
}

func (c *Client) Deployment(ctx context.Context, runID string) (*station.RunView, error) {
	var out station.RunView
	err := c.do(ctx, http.MethodGet, "/api/v1/deployments/"+url.PathEscape(runID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Abort(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/deployments/"+url.PathEscape(runID), nil, nil)
}

func (c *Client) History(ctx context.Context, deviceID string, limit int) ([]history.Record, error) {
	q := url.Values{}
	if deviceID != "" {
		q.Set("device", deviceID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []history.Record
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("station unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s (%s)", apiErr.Message, apiErr.Kind)
		}
		return fmt.Errorf("station returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
