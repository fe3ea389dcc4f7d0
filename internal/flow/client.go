// Package flow deploys flow documents to a device-local flow runtime
// over its admin HTTP API.
package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/edgeforge-io/edgeforge/pkg/errors"
	"github.com/edgeforge-io/edgeforge/pkg/log"
)

const (
	// DefaultPort is the admin API port of the flow runtime.
	DefaultPort = 1880

	deployHeader = "Node-RED-Deployment-Type"
	pollInterval = 2 * time.Second
)

// Client talks to one device's flow runtime admin API.
type Client struct {
	base string
	http *http.Client
	log  log.Logger
}

// NewClient builds a client for the runtime at host. port <= 0 uses
// DefaultPort.
func NewClient(host string, port int) *Client {
	if port <= 0 {
		port = DefaultPort
	}
	return &Client{
		base: fmt.Sprintf("http://%s:%d", host, port),
		http: &http.Client{Timeout: 15 * time.Second},
		log:  log.WithName("flow.client").WithValues("host", host),
	}
}

// Ready probes the admin API once.
func (c *Client) Ready(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/flows", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// WaitReady polls the admin API until it answers or the deadline
// passes, used after a service restart while the runtime boots.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if c.Ready(ctx) {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New(errors.Timeout, "flow runtime not ready within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(errors.Aborted, "wait for flow runtime", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// Flows fetches the currently deployed flow document.
func (c *Client) Flows(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/flows", nil)
	if err != nil {
		return nil, errors.Wrap(errors.Unknown, "build request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.NotFound, "fetch flows", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.Protocol, "fetch flows: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.Protocol, "read flows", err)
	}
	return body, nil
}

// Deploy replaces the runtime's flows with the given document as a
// full deployment, then reads them back to confirm the runtime
// accepted them.
func (c *Client) Deploy(ctx context.Context, flows json.RawMessage) error {
	if !json.Valid(flows) {
		return errors.New(errors.Precondition, "flow document is not valid json")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/flows", bytes.NewReader(flows))
	if err != nil {
		return errors.Wrap(errors.Unknown, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(deployHeader, "full")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(errors.NotFound, "deploy flows", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return errors.New(errors.Protocol, "deploy flows: status %d", resp.StatusCode)
	}

	deployed, err := c.Flows(ctx)
	if err != nil {
		return errors.Wrap(errors.Protocol, "verify deployment", err)
	}
	if !sameFlowCount(flows, deployed) {
		return errors.New(errors.Protocol, "runtime reports a different flow set after deployment")
	}
	c.log.Info("flows deployed", "bytes", len(flows))
	return nil
}

// sameFlowCount compares node counts; the runtime rewrites metadata so
// byte equality is not meaningful.
func sameFlowCount(a, b json.RawMessage) bool {
	var na, nb []json.RawMessage
	if json.Unmarshal(a, &na) != nil || json.Unmarshal(b, &nb) != nil {
		return false
	}
	return len(na) == len(nb)
}
