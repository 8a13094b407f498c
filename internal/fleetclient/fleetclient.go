// Package fleetclient is the controller-side HTTP adapter to a single
// device's RemoteControlServer. It carries the bearer token on every
// request and makes exactly one attempt per call, letting the caller
// (the fleet API's proxy routes, or the Deployer) decide what to do
// with a failure.
package fleetclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mclarkelauer/mastercontrol/internal/fleeterrors"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// RequestTimeout bounds every call except Logs, which may legitimately
// wait on a larger payload.
const RequestTimeout = 30 * time.Second

// LogsTimeout bounds the logs call.
const LogsTimeout = 60 * time.Second

// dialTimeout bounds TCP connection establishment.
const dialTimeout = 5 * time.Second

// Client talks to one device's RemoteControlServer over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a Client targeting http://host:port. token may be empty.
func New(host string, port int, token string) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		token:   token,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: dialTimeout}).DialContext,
			},
		},
	}
}

// Health calls GET /api/health.
func (c *Client) Health(ctx context.Context, clientName string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, clientName, http.MethodGet, "/api/health", RequestTimeout, nil, &out)
	return out, err
}

// List calls GET /api/list.
func (c *Client) List(ctx context.Context, clientName string) ([]types.WorkloadInfo, error) {
	var out []types.WorkloadInfo
	err := c.do(ctx, clientName, http.MethodGet, "/api/list", RequestTimeout, nil, &out)
	return out, err
}

// Status calls GET /api/status/{name}.
func (c *Client) Status(ctx context.Context, clientName, workload string) (types.WorkloadInfo, error) {
	var out types.WorkloadInfo
	err := c.do(ctx, clientName, http.MethodGet, "/api/status/"+url.PathEscape(workload), RequestTimeout, nil, &out)
	return out, err
}

// Start calls POST /api/start/{name}.
func (c *Client) Start(ctx context.Context, clientName, workload string) (map[string]interface{}, error) {
	return c.control(ctx, clientName, "start", workload)
}

// Stop calls POST /api/stop/{name}.
func (c *Client) Stop(ctx context.Context, clientName, workload string) (map[string]interface{}, error) {
	return c.control(ctx, clientName, "stop", workload)
}

// Restart calls POST /api/restart/{name}.
func (c *Client) Restart(ctx context.Context, clientName, workload string) (map[string]interface{}, error) {
	return c.control(ctx, clientName, "restart", workload)
}

func (c *Client) control(ctx context.Context, clientName, verb, workload string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, clientName, http.MethodPost, "/api/"+verb+"/"+url.PathEscape(workload), RequestTimeout, nil, &out)
	return out, err
}

// Reload calls POST /api/reload.
func (c *Client) Reload(ctx context.Context, clientName string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, clientName, http.MethodPost, "/api/reload", RequestTimeout, nil, &out)
	return out, err
}

// Logs calls GET /api/logs/{name}?lines=N.
func (c *Client) Logs(ctx context.Context, clientName, workload string, lines int) (map[string]interface{}, error) {
	path := "/api/logs/" + url.PathEscape(workload) + "?lines=" + strconv.Itoa(lines)
	var out map[string]interface{}
	err := c.do(ctx, clientName, http.MethodGet, path, LogsTimeout, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, clientName, method, path string, timeout time.Duration, body []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fleeterrors.NewInternal(err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fleeterrors.NewBadGateway(clientName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fleeterrors.NewNotFound(fmt.Sprintf("%s on %s", path, clientName))
	}
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &fleeterrors.HttpError{StatusCode: resp.StatusCode, Detail: string(detail)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fleeterrors.NewBadGateway(clientName, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}
