// Package client talks to a running fleetsim server.
package client

import (
	"bufio"
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

	"github.com/3cpo-dev/fleetsim/internal/sim"
	wire "github.com/3cpo-dev/fleetsim/pkg/api"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fleetsim api: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Detail)
}

type Client struct {
	base   *url.URL
	token  string
	http   *RetryableHTTPClient
	stream *http.Client
}

type Option func(*Client)

// WithToken sends token as a bearer token.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

func WithRetryConfig(rc RetryConfig) Option { return func(c *Client) { c.http.retryConfig = rc } }

// WithHTTPClient replaces the transport used for both requests and streams,
// e.g. to add TLS client certificates.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http.client = hc
		c.stream = &http.Client{Transport: hc.Transport}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server url must be absolute: %s", baseURL)
	}
	c := &Client{
		base:   u,
		http:   NewRetryableHTTPClient(30*time.Second, 0),
		stream: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er wire.ErrorResponse
	if err := json.Unmarshal(raw, &er); err != nil || er.Detail == "" {
		er.Detail = strings.TrimSpace(string(raw))
	}
	return &APIError{StatusCode: resp.StatusCode, Detail: er.Detail}
}

func (c *Client) Version(ctx context.Context) (wire.VersionResponse, error) {
	var v wire.VersionResponse
	err := c.do(ctx, http.MethodGet, "/version", nil, nil, &v)
	return v, err
}

func (c *Client) Regions(ctx context.Context) ([]sim.Region, error) {
	var l wire.List[sim.Region]
	err := c.do(ctx, http.MethodGet, "/v1/regions", nil, nil, &l)
	return l.Results, err
}

// Nodes lists nodes, optionally only those of one region.
func (c *Client) Nodes(ctx context.Context, region string) ([]sim.Node, error) {
	q := url.Values{}
	if region != "" {
		q.Set("region", region)
	}
	var l wire.List[sim.Node]
	err := c.do(ctx, http.MethodGet, "/v1/nodes", q, nil, &l)
	return l.Results, err
}

func (c *Client) SetNodeOffline(ctx context.Context, id string, offline bool) (sim.Node, error) {
	action := "online"
	if offline {
		action = "offline"
	}
	var n sim.Node
	err := c.do(ctx, http.MethodPost, "/v1/nodes/"+url.PathEscape(id)+"/"+action, nil, nil, &n)
	return n, err
}

func (c *Client) Machines(ctx context.Context, f sim.MachineFilter) ([]sim.Machine, error) {
	q := url.Values{}
	for k, v := range map[string]string{"namespace": f.Namespace, "fleet": f.Fleet, "node": f.NodeID, "status": string(f.Status)} {
		if v != "" {
			q.Set(k, v)
		}
	}
	var l wire.List[sim.Machine]
	err := c.do(ctx, http.MethodGet, "/v1/machines", q, nil, &l)
	return l.Results, err
}

func (c *Client) Machine(ctx context.Context, id string) (sim.Machine, error) {
	var m sim.Machine
	err := c.do(ctx, http.MethodGet, "/v1/machines/"+url.PathEscape(id), nil, nil, &m)
	return m, err
}

func (c *Client) CreateMachine(ctx context.Context, req sim.CreateRequest) (sim.Machine, error) {
	var m sim.Machine
	err := c.do(ctx, http.MethodPost, "/v1/machines", nil, req, &m)
	return m, err
}

func (c *Client) StartMachine(ctx context.Context, id string) (sim.Machine, error) {
	var m sim.Machine
	err := c.do(ctx, http.MethodPost, "/v1/machines/"+url.PathEscape(id)+"/start", nil, nil, &m)
	return m, err
}

func (c *Client) StopMachine(ctx context.Context, id string) (sim.Machine, error) {
	var m sim.Machine
	err := c.do(ctx, http.MethodPost, "/v1/machines/"+url.PathEscape(id)+"/stop", nil, nil, &m)
	return m, err
}

func (c *Client) DestroyMachine(ctx context.Context, id string) (sim.Machine, error) {
	var m sim.Machine
	err := c.do(ctx, http.MethodDelete, "/v1/machines/"+url.PathEscape(id), nil, nil, &m)
	return m, err
}

func (c *Client) MachineEvents(ctx context.Context, id string) ([]sim.MachineEvent, error) {
	var l wire.List[sim.MachineEvent]
	err := c.do(ctx, http.MethodGet, "/v1/machines/"+url.PathEscape(id)+"/events", nil, nil, &l)
	return l.Results, err
}

func (c *Client) Stats(ctx context.Context) (sim.ClusterStats, error) {
	var s sim.ClusterStats
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, nil, &s)
	return s, err
}

// Events returns up to limit recent events from source ("memory" or
// "journal"; empty means memory).
func (c *Client) Events(ctx context.Context, limit int, source string) ([]sim.MachineEvent, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if source != "" {
		q.Set("source", source)
	}
	var l wire.List[sim.MachineEvent]
	err := c.do(ctx, http.MethodGet, "/v1/events", q, nil, &l)
	return l.Results, err
}

func (c *Client) Snapshot(ctx context.Context) (sim.Snapshot, error) {
	var s sim.Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/snapshot", nil, nil, &s)
	return s, err
}

// Stream calls fn for every machine event until ctx is done, the server
// closes the stream, or fn returns an error.
func (c *Client) Stream(ctx context.Context, replay bool, fn func(sim.MachineEvent) error) error {
	q := url.Values{}
	if replay {
		q.Set("replay", "true")
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/events/stream", q, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data:")
		if !ok {
			continue
		}
		var e sim.MachineEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &e); err != nil {
			return fmt.Errorf("decode stream event: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sc.Err()
}
