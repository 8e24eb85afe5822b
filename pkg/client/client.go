// Package client is the Go SDK for the confidential computation node API.
// It submits sealed operands, follows the event log and unseals results
// with the caller's key.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/httputil"
)

// StatusError is returned for non-2xx answers. Code carries the node's
// error code, e.g. DUPLICATE_REQUEST.
type StatusError = httputil.StatusError

// Client talks to one node.
type Client struct {
	http  *httputil.Client
	token string
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// New creates a client for the node at cfg.BaseURL.
func New(cfg Config) *Client {
	return &Client{
		http: httputil.NewClient(httputil.ClientConfig{
			BaseURL: cfg.BaseURL,
			Token:   cfg.Token,
			Timeout: cfg.Timeout,
		}),
		token: cfg.Token,
	}
}

// Computation is the node's view of one request slot.
type Computation struct {
	ID          string                      `json:"id"`
	Circuit     computation.Circuit         `json:"circuit"`
	Offset      uint32                      `json:"offset"`
	Address     computation.Address         `json:"address"`
	Callback    computation.CallbackBinding `json:"callback"`
	Commitment  computation.Digest          `json:"commitment"`
	Status      computation.Status          `json:"status"`
	Forwarded   bool                        `json:"forwarded"`
	Attempts    int                         `json:"attempts"`
	AbortReason string                      `json:"abort_reason,omitempty"`
	QueuedAt    time.Time                   `json:"queued_at"`
	ResolvedAt  *time.Time                  `json:"resolved_at,omitempty"`
}

// RequestID parses ID.
func (c Computation) RequestID() (uint64, error) {
	return strconv.ParseUint(c.ID, 10, 64)
}

// Submission is the body of a computation request. A zero RequestID asks
// the node to allocate one.
type Submission struct {
	RequestID uint64
	Context   computation.EncryptionContext
	Operands  []computation.Ciphertext
}

type submitBody struct {
	RequestID json.Number              `json:"request_id,omitempty"`
	PublicKey computation.PublicKey    `json:"public_key"`
	Nonce     computation.Nonce        `json:"nonce"`
	Operands  []computation.Ciphertext `json:"operands"`
}

// Health checks /healthz.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.Get(ctx, "/healthz")
	if err != nil {
		return err
	}
	return httputil.DecodeResponse(resp, nil)
}

// RegisterDefinition initializes circuit's definition slot.
func (c *Client) RegisterDefinition(ctx context.Context, circuit computation.Circuit) (computation.Definition, error) {
	var def computation.Definition
	resp, err := c.http.Post(ctx, "/v1/definitions/"+url.PathEscape(string(circuit)), nil)
	if err != nil {
		return def, err
	}
	return def, httputil.DecodeResponse(resp, &def)
}

// Definition fetches one registered definition.
func (c *Client) Definition(ctx context.Context, circuit computation.Circuit) (computation.Definition, error) {
	var def computation.Definition
	resp, err := c.http.Get(ctx, "/v1/definitions/"+url.PathEscape(string(circuit)))
	if err != nil {
		return def, err
	}
	return def, httputil.DecodeResponse(resp, &def)
}

// Definitions lists registered definitions.
func (c *Client) Definitions(ctx context.Context) ([]computation.Definition, error) {
	var defs []computation.Definition
	resp, err := c.http.Get(ctx, "/v1/definitions")
	if err != nil {
		return nil, err
	}
	return defs, httputil.DecodeResponse(resp, &defs)
}

// ConfigureCluster replaces the node's trusted signing set.
func (c *Client) ConfigureCluster(ctx context.Context, cfg computation.ClusterConfig) (computation.ClusterConfig, error) {
	var out computation.ClusterConfig
	resp, err := c.http.Put(ctx, "/v1/cluster", cfg)
	if err != nil {
		return out, err
	}
	return out, httputil.DecodeResponse(resp, &out)
}

// ClusterConfig returns the node's trusted signing set and MXE key.
func (c *Client) ClusterConfig(ctx context.Context) (computation.ClusterConfig, error) {
	var out computation.ClusterConfig
	resp, err := c.http.Get(ctx, "/v1/cluster")
	if err != nil {
		return out, err
	}
	return out, httputil.DecodeResponse(resp, &out)
}

// Submit queues a computation.
func (c *Client) Submit(ctx context.Context, circuit computation.Circuit, in Submission) (Computation, error) {
	body := submitBody{PublicKey: in.Context.PublicKey, Nonce: in.Context.Nonce, Operands: in.Operands}
	if in.RequestID != 0 {
		body.RequestID = json.Number(strconv.FormatUint(in.RequestID, 10))
	}
	var out Computation
	resp, err := c.http.Post(ctx, "/v1/computations/"+url.PathEscape(string(circuit)), body)
	if err != nil {
		return out, err
	}
	return out, httputil.DecodeResponse(resp, &out)
}

// Computation fetches a request slot.
func (c *Client) Computation(ctx context.Context, id uint64) (Computation, error) {
	var out Computation
	resp, err := c.http.Get(ctx, "/v1/computations/"+strconv.FormatUint(id, 10))
	if err != nil {
		return out, err
	}
	return out, httputil.DecodeResponse(resp, &out)
}

// Release frees a terminal request slot.
func (c *Client) Release(ctx context.Context, id uint64) error {
	resp, err := c.http.Delete(ctx, "/v1/computations/"+strconv.FormatUint(id, 10))
	if err != nil {
		return err
	}
	return httputil.DecodeResponse(resp, nil)
}

// Events pages through the event log after sequence number after.
func (c *Client) Events(ctx context.Context, after uint64, limit int) ([]computation.LogEntry, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []computation.LogEntry
	resp, err := c.http.Get(ctx, "/v1/events?"+q.Encode())
	if err != nil {
		return nil, err
	}
	return out, httputil.DecodeResponse(resp, &out)
}

// Await polls until request id reaches a terminal state or ctx ends.
func (c *Client) Await(ctx context.Context, id uint64, every time.Duration) (Computation, error) {
	if every <= 0 {
		every = 250 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		comp, err := c.Computation(ctx, id)
		if err != nil {
			return comp, err
		}
		if comp.Status.Terminal() {
			return comp, nil
		}
		select {
		case <-ctx.Done():
			return comp, fmt.Errorf("await request %d: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}
