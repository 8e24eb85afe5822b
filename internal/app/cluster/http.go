package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/httputil"
)

// HTTPClient submits bundles to a remote cluster gateway.
type HTTPClient struct {
	client *httputil.Client
}

var _ Submitter = (*HTTPClient)(nil)

// NewHTTPClient targets the gateway at baseURL, authenticating with apiKey.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{client: httputil.NewClient(httputil.ClientConfig{
		BaseURL: baseURL,
		Token:   apiKey,
		Timeout: timeout,
	})}
}

// Submit posts the bundle. A 4xx answer or an explicit refusal in the
// acknowledgement wraps ErrRejected.
func (c *HTTPClient) Submit(ctx context.Context, bundle Bundle) error {
	resp, err := c.client.Post(ctx, "/v1/bundles", bundle)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _, err := httputil.ReadAllWithLimit(resp.Body, 64<<10)
	if err != nil {
		return fmt.Errorf("read cluster ack: %w", err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, gjson.GetBytes(body, "message").String())
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("cluster gateway status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("cluster ack is not JSON")
	}
	ack := gjson.ParseBytes(body)
	if !ack.Get("accepted").Bool() {
		return fmt.Errorf("%w: %s", ErrRejected, ack.Get("reason").String())
	}
	if id := ack.Get("request_id"); id.Exists() && id.Uint() != bundle.RequestID {
		return fmt.Errorf("cluster acknowledged request %d, sent %d", id.Uint(), bundle.RequestID)
	}
	return nil
}

// NewGatewayHandler exposes a Submitter as the cluster gateway endpoint
// POST /v1/bundles.
func NewGatewayHandler(sub Submitter) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/v1/bundles", func(w http.ResponseWriter, r *http.Request) {
		var bundle Bundle
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&bundle); err != nil {
			httputil.WriteErrorResponse(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		if err := sub.Submit(r.Context(), bundle); err != nil {
			httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
				"accepted":   false,
				"request_id": bundle.RequestID,
				"reason":     err.Error(),
			})
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
			"accepted":   true,
			"request_id": bundle.RequestID,
		})
	}).Methods(http.MethodPost)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return router
}

// HTTPCallbackSink posts results to a node's callback endpoint, retrying
// transport and 5xx failures with exponential backoff.
type HTTPCallbackSink struct {
	client  *httputil.Client
	maxWait time.Duration
}

var _ CallbackSink = (*HTTPCallbackSink)(nil)

// NewHTTPCallbackSink targets the node API at baseURL.
func NewHTTPCallbackSink(baseURL, token string, maxWait time.Duration) *HTTPCallbackSink {
	if maxWait <= 0 {
		maxWait = time.Minute
	}
	return &HTTPCallbackSink{
		client:  httputil.NewClient(httputil.ClientConfig{BaseURL: baseURL, Token: token}),
		maxWait: maxWait,
	}
}

// Deliver posts result to /v1/callbacks/{circuit}. A 4xx answer is final:
// the node has either recorded the outcome or refuses the result.
func (s *HTTPCallbackSink) Deliver(ctx context.Context, circuit computation.Circuit, result SignedResult) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.maxWait

	op := func() error {
		resp, err := s.client.Post(ctx, "/v1/callbacks/"+string(circuit), result)
		if err != nil {
			return err
		}
		err = httputil.DecodeResponse(resp, nil)
		var se *httputil.StatusError
		if errors.As(err, &se) && se.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}
