package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

type HTTPOption func(*HTTPDeliverer)

// WithHTTPClient replaces the underlying client, e.g. with an
// otelhttp-instrumented one.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(d *HTTPDeliverer) {
		if client != nil {
			d.client = client
		}
	}
}

func WithTimeout(timeout time.Duration) HTTPOption {
	return func(d *HTTPDeliverer) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// HTTPDeliverer posts event batches to a fixed ingestion host. The host is
// set once at construction; there is no runtime reconfiguration.
type HTTPDeliverer struct {
	host    string
	client  *http.Client
	timeout time.Duration
}

var _ Deliverer = (*HTTPDeliverer)(nil)

func NewHTTPDeliverer(host string, opts ...HTTPOption) *HTTPDeliverer {
	d := &HTTPDeliverer{
		host:    strings.TrimRight(strings.TrimSpace(host), "/"),
		client:  &http.Client{},
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deliver posts {"api_key":..., "batch":[...]} to <host>/batch. Any 2xx is
// success; any other status is rejected; transport failures are unreachable.
// Response bodies are drained and ignored.
func (d *HTTPDeliverer) Deliver(ctx context.Context, events []Event, apiKey string) Result {
	body, err := encodeBatch(events, apiKey)
	if err != nil {
		return Result{Outcome: OutcomeUnreachable, Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.host+"/batch", bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: OutcomeUnreachable, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeUnreachable, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Outcome: OutcomeSuccess, StatusCode: resp.StatusCode}
	}
	return Result{Outcome: OutcomeRejected, StatusCode: resp.StatusCode}
}
