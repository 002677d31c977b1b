// Package transport posts payloads to the ingestion service and classifies
// the responses.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/zoff-tech/telemetry-uploader/pkg/config"
)

const (
	ContentTypeJSON = "application/json"

	maxResponseBody = 1 << 20
)

// ErrNoAPIKey is returned when the key provider has no credential to offer.
var ErrNoAPIKey = errors.New("transport: no api key")

// KeyProvider supplies the credential sent with every request.
type KeyProvider interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticKey is a KeyProvider returning a fixed key.
type StaticKey string

func (k StaticKey) APIKey(context.Context) (string, error) {
	if k == "" {
		return "", ErrNoAPIKey
	}
	return string(k), nil
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client issues authorized requests against the ingestion service.
type Client struct {
	http     *http.Client
	keys     KeyProvider
	scheme   string
	sentinel string
}

// NewClient builds a client with an instrumented transport.
func NewClient(cfg config.EndpointSettings, keys KeyProvider) *Client {
	return &Client{
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		keys:     keys,
		scheme:   cfg.AuthScheme,
		sentinel: cfg.SentinelHeader,
	}
}

// SentinelHeader is the header a genuine ingestion response carries.
func (c *Client) SentinelHeader() string { return c.sentinel }

// Post sends a JSON body to url.
func (c *Client) Post(ctx context.Context, url string, body []byte) (*Response, error) {
	return c.Do(ctx, http.MethodPost, url, ContentTypeJSON, bytes.NewReader(body))
}

// Do sends one request. A non-nil error means no HTTP response was received.
func (c *Client) Do(ctx context.Context, method, url, contentType string, body io.Reader) (*Response, error) {
	key, err := c.keys.APIKey(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", c.scheme+" "+key)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// Classify applies the client's sentinel header to a request result.
func (c *Client) Classify(resp *Response, err error) Outcome {
	return Classify(resp, err, c.sentinel)
}

// Check turns a request result into nil on delivery or a *FailureError.
func (c *Client) Check(resp *Response, err error) error {
	outcome := c.Classify(resp, err)
	if outcome == OutcomeDelivered {
		return nil
	}
	fe := &FailureError{Outcome: outcome, Err: err}
	if resp != nil {
		fe.StatusCode = resp.StatusCode
	}
	return fe
}
