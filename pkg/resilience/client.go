// Package resilience wraps http.Client with the retry and
// circuit-breaker policies every exchange REST call goes through
// (spec §7: Network and RateLimit errors are retried, everything else
// stops the strategy).
package resilience

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ohlcv/gridengine/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/metric"
)

// Client wraps http.Client with a failsafe-go retry policy (transient
// network/5xx/429 failures) composed with a circuit breaker that trips
// once 5 of the last 10 executions fail, so a degraded exchange doesn't
// get hammered by every strategy's retry budget at once.
type Client struct {
	http     *http.Client
	pipeline failsafe.Executor[*http.Response]

	reqCounter metric.Int64Counter
	errCounter metric.Int64Counter
}

// NewClient builds a client with the engine's default resilience
// policies.
func NewClient(timeout time.Duration) *Client {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == 429
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	meter := telemetry.GetMeter("exchange-http-client")
	reqCounter, _ := meter.Int64Counter("exchange_http_requests_total", metric.WithDescription("Total exchange HTTP requests"))
	errCounter, _ := meter.Int64Counter("exchange_http_errors_total", metric.WithDescription("Total exchange HTTP errors"))

	return &Client{
		http:       &http.Client{Timeout: timeout},
		pipeline:   failsafe.With[*http.Response](retryPolicy, breaker),
		reqCounter: reqCounter,
		errCounter: errCounter,
	}
}

// Signer signs an outgoing request in place (HMAC headers, query
// params, etc.) before it is sent.
type Signer interface {
	SignRequest(req *http.Request, body []byte) error
}

// APIError is returned by Do for any non-2xx response; callers map it
// onto their own error types.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Do executes method/url with the given body, signs it via signer (if
// non-nil), and returns the response body. Retries and the circuit
// breaker apply around the whole round trip.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, signer Signer) ([]byte, error) {
	c.reqCounter.Add(ctx, 1)

	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if signer != nil {
			if err := signer.SignRequest(req, body); err != nil {
				return nil, err
			}
		}
		return c.http.Do(req)
	})
	if err != nil {
		c.errCounter.Add(ctx, 1)
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.errCounter.Add(ctx, 1)
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.errCounter.Add(ctx, 1)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: respBody}
	}
	return respBody, nil
}
