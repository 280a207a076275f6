// Package engine talks to the external rendering engine that executes
// enhancement jobs and later calls back with results.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"enhancer/internal/domain"
)

type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client dispatches jobs to the engine behind a circuit breaker.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	breaker    *gobreaker.CircuitBreaker
}

func NewClient(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "http://localhost:9000"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: client,
		baseURL:    base,
		token:      strings.TrimSpace(opts.APIKey),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "engine",
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && failureRatio >= 0.6
			},
			// A rejected payload says nothing about engine health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, domain.ErrDispatchRejected)
			},
		}),
	}
}

// Accepted is the engine's acknowledgement of a dispatch.
type Accepted struct {
	ProviderJobID string
}

type acceptResp struct {
	ID      string `json:"id"`
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

// Dispatch submits req keyed by idempotencyKey. A 409 means the engine
// already holds the job and counts as accepted. Errors wrap
// domain.ErrDispatchTransient or domain.ErrDispatchRejected.
func (c *Client) Dispatch(ctx context.Context, idempotencyKey string, req domain.DispatchRequest) (Accepted, error) {
	if c == nil {
		return Accepted{}, errors.New("engine client not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Accepted{}, fmt.Errorf("%w: encode request: %v", domain.ErrDispatchRejected, err)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, idempotencyKey, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Accepted{}, fmt.Errorf("%w: %v", domain.ErrDispatchTransient, err)
		}
		return Accepted{}, err
	}
	return out.(Accepted), nil
}

func (c *Client) post(ctx context.Context, idempotencyKey string, body []byte) (Accepted, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return Accepted{}, fmt.Errorf("%w: %v", domain.ErrDispatchRejected, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Accepted{}, fmt.Errorf("%w: %v", domain.ErrDispatchTransient, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var parsed acceptResp
	_ = json.Unmarshal(raw, &parsed)

	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		id := parsed.ID
		if id == "" {
			id = parsed.JobID
		}
		return Accepted{ProviderJobID: id}, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		return Accepted{}, fmt.Errorf("%w: engine http %d", domain.ErrDispatchTransient, resp.StatusCode)
	default:
		if parsed.Message != "" {
			return Accepted{}, fmt.Errorf("%w: engine http %d: %s", domain.ErrDispatchRejected, resp.StatusCode, parsed.Message)
		}
		return Accepted{}, fmt.Errorf("%w: engine http %d", domain.ErrDispatchRejected, resp.StatusCode)
	}
}

// Cancel asks the engine to drop a queued job, addressed by the provider id
// from the dispatch ack or by our job id. A job the engine no longer knows
// about is treated as canceled.
func (c *Client) Cancel(ctx context.Context, ref string) error {
	if c == nil || ref == "" {
		return nil
	}
	endpoint := c.baseURL + "/v1/jobs/" + url.PathEscape(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("engine cancel: http %d", resp.StatusCode)
	}
	return nil
}
