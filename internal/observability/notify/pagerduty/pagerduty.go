// Package pagerduty publishes job failures to PagerDuty's Events API v2.
package pagerduty

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pagesentry/pagesentry/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

const defaultTimeout = 5 * time.Second

// Config holds settings for the PagerDuty sink. RoutingKey is required.
// Endpoint overrides the ingest URL, mainly for tests.
type Config struct {
	RoutingKey string
	Source     string
	Component  string
	Endpoint   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client submits trigger events for failed jobs.
type Client struct {
	routingKey string
	source     string
	component  string
	endpoint   string
	retryLimit int
	client     *http.Client
}

// NewClient validates the config and returns an events client.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}

	c := &Client{
		routingKey: key,
		source:     orDefault(cfg.Source, "pagesentry"),
		component:  orDefault(cfg.Component, "pagesentry"),
		endpoint:   orDefault(cfg.Endpoint, APIEndpoint),
		retryLimit: max(cfg.RetryLimit, 0),
		client:     cfg.Client,
	}
	if c.client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		c.client = &http.Client{Timeout: timeout}
	}
	return c, nil
}

// SendJobFailure submits a trigger event, retrying with a linear backoff up
// to the configured retry limit.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	body, err := json.Marshal(c.buildEvent(payload))
	if err != nil {
		return fmt.Errorf("encode pagerduty payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryLimit; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*200*time.Millisecond); err != nil {
				return err
			}
		}
		if lastErr = c.submit(ctx, body); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) buildEvent(payload notify.JobFailurePayload) map[string]any {
	occurredAt := payload.OccurredAt.UTC()
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	custom := map[string]any{
		"job_id":      payload.JobID,
		"job_type":    payload.JobType,
		"site_id":     payload.SiteID,
		"scope":       payload.Scope,
		"error":       payload.Error,
		"error_class": payload.ErrorClass,
	}
	// Metadata never clobbers the well-known detail keys.
	for k, v := range payload.Metadata {
		if _, exists := custom[k]; !exists {
			custom[k] = v
		}
	}

	return map[string]any{
		"routing_key":  c.routingKey,
		"event_action": "trigger",
		"dedup_key":    strings.Trim(payload.JobType+":"+payload.JobID, ":"),
		"payload": map[string]any{
			"summary": fmt.Sprintf("Job %s (%s) failed",
				orDefault(payload.JobID, "unknown"),
				orDefault(payload.JobType, "unknown")),
			"severity":       orDefault(strings.ToLower(payload.Severity), notify.SeverityCritical),
			"source":         c.source,
			"component":      c.component,
			"timestamp":      occurredAt.Format(time.RFC3339),
			"custom_details": custom,
		},
	}
}

func orDefault(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

func (c *Client) submit(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create pagerduty request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pagerduty request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read pagerduty response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pagerduty api %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}
