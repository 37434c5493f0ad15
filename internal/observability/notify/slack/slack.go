// Package slack delivers job failure notifications to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pagesentry/pagesentry/internal/observability/notify"
)

const defaultTimeout = 5 * time.Second

var slackEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Config holds webhook settings. WebhookURL is the only required field.
type Config struct {
	WebhookURL    string
	Channel       string
	Username      string
	Timeout       time.Duration
	RetryLimit    int
	Client        *http.Client
	SiteURLPrefix string
}

// Client posts formatted failure messages to a Slack webhook.
type Client struct {
	webhookURL    string
	channel       string
	username      string
	retryLimit    int
	siteURLPrefix string
	client        *http.Client
}

// NewClient validates the config and returns a webhook client.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}

	c := &Client{
		webhookURL:    webhookURL,
		channel:       strings.TrimSpace(cfg.Channel),
		username:      strings.TrimSpace(cfg.Username),
		retryLimit:    max(cfg.RetryLimit, 0),
		siteURLPrefix: strings.TrimSpace(cfg.SiteURLPrefix),
		client:        cfg.Client,
	}
	if c.username == "" {
		c.username = "pagesentry"
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

// SendJobFailure posts the failure to the webhook, retrying with a linear
// backoff up to the configured retry limit.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	body, err := json.Marshal(c.formatMessage(payload))
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryLimit; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*200*time.Millisecond); err != nil {
				return err
			}
		}
		if lastErr = c.post(ctx, body); lastErr == nil {
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

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read slack response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// formatMessage renders the payload as a bulleted mrkdwn message.
func (c *Client) formatMessage(payload notify.JobFailurePayload) map[string]any {
	var text strings.Builder

	text.WriteString("*Job failure alert*")
	if payload.JobID != "" {
		fmt.Fprintf(&text, " `%s`", payload.JobID)
	}
	if payload.JobType != "" {
		fmt.Fprintf(&text, " (%s)", payload.JobType)
	}
	text.WriteByte('\n')

	severity := payload.Severity
	if severity == "" {
		severity = notify.SeverityCritical
	}
	writeField(&text, "Severity", severity)
	writeField(&text, "Site", c.formatSiteValue(payload.SiteID, payload.SiteName))
	writeField(&text, "Scope", payload.Scope)
	writeField(&text, "Error class", payload.ErrorClass)
	writeField(&text, "Error", payload.Error)
	writeMetadata(&text, payload.Metadata)

	timestamp := payload.OccurredAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	text.WriteString("• Timestamp: ")
	text.WriteString(timestamp.UTC().Format(time.RFC3339))

	msg := map[string]any{
		"text":     text.String(),
		"username": c.username,
	}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

func writeField(text *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	fmt.Fprintf(text, "• %s: %s\n", label, value)
}

func writeMetadata(text *strings.Builder, metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	text.WriteString("• Metadata:\n")
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(text, "    • %s: %s\n", k, metadata[k])
	}
}

// formatSiteValue renders the site as a link when a URL prefix is configured,
// escaping user-controlled text per Slack's mrkdwn rules.
func (c *Client) formatSiteValue(siteID, siteName string) string {
	rawID := strings.TrimSpace(siteID)
	id := slackEscape(rawID)
	name := slackEscape(strings.TrimSpace(siteName))

	var link string
	if rawID != "" {
		link = c.siteLink(rawID)
	}

	switch {
	case link != "" && name != "":
		return fmt.Sprintf("<%s|%s> (%s)", link, name, id)
	case link != "":
		return fmt.Sprintf("<%s|%s>", link, id)
	case name != "" && id != "":
		return fmt.Sprintf("%s (%s)", name, id)
	case name != "":
		return name
	default:
		return id
	}
}

func slackEscape(value string) string {
	if value == "" {
		return ""
	}
	return slackEscaper.Replace(value)
}

func (c *Client) siteLink(siteID string) string {
	if c.siteURLPrefix == "" {
		return ""
	}
	u, err := url.Parse(c.siteURLPrefix)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	link, err := url.JoinPath(u.String(), siteID)
	if err != nil {
		return ""
	}
	return link
}
