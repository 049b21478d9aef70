// Package channel implements the outbound chat delivery adapter. The
// client speaks the Slack Web API and owns its own retry policy; dispatch
// only ever sees success or failure.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/klaxonhq/klaxon/internal/config"
	"github.com/klaxonhq/klaxon/pkg/models"
)

// ErrNotConfigured indicates the client was built without credentials.
// The channel stays unavailable and dispatch records it as failed.
var ErrNotConfigured = errors.New("slack channel not configured")

// ErrRateLimited is returned when retries were exhausted while the API
// kept answering 429. RetryAfter carries the server-supplied hint.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("slack rate limited, retry after %s", e.RetryAfter)
}

// ErrConfig wraps a non-retryable API rejection (4xx other than 429),
// which almost always means bad credentials or a bad channel id.
type ErrConfig struct {
	Status int
	Body   string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("slack rejected request with status %d: %s", e.Status, e.Body)
}

// Priority colors for message attachments.
var priorityColors = map[models.AlertPriority]string{
	models.AlertPriorityLow:      "#36a64f",
	models.AlertPriorityMedium:   "#ffcc00",
	models.AlertPriorityHigh:     "#ff9900",
	models.AlertPriorityCritical: "#ff0000",
}

// maxMetadataFields caps how many metadata entries are rendered into the
// message to keep attachments readable.
const maxMetadataFields = 5

// Client delivers alerts to a Slack workspace with bounded retry and
// exponential backoff.
type Client struct {
	log        *slog.Logger
	httpClient *http.Client
	apiURL     string
	token      string
	channel    string

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Slack client from configuration. A missing token is a
// construction-time configuration error.
func New(cfg config.SlackConfig, log *slog.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, ErrNotConfigured
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}
	return &Client{
		log:         log.With("component", "slack_client"),
		httpClient:  &http.Client{Timeout: timeout},
		apiURL:      cfg.APIURL,
		token:       cfg.Token,
		channel:     cfg.DefaultChannel,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		sleep:       sleepCtx,
	}, nil
}

type attachmentField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type attachment struct {
	Color  string            `json:"color"`
	Title  string            `json:"title"`
	Text   string            `json:"text"`
	Fields []attachmentField `json:"fields"`
	Ts     int64             `json:"ts"`
}

type postMessageRequest struct {
	Channel     string       `json:"channel"`
	Attachments []attachment `json:"attachments"`
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Send posts the alert as a color-coded attachment, retrying transient
// failures per the client's backoff policy.
func (c *Client) Send(ctx context.Context, alert *models.Alert) error {
	body, err := json.Marshal(c.buildMessage(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}
	return c.postWithRetry(ctx, "/chat.postMessage", body)
}

// Ping verifies connectivity and credentials via auth.test. It is a
// supporting operation and is not retried.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.post(ctx, "/auth.test", []byte("{}"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkResponse(resp)
}

// ListChannels fetches visible conversation names. Not retried.
func (c *Client) ListChannels(ctx context.Context) ([]string, error) {
	resp, err := c.post(ctx, "/conversations.list", []byte("{}"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &ErrConfig{Status: resp.StatusCode, Body: string(body)}
	}
	var parsed struct {
		OK       bool   `json:"ok"`
		Error    string `json:"error"`
		Channels []struct {
			Name string `json:"name"`
		} `json:"channels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode conversations.list response: %w", err)
	}
	if !parsed.OK {
		return nil, &ErrConfig{Status: resp.StatusCode, Body: parsed.Error}
	}
	names := make([]string, 0, len(parsed.Channels))
	for _, ch := range parsed.Channels {
		names = append(names, ch.Name)
	}
	return names, nil
}

func (c *Client) buildMessage(alert *models.Alert) postMessageRequest {
	channel := alert.SlackChannel
	if channel == "" {
		channel = c.channel
	}

	fields := []attachmentField{
		{Title: "Priority", Value: string(alert.Priority), Short: true},
		{Title: "Category", Value: string(alert.Category), Short: true},
	}
	if alert.Source != "" {
		fields = append(fields, attachmentField{Title: "Source", Value: alert.Source, Short: true})
	}
	if alert.TargetUserID != "" {
		fields = append(fields, attachmentField{Title: "Target user", Value: alert.TargetUserID, Short: true})
	}

	// Render metadata in deterministic order, capped for readability.
	keys := make([]string, 0, len(alert.Metadata))
	for k := range alert.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxMetadataFields {
		keys = keys[:maxMetadataFields]
	}
	for _, k := range keys {
		fields = append(fields, attachmentField{Title: k, Value: alert.Metadata[k], Short: true})
	}

	return postMessageRequest{
		Channel: channel,
		Attachments: []attachment{{
			Color:  priorityColors[alert.Priority],
			Title:  alert.Title,
			Text:   alert.Message,
			Fields: fields,
			Ts:     alert.CreatedAt.Unix(),
		}},
	}
}

func (c *Client) postWithRetry(ctx context.Context, path string, body []byte) error {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		resp, err := c.post(ctx, path, body)
		if err != nil {
			// Transport-level failure, treated like a 5xx.
			lastErr = err
			if attempt == c.maxAttempts-1 {
				break
			}
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return err
			}
			continue
		}

		err = c.checkResponse(resp)
		resp.Body.Close()
		switch {
		case err == nil:
			return nil
		case isRateLimited(err):
			rl := err.(*ErrRateLimited)
			lastErr = err
			if attempt == c.maxAttempts-1 {
				return rl
			}
			// The retry-after sleep counts as an attempt.
			if err := c.sleep(ctx, rl.RetryAfter); err != nil {
				return err
			}
		case isTransient(err):
			lastErr = err
			if attempt == c.maxAttempts-1 {
				break
			}
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return err
			}
		default:
			// Configuration error, retrying will not help.
			return err
		}
	}
	return fmt.Errorf("slack delivery failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.httpClient.Do(req)
}

// transientError marks a retryable server-side failure.
type transientError struct {
	status int
}

func (e *transientError) Error() string {
	return fmt.Sprintf("slack returned status %d", e.status)
}

func (c *Client) checkResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &ErrRateLimited{RetryAfter: retryAfter}
	case resp.StatusCode >= 500:
		return &transientError{status: resp.StatusCode}
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &ErrConfig{Status: resp.StatusCode, Body: string(body)}
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("failed to decode slack response: %w", err)
	}
	if !parsed.OK {
		return &ErrConfig{Status: resp.StatusCode, Body: parsed.Error}
	}
	return nil
}

// backoff computes min(base*2^attempt, max) with ±25% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseDelay << uint(attempt)
	if delay > c.maxDelay || delay <= 0 {
		delay = c.maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay - delay/4 + jitter
}

func isRateLimited(err error) bool {
	var rl *ErrRateLimited
	return errors.As(err, &rl)
}

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
